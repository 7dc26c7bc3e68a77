package constants

import "strings"

// State is the lifecycle state of a job, derived from the directory holding its file.
type State string

// Stable values (also used as CLI arguments and export columns).
const (
	StatePending   State = "pending"   // waiting in jobs/, or dequeued and not yet resolved
	StateCompleted State = "completed" // terminal success
	StateFailed    State = "failed"    // terminal failure, retryable
)

var allStates = []State{StatePending, StateCompleted, StateFailed}

// States returns every lifecycle state in display order.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// Dir returns the directory name (relative to the queue root) holding jobs in state s.
func (s State) Dir() string {
	switch s {
	case StatePending:
		return PendingDir
	case StateCompleted:
		return CompletedDir
	case StateFailed:
		return FailedDir
	}
	return ""
}

// ParseState canonicalizes user input into a State.
func ParseState(input string) (State, bool) {
	normalized := strings.ToLower(strings.TrimSpace(input))

	synonyms := map[string]State{
		"jobs":  StatePending,
		"queue": StatePending,
		"done":  StateCompleted,
		"dead":  StateFailed,
		"dlq":   StateFailed,
	}
	if s, ok := synonyms[normalized]; ok {
		return s, true
	}
	for _, s := range allStates {
		if normalized == string(s) {
			return s, true
		}
	}
	return "", false
}
