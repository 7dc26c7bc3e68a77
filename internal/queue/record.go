package queue

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/fsqueue/constants"
	"github.com/joseph-ayodele/fsqueue/internal/common"
)

// Record is the opaque, JSON-serializable job data supplied by a producer.
// The queue only owns the retry_count and last_error keys.
type Record map[string]any

// Ref is the opaque handle of a job file, valid across Complete/Fail/Requeue.
// It is the job file's base name and does not change when the file moves.
type Ref string

func (r Ref) String() string { return string(r) }

// Job is what Dequeue hands to a worker.
type Job struct {
	Ref       Ref
	Record    Record
	CreatedAt time.Time
}

// RetryCount returns the number of recorded failures of the record.
func (r Record) RetryCount() int {
	switch v := r[constants.MetaRetryCount].(type) {
	case int:
		return max(v, 0)
	case int64:
		return int(max(v, 0))
	case float64:
		return countFromFloat(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(max(n, 0))
		}
		if f, err := v.Float64(); err == nil {
			return countFromFloat(f)
		}
		// Out of float range; the envelope guarantees a non-negative integer.
		if !strings.HasPrefix(v.String(), "-") {
			return math.MaxInt
		}
	}
	return 0
}

// countFromFloat saturates instead of wrapping or dropping to zero.
func countFromFloat(f float64) int {
	switch {
	case !(f > 0):
		return 0
	case f >= math.MaxInt:
		return math.MaxInt
	}
	return int(f)
}

// LastError returns the message of the most recent failure, if any.
func (r Record) LastError() string {
	s, _ := r[constants.MetaLastError].(string)
	return s
}

// Payload returns a copy of the record without queue-owned keys.
func (r Record) Payload() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if _, reserved := constants.ReservedKeys[k]; reserved {
			continue
		}
		out[k] = v
	}
	return out
}

// envelopeSchema constrains the queue-owned keys of a job file. User keys are free-form.
const envelopeSchema = `{
	"type": "object",
	"properties": {
		"retry_count": {"type": "integer", "minimum": 0},
		"last_error": {"type": "string"}
	}
}`

var envelope = jsonschema.MustCompileString("job-envelope.json", envelopeSchema)

// decodeRecord parses and validates the content of a job file.
func decodeRecord(data []byte) (Record, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	// Numbers stay json.Number so integers beyond 2^53 survive a Fail rewrite.
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	if dec.More() {
		return nil, errors.New("trailing data after json object")
	}
	if err := envelope.Validate(v); err != nil {
		return nil, fmt.Errorf("job file does not match envelope: %w", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("job file is not a json object")
	}
	return Record(obj), nil
}

// encodeRecord serializes a record for a job file.
func encodeRecord(rec Record) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, common.SerializationError("encode record", err)
	}
	return data, nil
}

// validateRecord rejects records the queue cannot own safely.
func validateRecord(rec Record) error {
	if rec == nil {
		return common.InvalidInputErrorf("record must not be nil")
	}
	for k := range rec {
		if _, reserved := constants.ReservedKeys[k]; reserved {
			return common.InvalidInputErrorf("record key %q is reserved by the queue", k)
		}
	}
	return nil
}

// validateRef rejects handles that are not bare job file names.
func validateRef(ref Ref) error {
	name := string(ref)
	if strings.TrimSpace(name) == "" {
		return common.InvalidInputErrorf("job ref must not be empty")
	}
	if name != filepath.Base(name) || strings.ContainsAny(name, `/\`) {
		return common.InvalidInputErrorf("job ref %q must be a file name, not a path", name)
	}
	if !constants.IsJobFile(name) {
		return common.InvalidInputErrorf("job ref %q is not a job file name", name)
	}
	return nil
}
