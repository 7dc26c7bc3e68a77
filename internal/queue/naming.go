package queue

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joseph-ayodele/fsqueue/constants"
)

const maxSeq = 999999

// stamp is the sortable identity encoded in a job file name.
type stamp struct {
	sec  int64
	nsec int64
	seq  int
}

func (s stamp) less(o stamp) bool {
	if s.sec != o.sec {
		return s.sec < o.sec
	}
	if s.nsec != o.nsec {
		return s.nsec < o.nsec
	}
	return s.seq < o.seq
}

func (s stamp) name() string {
	return fmt.Sprintf("%s%d.%09d_%06d%s", constants.JobFilePrefix, s.sec, s.nsec, s.seq, constants.JobFileExt)
}

func (s stamp) time() time.Time {
	return time.Unix(s.sec, s.nsec)
}

// parseName extracts the stamp from a job file name produced by nameGenerator.
func parseName(name string) (stamp, bool) {
	if !constants.IsJobFile(name) {
		return stamp{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, constants.JobFilePrefix), constants.JobFileExt)

	ts, seqStr, hasSeq := strings.Cut(body, "_")
	secStr, fracStr, hasFrac := strings.Cut(ts, ".")

	var st stamp
	var err error
	if st.sec, err = strconv.ParseInt(secStr, 10, 64); err != nil {
		return stamp{}, false
	}
	if hasFrac {
		// Right-pad so "0.5" reads as 500ms, as written by older timestamp-only names.
		if len(fracStr) == 0 || len(fracStr) > 9 {
			return stamp{}, false
		}
		fracStr += strings.Repeat("0", 9-len(fracStr))
		if st.nsec, err = strconv.ParseInt(fracStr, 10, 64); err != nil {
			return stamp{}, false
		}
	}
	if hasSeq {
		if st.seq, err = strconv.Atoi(seqStr); err != nil {
			return stamp{}, false
		}
	}
	return st, true
}

// nameGenerator hands out job file names that sort strictly after every name
// it has produced or been seeded with, regardless of clock resolution.
type nameGenerator struct {
	mu   sync.Mutex
	now  func() time.Time
	last stamp
	used bool
}

func newNameGenerator(now func() time.Time) *nameGenerator {
	if now == nil {
		now = time.Now
	}
	return &nameGenerator{now: now}
}

// observe raises the floor to an existing name so later names sort after it.
func (g *nameGenerator) observe(name string) {
	st, ok := parseName(name)
	if !ok {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.used || g.last.less(st) {
		g.last = st
		g.used = true
	}
}

func (g *nameGenerator) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	t := g.now()
	cur := stamp{sec: t.Unix(), nsec: int64(t.Nanosecond())}
	if g.used && !g.last.less(cur) {
		cur = g.last
		cur.seq++
		if cur.seq > maxSeq {
			cur.seq = 0
			cur.nsec++
			if cur.nsec >= int64(time.Second) {
				cur.nsec = 0
				cur.sec++
			}
		}
	}
	g.last = cur
	g.used = true
	return cur.name()
}
