package conversion

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Entry is one progress record of a conversion.
type Entry struct {
	// Pair is the position of the pair in the batch, 0 for single requests
	Pair int

	// Seq orders the entries of one pair
	Seq int

	Worker  int
	Series  string
	Stage   Stage
	Message string
	Time    time.Time
}

func (e Entry) String() string {
	return fmt.Sprintf("[%s] pair %d (%s): %s: %s", e.Time.Format(time.RFC3339), e.Pair, e.Series, e.Stage, e.Message)
}

// Log collects progress entries. Workers never share an entry list: each
// fills its own and the lists are merged once the work is done.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

// NewLog returns an empty log.
func NewLog() *Log { return &Log{} }

// Entries returns every merged entry ordered by pair, then sequence.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// merge appends finished worker lists.
func (l *Log) merge(lists ...[]Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, list := range lists {
		l.entries = append(l.entries, list...)
	}
	sort.SliceStable(l.entries, func(i, j int) bool {
		a, b := l.entries[i], l.entries[j]
		if a.Pair != b.Pair {
			return a.Pair < b.Pair
		}
		return a.Seq < b.Seq
	})
}

// recorder is the entry list owned by one worker.
type recorder struct {
	worker  int
	pair    int
	series  string
	seq     int
	verbose bool
	entries []Entry
}

func (r *recorder) start(pair int, series string) {
	r.pair, r.series, r.seq = pair, series, 0
}

func (r *recorder) record(stage Stage, format string, args ...interface{}) {
	if r == nil {
		return
	}
	e := Entry{
		Pair:    r.pair,
		Seq:     r.seq,
		Worker:  r.worker,
		Series:  r.series,
		Stage:   stage,
		Message: fmt.Sprintf(format, args...),
		Time:    time.Now(),
	}
	r.seq++
	r.entries = append(r.entries, e)
	if r.verbose {
		fmt.Println(e.Message)
	}
}
