package server

import (
	"container/heap"
	"time"
)

const (
	minBackoff = 5 * time.Second
	maxBackoff = time.Hour
)

// backoff returns the retry delay after n consecutive failures.
func backoff(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	d := minBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// entry is the polling schedule of one account.
type entry struct {
	account  string
	interval time.Duration
	due      time.Time
	failures int
	index    int
}

// retryAt schedules the next attempt after a failed check. A retry never
// waits longer than the regular interval.
func (en *entry) retryAt(now time.Time) time.Time {
	d := backoff(en.failures)
	if en.interval > 0 && d > en.interval {
		d = en.interval
	}
	return now.Add(d)
}

// schedule orders entries by due time, then account name.
type schedule []*entry

func (s schedule) Len() int { return len(s) }

func (s schedule) Less(i, j int) bool {
	if s[i].due.Equal(s[j].due) {
		return s[i].account < s[j].account
	}
	return s[i].due.Before(s[j].due)
}

func (s schedule) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
	s[i].index = i
	s[j].index = j
}

func (s *schedule) Push(x interface{}) {
	en := x.(*entry)
	en.index = len(*s)
	*s = append(*s, en)
}

func (s *schedule) Pop() interface{} {
	old := *s
	n := len(old)
	en := old[n-1]
	old[n-1] = nil
	en.index = -1
	*s = old[:n-1]
	return en
}

func (s *schedule) add(en *entry)    { heap.Push(s, en) }
func (s *schedule) fix(en *entry)    { heap.Fix(s, en.index) }
func (s *schedule) remove(en *entry) { heap.Remove(s, en.index) }

// next returns the earliest entry, or nil.
func (s schedule) next() *entry {
	if len(s) == 0 {
		return nil
	}
	return s[0]
}
