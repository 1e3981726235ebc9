// Package reconcile computes how a folder's local cache must change to
// match what the server reported. It performs no I/O; callers apply the
// result.
package reconcile

import "sort"

// Status tells whether the server report could be trusted completely.
type Status int

const (
	// Conclusive means seen and unseen together accounted for every
	// message the server holds.
	Conclusive Status = iota
	// Inconclusive means the report had to fall back to an unqualified
	// search; deletions and read flags are not pushed.
	Inconclusive
)

func (s Status) String() string {
	if s == Inconclusive {
		return "inconclusive"
	}
	return "conclusive"
}

// Input is the server report and the local recollection of one folder.
type Input struct {
	// Seen and Unseen are the server uids by \Seen state.
	Seen   []string
	Unseen []string
	// All is the fallback search result, used when Seen and Unseen do not
	// add up to Exists.
	All    []string
	Exists int

	// ReadElsewhere and UnreadElsewhere are the locally stored uids split
	// by the read state last reported by the server.
	ReadElsewhere   []string
	UnreadElsewhere []string
	// Deleted are uids deleted locally and not yet deleted on the server.
	Deleted []string
	// ReadLocally are stored uids the user read here.
	ReadLocally []string
}

// Result lists the actions for the folder. Every slice is sorted.
type Result struct {
	Status Status
	// New are uids to preview.
	New []string
	// Removed are locally deleted uids still on the server.
	Removed []string
	// Read are locally read uids the server still has unseen.
	Read []string
	// Nonexistent are stored uids the server no longer reports.
	Nonexistent []string
	// MarkReadElsewhere are stored unread uids the server has seen.
	MarkReadElsewhere []string
	// PurgeDeletion are deletion records the server already dropped.
	PurgeDeletion []string
}

// NeedsFallback reports whether Seen and Unseen disagree with Exists.
func (in Input) NeedsFallback() bool {
	return len(in.Seen)+len(in.Unseen) != in.Exists
}

// Reconcile diffs the report against the local state.
func Reconcile(in Input) Result {
	var r Result

	fallback := in.NeedsFallback()
	var reported set
	if fallback {
		reported = newSet(in.All)
		r.Status = Inconclusive
	} else {
		reported = newSet(in.Seen, in.Unseen)
	}

	present := newSet(in.ReadElsewhere, in.UnreadElsewhere)
	deleted := newSet(in.Deleted)

	r.New = reported.minus(present).minus(deleted).sorted()

	// A fallback listing that does not match the count says nothing
	// reliable about absence.
	if fallback && len(in.All) != in.Exists {
		return r
	}
	r.Nonexistent = present.minus(reported).sorted()
	r.PurgeDeletion = deleted.minus(reported).sorted()
	if fallback {
		return r
	}

	unseen := newSet(in.Unseen)
	r.Removed = deleted.intersect(reported).sorted()
	r.Read = newSet(in.ReadLocally).intersect(unseen).sorted()
	r.MarkReadElsewhere = newSet(in.Seen).intersect(newSet(in.UnreadElsewhere)).sorted()
	return r
}

type set map[string]struct{}

func newSet(lists ...[]string) set {
	s := set{}
	for _, l := range lists {
		for _, v := range l {
			s[v] = struct{}{}
		}
	}
	return s
}

func (s set) minus(o set) set {
	out := set{}
	for v := range s {
		if _, ok := o[v]; !ok {
			out[v] = struct{}{}
		}
	}
	return out
}

func (s set) intersect(o set) set {
	out := set{}
	for v := range s {
		if _, ok := o[v]; ok {
			out[v] = struct{}{}
		}
	}
	return out
}

// sorted returns the members in numeric order when every member is a
// number, lexical order otherwise.
func (s set) sorted() []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func less(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
