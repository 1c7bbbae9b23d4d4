package repository

import (
	"container/heap"
	"sort"
)

// RevSort selects the output order of a RevWalk.
type RevSort int

const (
	// SortNone orders commits newest first by committer time.
	SortNone RevSort = 0
	// SortTopo never emits a parent before all of its children.
	SortTopo RevSort = 1 << iota
	// SortReverse inverts the final order.
	SortReverse
)

// RevWalk lists the commits reachable from a set of start points but not
// from a set of uninteresting points. Parsed commits are cached across
// Reset calls.
type RevWalk struct {
	ins           *Inserter
	sorting       RevSort
	starts        []string
	uninteresting []string
	cache         map[string]*CommitDetails
}

// NewRevWalk returns a walker that sees this inserter's pending objects.
func (ins *Inserter) NewRevWalk() *RevWalk {
	return &RevWalk{ins: ins, cache: make(map[string]*CommitDetails)}
}

// Inserter returns the inserter this walk reads through.
func (w *RevWalk) Inserter() *Inserter {
	return w.ins
}

// Parse returns the details of a commit, caching the result.
func (w *RevWalk) Parse(hash string) (*CommitDetails, error) {
	if c, ok := w.cache[hash]; ok {
		return c, nil
	}
	c, err := w.ins.Commit(hash)
	if err != nil {
		return nil, err
	}
	w.cache[hash] = c
	return c, nil
}

// Sort sets the output ordering.
func (w *RevWalk) Sort(s RevSort) {
	w.sorting = s
}

// MarkStart adds commits to start walking from.
func (w *RevWalk) MarkStart(hashes ...string) {
	for _, h := range hashes {
		if h != "" {
			w.starts = append(w.starts, h)
		}
	}
}

// MarkUninteresting excludes these commits and all their ancestors.
func (w *RevWalk) MarkUninteresting(hashes ...string) {
	for _, h := range hashes {
		if h != "" {
			w.uninteresting = append(w.uninteresting, h)
		}
	}
}

// Reset clears start and uninteresting points but keeps the sort order.
func (w *RevWalk) Reset() {
	w.starts = nil
	w.uninteresting = nil
}

// overScanCommits is how many commits a walk keeps reading once only
// uninteresting commits are queued, to tolerate committer clock skew.
const overScanCommits = 5

type walkNode struct {
	c             *CommitDetails
	uninteresting bool
	popped        bool
}

// walkQueue pops the newest commit first.
type walkQueue []*walkNode

func (q walkQueue) Len() int           { return len(q) }
func (q walkQueue) Less(i, j int) bool { return newer(q[i].c, q[j].c) }
func (q walkQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *walkQueue) Push(x any)        { *q = append(*q, x.(*walkNode)) }

func (q *walkQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}

func (q walkQueue) allUninteresting() bool {
	for _, n := range q {
		if !n.uninteresting {
			return false
		}
	}
	return true
}

// markUninteresting flags n and every already expanded ancestor of it.
func markUninteresting(n *walkNode, nodes map[string]*walkNode) {
	stack := []*walkNode{n}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.uninteresting {
			continue
		}
		n.uninteresting = true
		if !n.popped {
			continue
		}
		for _, p := range n.c.Parents {
			if pn, ok := nodes[p]; ok {
				stack = append(stack, pn)
			}
		}
	}
}

// walk expands commits newest first and stops once nothing interesting is
// left to expand.
func (w *RevWalk) walk() (map[string]*CommitDetails, error) {
	nodes := make(map[string]*walkNode)
	q := &walkQueue{}
	add := func(h string, uninteresting bool) error {
		if n, ok := nodes[h]; ok {
			if uninteresting {
				markUninteresting(n, nodes)
			}
			return nil
		}
		c, err := w.Parse(h)
		if err != nil {
			return err
		}
		n := &walkNode{c: c, uninteresting: uninteresting}
		nodes[h] = n
		heap.Push(q, n)
		return nil
	}
	for _, h := range w.uninteresting {
		if err := add(h, true); err != nil {
			return nil, err
		}
	}
	for _, h := range w.starts {
		if err := add(h, false); err != nil {
			return nil, err
		}
	}

	overScan := overScanCommits
	for q.Len() > 0 {
		if q.allUninteresting() {
			if overScan == 0 {
				break
			}
			overScan--
		} else {
			overScan = overScanCommits
		}
		n := heap.Pop(q).(*walkNode)
		n.popped = true
		for _, p := range n.c.Parents {
			if err := add(p, n.uninteresting); err != nil {
				return nil, err
			}
		}
	}

	set := make(map[string]*CommitDetails)
	for h, n := range nodes {
		if !n.uninteresting {
			set[h] = n.c
		}
	}
	return set, nil
}

// Commits runs the walk.
func (w *RevWalk) Commits() ([]*CommitDetails, error) {
	set, err := w.walk()
	if err != nil {
		return nil, err
	}

	byDate := make([]*CommitDetails, 0, len(set))
	for _, c := range set {
		byDate = append(byDate, c)
	}
	sort.Slice(byDate, func(i, j int) bool {
		return newer(byDate[i], byDate[j])
	})

	out := byDate
	if w.sorting&SortTopo != 0 {
		out = topoSort(byDate, set)
	}
	if w.sorting&SortReverse != 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func newer(a, b *CommitDetails) bool {
	if !a.Committer.When.Equal(b.Committer.When) {
		return a.Committer.When.After(b.Committer.When)
	}
	return a.Hash < b.Hash
}

// topoSort emits commits in date order, holding back each commit until all
// of its children in the set have been emitted.
func topoSort(byDate []*CommitDetails, set map[string]*CommitDetails) []*CommitDetails {
	children := make(map[string]int, len(set))
	for _, c := range byDate {
		for _, p := range c.Parents {
			if _, ok := set[p]; ok {
				children[p]++
			}
		}
	}
	emitted := make(map[string]bool, len(set))
	out := make([]*CommitDetails, 0, len(byDate))
	for len(out) < len(byDate) {
		progressed := false
		for _, c := range byDate {
			if emitted[c.Hash] || children[c.Hash] > 0 {
				continue
			}
			emitted[c.Hash] = true
			out = append(out, c)
			for _, p := range c.Parents {
				if _, ok := set[p]; ok {
					children[p]--
				}
			}
			progressed = true
			break
		}
		if !progressed {
			// Unreachable for an acyclic graph.
			break
		}
	}
	return out
}

// IsMergedInto reports whether base is reachable from tip. Commits older
// than base stop the search after a few extra reads.
func (w *RevWalk) IsMergedInto(base, tip string) (bool, error) {
	if base == "" || tip == "" {
		return false, nil
	}
	if base == tip {
		return true, nil
	}
	b, err := w.Parse(base)
	if err != nil {
		return false, err
	}
	seen := make(map[string]bool)
	q := &walkQueue{}
	push := func(h string) error {
		if seen[h] {
			return nil
		}
		seen[h] = true
		c, err := w.Parse(h)
		if err != nil {
			return err
		}
		heap.Push(q, &walkNode{c: c})
		return nil
	}
	if err := push(tip); err != nil {
		return false, err
	}
	overScan := overScanCommits
	for q.Len() > 0 {
		n := heap.Pop(q).(*walkNode)
		if n.c.Hash == base {
			return true, nil
		}
		if n.c.Committer.When.Before(b.Committer.When) {
			if overScan == 0 {
				return false, nil
			}
			overScan--
		}
		for _, p := range n.c.Parents {
			if err := push(p); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}
