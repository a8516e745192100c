// Package lock implements per-variable two-phase-locking queues: read and
// write holders, upgrade semantics, FIFO waiters, and the waits-for edges
// the deadlock detector consumes.
//
// Unlike a goroutine-blocking lock manager that parks a caller on a
// sync.Cond until a lock is granted, this package never blocks: command
// dispatch in this system is logically serial and a single command must
// return immediately with either a grant or a Queued outcome, leaving the
// caller to park the request and retry it later. There is deliberately no
// mutex here — see DESIGN.md.
package lock

import "sort"

// Mode is the kind of hold or wait a transaction has on a LockSlot.
type Mode int

const (
	Read Mode = iota
	Write
)

// Grant is the outcome of a lock request.
type Grant int

const (
	Granted Grant = iota
	Queued
)

type entry struct {
	mode Mode
	tid  int
}

// LockSlot is the holder/waiter queue for a single variable at a single
// site.
//
// Invariants: at most one write holder; a write holder never coexists with
// any other holder; (Read, t) appears at most once across holders+waiters,
// and likewise for (Write, t).
type LockSlot struct {
	holders []entry
	waiters []entry
}

func (s *LockSlot) holds(mode Mode, tid int) bool {
	for _, h := range s.holders {
		if h.mode == mode && h.tid == tid {
			return true
		}
	}
	return false
}

func (s *LockSlot) waits(mode Mode, tid int) bool {
	for _, w := range s.waiters {
		if w.mode == mode && w.tid == tid {
			return true
		}
	}
	return false
}

func (s *LockSlot) allReadHolders() bool {
	for _, h := range s.holders {
		if h.mode != Read {
			return false
		}
	}
	return true
}

// RequestRead grants tid a read hold immediately if it already holds this
// slot in any mode, or if the waiter queue is empty and every current
// holder (if any) is itself a reader. Otherwise tid is appended to the
// waiter queue.
func (s *LockSlot) RequestRead(tid int) Grant {
	if s.holds(Read, tid) || s.holds(Write, tid) {
		return Granted
	}
	if s.waits(Read, tid) {
		return Queued
	}
	if len(s.waiters) == 0 && s.allReadHolders() {
		s.holders = append(s.holders, entry{Read, tid})
		return Granted
	}
	s.waiters = append(s.waiters, entry{Read, tid})
	return Queued
}

// RequestWrite grants tid a write hold immediately if it already holds one,
// upgrades an existing read hold when the slot has no other holders, or
// grants outright when the slot is completely idle. A read-hold upgrade
// that cannot proceed immediately is inserted at the head of the waiter
// queue (ahead of any other pending request) rather than appended, since
// the upgrading transaction already has priority over the data it is
// reading. A fresh write request that cannot proceed immediately is
// appended like any other waiter.
func (s *LockSlot) RequestWrite(tid int) Grant {
	if s.holds(Write, tid) {
		return Granted
	}
	if s.waits(Write, tid) {
		return Queued
	}
	if s.holds(Read, tid) {
		s.removeHolder(Read, tid)
		if len(s.holders) == 0 {
			s.holders = append(s.holders, entry{Write, tid})
			return Granted
		}
		s.waiters = append([]entry{{Write, tid}}, s.waiters...)
		return Queued
	}
	if len(s.holders) == 0 && len(s.waiters) == 0 {
		s.holders = append(s.holders, entry{Write, tid})
		return Granted
	}
	s.waiters = append(s.waiters, entry{Write, tid})
	return Queued
}

// Release drops every hold and wait entry belonging to tid, then greedily
// grants the head of the waiter queue: a single writer, or a read waiter
// followed by every consecutive read waiter behind it. It returns the tids
// newly granted, in grant order.
func (s *LockSlot) Release(tid int) []int {
	s.removeHolder(Read, tid)
	s.removeHolder(Write, tid)
	s.removeWaiter(Read, tid)
	s.removeWaiter(Write, tid)

	var granted []int
	for len(s.holders) == 0 && len(s.waiters) > 0 {
		head := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.holders = append(s.holders, head)
		granted = append(granted, head.tid)
		if head.mode != Read {
			break
		}
		for len(s.waiters) > 0 && s.waiters[0].mode == Read {
			next := s.waiters[0]
			s.waiters = s.waiters[1:]
			s.holders = append(s.holders, next)
			granted = append(granted, next.tid)
		}
	}
	return granted
}

// LeaveQueue removes tid's write-waiter entry without granting anyone a
// lock. Used only by the recovered-site write optimization: a write that
// would otherwise queue behind a newly-recovered-but-not-yet-rewritten
// replica instead treats that replica as still unavailable.
func (s *LockSlot) LeaveQueue(tid int) {
	s.removeWaiter(Write, tid)
}

func (s *LockSlot) removeHolder(mode Mode, tid int) {
	out := s.holders[:0]
	for _, h := range s.holders {
		if h.mode == mode && h.tid == tid {
			continue
		}
		out = append(out, h)
	}
	s.holders = out
}

func (s *LockSlot) removeWaiter(mode Mode, tid int) {
	out := s.waiters[:0]
	for _, w := range s.waiters {
		if w.mode == mode && w.tid == tid {
			continue
		}
		out = append(out, w)
	}
	s.waiters = out
}

// addEdges contributes this slot's waits-for edges to edges: every waiter
// gets an edge to every transaction ahead of it in the queue and to every
// current holder, excluding itself.
func (s *LockSlot) addEdges(edges map[int]map[int]bool) {
	addEdge := func(from, to int) {
		if from == to {
			return
		}
		if edges[from] == nil {
			edges[from] = make(map[int]bool)
		}
		edges[from][to] = true
	}
	for i, w := range s.waiters {
		for j := 0; j < i; j++ {
			addEdge(w.tid, s.waiters[j].tid)
		}
		for _, h := range s.holders {
			addEdge(w.tid, h.tid)
		}
	}
}

// Table is the collection of LockSlots for every variable a Site
// replicates, created lazily on first access.
type Table struct {
	slots map[int]*LockSlot
}

// NewTable returns an empty lock table.
func NewTable() *Table {
	return &Table{slots: make(map[int]*LockSlot)}
}

func (t *Table) slot(variable int) *LockSlot {
	s, ok := t.slots[variable]
	if !ok {
		s = &LockSlot{}
		t.slots[variable] = s
	}
	return s
}

// RequestRead requests a read hold for tid on variable.
func (t *Table) RequestRead(variable, tid int) Grant {
	return t.slot(variable).RequestRead(tid)
}

// RequestWrite requests a write hold for tid on variable.
func (t *Table) RequestWrite(variable, tid int) Grant {
	return t.slot(variable).RequestWrite(tid)
}

// LeaveQueue removes tid's write-waiter entry on variable without granting
// anyone a lock.
func (t *Table) LeaveQueue(variable, tid int) {
	t.slot(variable).LeaveQueue(tid)
}

// Release drops every hold and wait belonging to tid across every variable
// in the table and returns the deduplicated set of tids newly granted a
// lock as a result, in the order they were granted.
func (t *Table) Release(tid int) []int {
	seen := make(map[int]bool)
	var granted []int
	for _, v := range sortedKeys(t.slots) {
		for _, g := range t.slots[v].Release(tid) {
			if !seen[g] {
				seen[g] = true
				granted = append(granted, g)
			}
		}
	}
	return granted
}

// AddEdges contributes every slot's waits-for edges into edges.
func (t *Table) AddEdges(edges map[int]map[int]bool) {
	for _, v := range sortedKeys(t.slots) {
		t.slots[v].addEdges(edges)
	}
}

func sortedKeys(m map[int]*LockSlot) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
