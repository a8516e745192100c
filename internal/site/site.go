// Package site implements one replica: its lock table, its versioned
// cells, its up/down state, and the pure replication-placement rule that
// decides which variables live where.
package site

import (
	"github.com/txnlab/distxn/internal/cell"
	"github.com/txnlab/distxn/internal/lock"
)

// VariableCount and SiteCount are the fixed dimensions of the simulated
// database: 20 variables, 10 sites.
const (
	VariableCount = 20
	SiteCount     = 10
)

// IsEven reports whether variable is fully replicated (even index) rather
// than living at a single owner site (odd index).
func IsEven(variable int) bool {
	return variable%2 == 0
}

// OwnerSite returns the single site index that hosts an odd variable:
// ((variable) mod 10) + 1 (x1->site2, x3->site4, ..., x19->site10).
// Meaningless for even variables, which are replicated everywhere.
func OwnerSite(variable int) int {
	return variable%10 + 1
}

// Replicates reports whether siteIndex (1..10) holds a copy of variable
// (1..20) under the replication rule.
func Replicates(siteIndex, variable int) bool {
	if IsEven(variable) {
		return true
	}
	return OwnerSite(variable) == siteIndex
}

// ReadOutcome is the result of a read-write transaction's attempt to read
// through a Site.
type ReadOutcome int

const (
	ReadOK ReadOutcome = iota
	ReadBlocked
)

// TxnView is the minimal transaction surface a Site needs: enough to
// decide lock compatibility and multiversion visibility, and to record a
// freshly granted hold, without the site package depending on the
// concrete *txn.Transaction type.
type TxnView interface {
	ID() int
	ReadOnly() bool
	StartTime() int
	HasReadLock(site, variable int) bool
	HasWriteLock(site, variable int) bool
	AddReadLock(site, variable int)
	AddWriteLock(site, variable int)
}

// Site is a single replica: an up/down flag, a lock table, and one
// VersionedCell per variable it replicates.
type Site struct {
	Index int
	up    bool
	locks *lock.Table
	cells map[int]*cell.VersionedCell
}

// New builds site number index (1..10) with a cell for every variable the
// replication rule places there, initially up.
func New(index int) *Site {
	s := &Site{
		Index: index,
		up:    true,
		locks: lock.NewTable(),
		cells: make(map[int]*cell.VersionedCell),
	}
	for v := 1; v <= VariableCount; v++ {
		if Replicates(index, v) {
			s.cells[v] = cell.New(v)
		}
	}
	return s
}

// Up reports whether the site is currently up.
func (s *Site) Up() bool { return s.up }

// Holds reports whether this site replicates variable at all.
func (s *Site) Holds(variable int) bool {
	_, ok := s.cells[variable]
	return ok
}

// Readable reports whether variable's cell at this site may currently be
// read by a read-write transaction (i.e. it is not in the unreadable gap
// following a failure). Panics if this site does not replicate variable;
// callers must check Holds first.
func (s *Site) Readable(variable int) bool {
	return s.cells[variable].Readable()
}

// Read performs a read for txn. Read-only transactions take the
// multiversion snapshot path and cannot block (a non-nil error here means
// the snapshot is stale after a failure and the Coordinator must try a
// different replica — see cell.ErrStaleAfterFailure). Read-write
// transactions take or reuse a read lock; ReadBlocked means the lock
// request queued.
func (s *Site) Read(variable int, tv TxnView) (cell.MValue, ReadOutcome, error) {
	c := s.cells[variable]
	if tv.ReadOnly() {
		mv, err := c.ReadAtOrBefore(tv.StartTime())
		if err != nil {
			return cell.MValue{}, ReadBlocked, err
		}
		return mv, ReadOK, nil
	}
	if tv.HasReadLock(s.Index, variable) {
		return c.Latest(), ReadOK, nil
	}
	if s.locks.RequestRead(variable, tv.ID()) == lock.Granted {
		tv.AddReadLock(s.Index, variable)
		return c.Latest(), ReadOK, nil
	}
	return cell.MValue{}, ReadBlocked, nil
}

// WriteLock attempts to acquire (or reuse, or upgrade into) a write hold
// on variable for txn. Writes are never applied here; the Coordinator
// defers application to commit.
func (s *Site) WriteLock(variable int, tv TxnView) bool {
	if tv.HasWriteLock(s.Index, variable) {
		return true
	}
	if s.locks.RequestWrite(variable, tv.ID()) == lock.Granted {
		tv.AddWriteLock(s.Index, variable)
		return true
	}
	return false
}

// LeaveQueue removes tid's pending write-waiter entry on variable without
// granting it — the recovered-site write optimization's escape hatch.
func (s *Site) LeaveQueue(variable, tid int) {
	s.locks.LeaveQueue(variable, tid)
}

// CommitWrite applies a previously-deferred write at the given commit
// version.
func (s *Site) CommitWrite(variable, value, version int) {
	s.cells[variable].Write(value, version)
}

// Release drops every hold and wait tid has across this site's lock
// table, returning the tids newly granted a lock as a result.
func (s *Site) Release(tid int) []int {
	return s.locks.Release(tid)
}

// Fail marks the site down, discards every lock (a fresh, empty table —
// every waiter and holder vanishes), and marks each even-variable cell
// unreadable at its current version.
func (s *Site) Fail() {
	s.up = false
	s.locks = lock.NewTable()
	for _, c := range s.cells {
		c.Fail()
	}
}

// Recover marks the site up. Cells are left untouched: an even-variable
// cell stays unreadable until the next committed write to it.
func (s *Site) Recover() {
	s.up = true
}

// Dump returns variable's latest committed value at this site, bypassing
// both the down flag and the readable flag — dump reveals state
// irrespective of failure. ok is false if this site does not replicate
// variable.
func (s *Site) Dump(variable int) (value int, ok bool) {
	c, present := s.cells[variable]
	if !present {
		return 0, false
	}
	return c.Latest().Value, true
}

// AddEdges contributes this site's lock table's waits-for edges into
// edges.
func (s *Site) AddEdges(edges map[int]map[int]bool) {
	s.locks.AddEdges(edges)
}
