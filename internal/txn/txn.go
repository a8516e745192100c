// Package txn implements the per-transaction record: which locks it holds,
// the writes it has deferred to commit time, the sites it has touched, and
// why it aborted (if it has).
package txn

import "fmt"

// Kind distinguishes a read-write transaction (2PL, deferred writes) from a
// read-only transaction (multiversion snapshot reads, no locks, never waits
// on a lock).
type Kind int

const (
	ReadWrite Kind = iota
	ReadOnly
)

// Abort reasons. SiteFailureReason formats the site-failure variant with
// the failed site's index, matching the original implementation's
// "site {} failure" text verbatim so full-output abort lines read
// identically.
const ReasonDeadlock = "deadlock"

func SiteFailureReason(site int) string {
	return fmt.Sprintf("site %d failure", site)
}

type siteVar struct {
	site, variable int
}

// PendingWrite is a deferred write, captured at write-command time and
// applied to every target site only if the transaction commits.
type PendingWrite struct {
	Variable int
	Value    int
	Targets  []int
}

// Transaction is the mutable per-tid record the Coordinator drives.
type Transaction struct {
	tid       int
	kind      Kind
	startTime int

	readLocks  map[siteVar]bool
	writeLocks map[siteVar]bool

	pending []PendingWrite
	// writtenVars records every variable written, in write order,
	// including duplicates — only its even-indexed members matter, to
	// compute the wake set for the after-commit even-write wake path.
	writtenVars []int

	accessedSites map[int]bool

	aborted bool
	reason  string
}

// New creates a transaction record with the given start time (the
// Coordinator's logical tick at begin/beginRO).
func New(tid int, kind Kind, startTime int) *Transaction {
	return &Transaction{
		tid:           tid,
		kind:          kind,
		startTime:     startTime,
		readLocks:     make(map[siteVar]bool),
		writeLocks:    make(map[siteVar]bool),
		accessedSites: make(map[int]bool),
	}
}

func (t *Transaction) ID() int             { return t.tid }
func (t *Transaction) ReadOnly() bool      { return t.kind == ReadOnly }
func (t *Transaction) StartTime() int      { return t.startTime }
func (t *Transaction) Aborted() bool       { return t.aborted }
func (t *Transaction) AbortReason() string { return t.reason }

// HasReadLock reports whether t holds any lock (read or write, an upgraded
// write still satisfies a read check) on (site, variable).
func (t *Transaction) HasReadLock(site, variable int) bool {
	sv := siteVar{site, variable}
	return t.readLocks[sv] || t.writeLocks[sv]
}

// HasWriteLock reports whether t holds a write lock on (site, variable).
func (t *Transaction) HasWriteLock(site, variable int) bool {
	return t.writeLocks[siteVar{site, variable}]
}

// AddReadLock records a freshly granted read hold and marks site as
// accessed.
func (t *Transaction) AddReadLock(site, variable int) {
	t.readLocks[siteVar{site, variable}] = true
	t.accessedSites[site] = true
}

// AddWriteLock records a freshly granted write hold and marks site as
// accessed.
func (t *Transaction) AddWriteLock(site, variable int) {
	t.writeLocks[siteVar{site, variable}] = true
	t.accessedSites[site] = true
}

// MarkAccessed records that t has touched site, independent of locking
// (used for read-only transactions, which never take locks). A later
// failure of such a site marks the read-only transaction aborted; that
// flag appears in the commit log line but does not stop the commit (see
// WillCommit).
func (t *Transaction) MarkAccessed(site int) {
	t.accessedSites[site] = true
}

// HasAccessedSite reports whether t has ever read or write-locked site.
func (t *Transaction) HasAccessedSite(site int) bool {
	return t.accessedSites[site]
}

// RecordWrite defers a write closure for variable to be applied at commit
// time against every site in targets, and marks every target site
// accessed.
func (t *Transaction) RecordWrite(variable, value int, targets []int) {
	t.pending = append(t.pending, PendingWrite{Variable: variable, Value: value, Targets: append([]int(nil), targets...)})
	t.writtenVars = append(t.writtenVars, variable)
	for _, s := range targets {
		t.accessedSites[s] = true
	}
}

// PendingWrites returns the deferred writes in write order.
func (t *Transaction) PendingWrites() []PendingWrite {
	return t.pending
}

// EvenWrittenVariables returns the distinct even-indexed variables this
// transaction wrote, used by the Coordinator to drive the after-commit
// even-write wake path.
func (t *Transaction) EvenWrittenVariables() []int {
	seen := make(map[int]bool)
	var out []int
	for _, v := range t.writtenVars {
		if v%2 == 0 && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// AbortDeadlock marks the transaction aborted due to deadlock detection.
func (t *Transaction) AbortDeadlock() {
	t.aborted = true
	t.reason = ReasonDeadlock
}

// AbortSiteFailure marks the transaction aborted because it had touched
// site and site subsequently failed. It does not remove the transaction;
// cleanup happens at the next End.
func (t *Transaction) AbortSiteFailure(site int) {
	t.aborted = true
	t.reason = SiteFailureReason(site)
}

// WillCommit reports whether the transaction's writes (if any) should be
// applied at End. A read-only transaction always answers true here — it
// never has pending writes to apply or roll back, so the abort flag
// (which can still be set by a site-failure abort touching a read-only
// transaction) has no observable effect on it.
func (t *Transaction) WillCommit() bool {
	if t.kind == ReadOnly {
		return true
	}
	return !t.aborted
}
