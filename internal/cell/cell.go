// Package cell implements the multiversion value store for a single
// (site, variable) pair: an append-at-head version chain plus the
// failure-gap bookkeeping that governs whether the chain's latest value may
// be read after its site has failed and recovered.
package cell

import "fmt"

// MValue is one committed version of a variable: the value written and the
// logical tick at which the write committed.
type MValue struct {
	Value   int
	Version int
}

// ErrStaleAfterFailure is returned by ReadAtOrBefore when the newest version
// at or before the requested tick lies at or before the cell's fail-version
// cut. Per spec this must never escape the Coordinator: a read-only
// transaction that hits it is expected to try a different replica.
var ErrStaleAfterFailure = fmt.Errorf("cell: version predates a site failure")

// VersionedCell holds the version chain for one variable at one site.
//
// Invariants: chain is never empty and is strictly decreasing in version
// from index 0 (newest); failVersion <= chain[0].Version; readable implies
// chain[0].Version > failVersion.
type VersionedCell struct {
	variable    int
	chain       []MValue
	failVersion int
	readable    bool
}

// New creates the cell for variable at its initial value 10*variable,
// version 0, never having seen a failure.
func New(variable int) *VersionedCell {
	return &VersionedCell{
		variable:    variable,
		chain:       []MValue{{Value: 10 * variable, Version: 0}},
		failVersion: -1,
		readable:    true,
	}
}

// Latest returns the newest committed version, ignoring the readable flag
// and the fail-version cut.
func (c *VersionedCell) Latest() MValue {
	return c.chain[0]
}

// Readable reports whether the cell has received a committed write since
// its site's most recent failure. Only meaningful for even variables; odd
// variables (the lone-copy case) ignore this flag entirely in the read
// path, so it is simply never cleared for them.
func (c *VersionedCell) Readable() bool {
	return c.readable
}

// FailVersion returns the version observed immediately before the most
// recent failure on this cell's site, or -1 if none has occurred.
func (c *VersionedCell) FailVersion() int {
	return c.failVersion
}

// ReadAtOrBefore returns the newest version v such that v.Version <= asOf.
// Version 0 always satisfies this for any non-negative asOf, so the search
// never comes up empty. If the version found lies at or before the
// fail-version cut, the read is stale and ErrStaleAfterFailure is returned
// instead — the caller (a read-only transaction) must pick a different
// replica.
func (c *VersionedCell) ReadAtOrBefore(asOf int) (MValue, error) {
	for _, v := range c.chain {
		if v.Version <= asOf {
			if v.Version <= c.failVersion {
				return MValue{}, ErrStaleAfterFailure
			}
			return v, nil
		}
	}
	panic(fmt.Sprintf("cell x%d: no version at or before tick %d (version 0 missing)", c.variable, asOf))
}

// Write commits a new version at the head of the chain and clears the
// unreadable flag: a committed write is always readable going forward,
// regardless of any prior failure.
func (c *VersionedCell) Write(value, version int) {
	c.chain = append([]MValue{{Value: value, Version: version}}, c.chain...)
	c.readable = true
}

// Fail records a site failure against this cell. Only even variables track
// readability after failure — for an odd variable the cell is the only
// copy of its data, so once the site recovers a read is immediately
// available again and the unreadable-after-recovery concept does not
// apply.
func (c *VersionedCell) Fail() {
	if c.variable%2 != 0 {
		return
	}
	c.failVersion = c.chain[0].Version
	c.readable = false
}
