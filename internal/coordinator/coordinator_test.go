package coordinator

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/txnlab/distxn/internal/txn"
)

func newTestCoordinator(full bool) (*Coordinator, *bytes.Buffer) {
	var buf bytes.Buffer
	c := New(&buf, zerolog.Nop(), Options{FullOutput: full, RecoveredSiteOpt: true})
	return c, &buf
}

// Scenario 1: simple commit of an odd variable, visible only at its owner.
func TestSimpleCommit(t *testing.T) {
	c, buf := newTestCoordinator(true)

	c.Begin(1, txn.ReadWrite)
	c.Write(1, 1, 101)
	c.End(1)
	buf.Reset()
	if err := c.Dump(0, 0); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	out := buf.String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	if len(lines) != 10 {
		t.Fatalf("dump should print one line per site, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[1], "x1: 101") {
		t.Fatalf("site 2's dump line should show x1: 101, got %q", lines[1])
	}
	for i, line := range lines {
		if i == 1 {
			continue
		}
		if strings.Contains(line, "x1:") {
			t.Fatalf("only site 2 should ever mention x1, got %q", line)
		}
	}
}

// Scenario 2: write-write conflict, wait, then commit once the holder ends.
func TestWriteWriteConflictWaitThenCommit(t *testing.T) {
	c, buf := newTestCoordinator(false)

	c.Begin(1, txn.ReadWrite)
	c.Begin(2, txn.ReadWrite)
	c.Write(1, 2, 22)
	c.Write(2, 2, 222)
	if len(c.blockedOnLock) != 1 || c.blockedOnLock[0].tid != 2 {
		t.Fatalf("T2 should be blocked on lock after T1 holds x2 everywhere, got %+v", c.blockedOnLock)
	}

	c.End(1)
	if !strings.Contains(buf.String(), "T1 commits") {
		t.Fatalf("expected T1 commits, got %q", buf.String())
	}
	if len(c.blockedOnLock) != 0 {
		t.Fatalf("T2 should have been woken by T1's release, still blocked: %+v", c.blockedOnLock)
	}

	c.End(2)
	if !strings.Contains(buf.String(), "T2 commits") {
		t.Fatalf("expected T2 commits, got %q", buf.String())
	}

	buf.Reset()
	if err := c.Dump(0, 0); err != nil {
		t.Fatalf("Dump: %v", err)
	}
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if !strings.Contains(line, "x2: 222") {
			t.Fatalf("every site should show x2: 222 after T2 commits, got %q", line)
		}
	}
}

// Scenario 3: a cycle of read holds and queued writes aborts the younger transaction;
// the survivor's subsequent end still commits.
func TestDeadlockAbortsYoungest(t *testing.T) {
	c, buf := newTestCoordinator(true)

	c.Begin(1, txn.ReadWrite) // older, smaller start_time
	c.Begin(2, txn.ReadWrite) // younger
	c.Read(1, 1)              // T1 holds x1 (odd, site 2 only)
	c.Read(2, 2)              // T2 holds x2 (even, everywhere)
	c.Write(1, 2, 0)          // T1 queues for x2 behind T2's read hold

	if len(c.blockedOnLock) != 1 || c.blockedOnLock[0].tid != 1 {
		t.Fatalf("T1 should be queued on x2 before the cycle closes, got %+v", c.blockedOnLock)
	}

	c.Write(2, 1, 0) // T2 queues for x1 behind T1 -> cycle -> T2 (younger) aborts

	if !strings.Contains(buf.String(), "T2 aborts (deadlock)") {
		t.Fatalf("expected T2 to abort on deadlock, got %q", buf.String())
	}
	if _, ok := c.txns[2]; ok {
		t.Fatalf("T2 should have been reaped by the deadlock abort's own End call")
	}

	buf.Reset()
	c.End(1)
	if !strings.Contains(buf.String(), "T1 commits") {
		t.Fatalf("T1 should still be able to commit after T2's abort freed x2, got %q", buf.String())
	}
}

// Scenario 4: a touched site's failure propagates to an abort at end.
func TestSiteFailurePropagatesToAbort(t *testing.T) {
	c, buf := newTestCoordinator(true)

	c.Begin(1, txn.ReadWrite)
	c.Write(1, 2, 99) // even variable: touches every site, including 2
	c.Fail(2)
	c.End(1)

	if !strings.Contains(buf.String(), "T1 aborts (site 2 failure)") {
		t.Fatalf("expected site-failure abort reason, got %q", buf.String())
	}
}

// Scenario 6: an upgrade queues at the head of the waiter list and is
// granted only once the other reader ends.
func TestUpgradeQueuesAheadAndGrantsOnRelease(t *testing.T) {
	c, buf := newTestCoordinator(false)

	c.Begin(1, txn.ReadWrite)
	c.Begin(2, txn.ReadWrite)
	c.Read(1, 2)
	c.Read(2, 2)
	c.Write(1, 2, 77)

	if len(c.blockedOnLock) != 1 || c.blockedOnLock[0].tid != 1 {
		t.Fatalf("T1's upgrade should be queued, got %+v", c.blockedOnLock)
	}

	c.End(2)
	if len(c.blockedOnLock) != 0 {
		t.Fatalf("T1's upgrade should have been granted once T2 released, still blocked: %+v", c.blockedOnLock)
	}

	c.End(1)
	if !strings.Contains(buf.String(), "T1 commits") {
		t.Fatalf("expected T1 commits after the upgrade resolved, got %q", buf.String())
	}

	buf.Reset()
	c.Dump(0, 2)
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if !strings.Contains(line, "x2: 77") {
			t.Fatalf("every site should show x2: 77 after T1's upgraded write commits, got %q", line)
		}
	}
}

// Scenario 5: a blocked read of an even variable wakes on the next
// committed write to it, not merely on recovery.
func TestRecoverThenEvenWriteWakesBlockedReader(t *testing.T) {
	c, buf := newTestCoordinator(true)

	c.Fail(1)
	c.Begin(1, txn.ReadOnly) // start_time after the failure
	c.Read(1, 2)             // succeeds at a still-up site; unrelated to the rest

	// Fail every remaining site so x2 has no readable replica anywhere,
	// then recover all of them without writing x2 at any of them yet.
	for s := 2; s <= 10; s++ {
		c.Fail(s)
	}
	c.Begin(2, txn.ReadWrite)
	c.Read(2, 2) // no site offers a readable copy: blocked on fail
	if len(c.blockedOnFail) == 0 {
		t.Fatalf("expected T2's read of x2 to block on fail with every site down")
	}

	for s := 1; s <= 10; s++ {
		c.Recover(s)
	}
	if len(c.blockedOnFail) == 0 {
		t.Fatalf("even-variable blocked reads stay parked across recover, waiting for a write")
	}

	c.Begin(3, txn.ReadWrite)
	c.Write(3, 2, 55)
	buf.Reset()
	c.End(3) // commits, wakes every blocked-on-fail reader of x2

	if !strings.Contains(buf.String(), "x2: 55") {
		t.Fatalf("T2's blocked read of x2 should have woken and observed 55, got %q", buf.String())
	}
	if len(c.blockedOnFail) != 0 {
		t.Fatalf("blockedOnFail should be drained of the woken reader, still has %+v", c.blockedOnFail)
	}
}

// Invariant: after fail(s), every LockSlot at s is empty and every
// even-variable cell is unreadable, even when another transaction still
// legitimately holds a lock on the same variable at other, unaffected
// sites.
func TestFailClearsLocksAndMarksEvenCellsUnreadable(t *testing.T) {
	c, _ := newTestCoordinator(false)
	c.Begin(1, txn.ReadWrite)
	c.Write(1, 2, 1) // T1 write-holds x2 at every site, including 3

	c.Fail(3)
	if c.siteAt(3).Up() {
		t.Fatalf("site 3 should be down")
	}
	if c.siteAt(3).Readable(2) {
		t.Fatalf("x2 at site 3 should be unreadable after failure")
	}

	// Site 3's lock table was discarded, so a fresh holder there grants
	// immediately even though T1 (on every other, unaffected site) still
	// legitimately blocks its write everywhere else.
	other := txn.New(99, txn.ReadWrite, c.Time())
	if !c.siteAt(3).WriteLock(2, other) {
		t.Fatalf("write lock at failed-then-reset site 3 should grant immediately")
	}
}

// Law: two consecutive dump() calls produce identical output.
func TestDumpIsIdempotent(t *testing.T) {
	c, buf := newTestCoordinator(false)
	c.Begin(1, txn.ReadWrite)
	c.Write(1, 4, 400)
	c.End(1)

	buf.Reset()
	c.Dump(0, 0)
	first := buf.String()

	buf.Reset()
	c.Dump(0, 0)
	second := buf.String()

	if first != second {
		t.Fatalf("consecutive dumps differ:\n%q\nvs\n%q", first, second)
	}
}

func TestDumpRejectsOutOfRangeSite(t *testing.T) {
	c, _ := newTestCoordinator(false)
	if err := c.Dump(11, 0); err == nil {
		t.Fatalf("expected an error for an out-of-range site")
	}
}

func TestEndOnUnknownTransactionIsSilentNoOp(t *testing.T) {
	c, buf := newTestCoordinator(true)
	before := c.Time()
	c.End(999)
	if c.Time() != before {
		t.Fatalf("ending an unknown tid should not advance the clock")
	}
	if buf.Len() != 0 {
		t.Fatalf("ending an unknown tid should produce no output, got %q", buf.String())
	}
}
