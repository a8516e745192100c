// Package coordinator implements command dispatch, the two blocked-waiter
// queues, the deadlock detector, and the logical clock that together drive
// every Site and Transaction in the simulated database. It is the central
// orchestration point of the system: every other package exists to be
// driven from here.
package coordinator

import (
	"fmt"
	"io"
	"sort"

	"github.com/rs/zerolog"

	"github.com/txnlab/distxn/internal/command"
	"github.com/txnlab/distxn/internal/site"
	"github.com/txnlab/distxn/internal/txn"
)

// Options configures the three independent output and behavior toggles
// exposed as CLI flags.
type Options struct {
	// FullOutput, when true, additionally emits write confirmations,
	// blocked notifications, abort reasons, and tid-tagged reads.
	FullOutput bool
	// SuppressWriteLog independently silences the write-related
	// full-output lines (write confirmation and both write-blocked
	// notifications), even when FullOutput is set.
	SuppressWriteLog bool
	// RecoveredSiteOpt enables the write optimization that treats a
	// newly-recovered-but-unwritten replica as still unavailable rather
	// than queuing behind it.
	RecoveredSiteOpt bool
}

type waiter struct {
	tid, variable, value int
	isWrite               bool
}

// Coordinator is the central dispatcher: ten sites, the active transaction
// table, the logical clock, and the two blocked-waiter sets.
type Coordinator struct {
	opts      Options
	logWrites bool
	out       io.Writer
	log       zerolog.Logger

	sites []*site.Site // sites[i] is site number i+1
	txns  map[int]*txn.Transaction
	time  int

	blockedOnFail []waiter
	blockedOnLock []waiter
}

// New constructs a Coordinator with ten fresh, up sites and the logical
// clock starting at 1.
func New(out io.Writer, logger zerolog.Logger, opts Options) *Coordinator {
	c := &Coordinator{
		opts:      opts,
		logWrites: opts.FullOutput && !opts.SuppressWriteLog,
		out:       out,
		log:       logger,
		txns:      make(map[int]*txn.Transaction),
		time:      1,
		sites:     make([]*site.Site, site.SiteCount),
	}
	for i := range c.sites {
		c.sites[i] = site.New(i + 1)
	}
	return c
}

// Time returns the current logical tick.
func (c *Coordinator) Time() int { return c.time }

func (c *Coordinator) siteAt(n int) *site.Site { return c.sites[n-1] }

// Dispatch executes a single parsed command, mirroring it to the
// configured output and logger. It returns an error only for IllegalArgument
// (an out-of-range dump target), which is treated as fatal.
func (c *Coordinator) Dispatch(cmd command.Command) error {
	c.log.Debug().Str("type", cmd.Type.String()).Ints("args", cmd.Args).Msg("dispatch")
	switch cmd.Type {
	case command.Blank:
		return nil
	case command.Begin:
		c.Begin(cmd.Args[0], txn.ReadWrite)
	case command.BeginRO:
		c.Begin(cmd.Args[0], txn.ReadOnly)
	case command.Read:
		c.Read(cmd.Args[0], cmd.Args[1])
	case command.Write:
		c.Write(cmd.Args[0], cmd.Args[1], cmd.Args[2])
	case command.End:
		c.End(cmd.Args[0])
	case command.Fail:
		c.Fail(cmd.Args[0])
	case command.Recover:
		c.Recover(cmd.Args[0])
	case command.DumpAll:
		return c.Dump(0, 0)
	case command.DumpSite:
		return c.Dump(cmd.Args[0], 0)
	case command.DumpVar:
		return c.Dump(0, cmd.Args[0])
	}
	return nil
}

// Begin creates a transaction record with the current tick as its start
// time.
func (c *Coordinator) Begin(tid int, kind txn.Kind) {
	c.txns[tid] = txn.New(tid, kind, c.time)
	c.log.Info().Int("tid", tid).Bool("readOnly", kind == txn.ReadOnly).Msg("begin")
	c.tick()
}

// availableSitesForRead returns, in site order, every up site that
// replicates variable and — for even variables only — is currently
// readable.
func (c *Coordinator) availableSitesForRead(variable int) []int {
	var out []int
	for n := 1; n <= site.SiteCount; n++ {
		s := c.siteAt(n)
		if !s.Holds(variable) || !s.Up() {
			continue
		}
		if site.IsEven(variable) && !s.Readable(variable) {
			continue
		}
		out = append(out, n)
	}
	return out
}

// availableSitesForWrite returns every up site that replicates variable,
// regardless of readability — a write does not need a prior committed
// write to target a recovered replica, only a lock.
func (c *Coordinator) availableSitesForWrite(variable int) []int {
	var out []int
	for n := 1; n <= site.SiteCount; n++ {
		s := c.siteAt(n)
		if s.Holds(variable) && s.Up() {
			out = append(out, n)
		}
	}
	return out
}

// Read performs a read for tid, blocking on failure or on a lock as
// needed. A read-only transaction may need to retry a different replica
// if the first candidate's snapshot is stale after a failure; a
// read-write transaction commits to its first candidate, succeed or
// block.
func (c *Coordinator) Read(tid, variable int) {
	t, ok := c.txns[tid]
	if !ok {
		c.tick()
		return
	}
	candidates := c.availableSitesForRead(variable)
	if len(candidates) == 0 {
		c.addBlockedOnFail(waiter{tid: tid, variable: variable})
		if c.opts.FullOutput {
			fmt.Fprintf(c.out, "T%d blocked reading x%d (no site)\n", tid, variable)
		}
		c.tick()
		return
	}

	if t.ReadOnly() {
		for _, n := range candidates {
			mv, _, err := c.siteAt(n).Read(variable, t)
			if err == nil {
				t.MarkAccessed(n)
				c.emitRead(variable, mv.Value, tid)
				c.tick()
				return
			}
		}
		// Every candidate's snapshot was stale for this start time:
		// treat the variable as unavailable.
		c.addBlockedOnFail(waiter{tid: tid, variable: variable})
		if c.opts.FullOutput {
			fmt.Fprintf(c.out, "T%d blocked reading x%d (no site)\n", tid, variable)
		}
		c.tick()
		return
	}

	n := candidates[0]
	mv, outcome, _ := c.siteAt(n).Read(variable, t)
	if outcome == site.ReadBlocked {
		c.addBlockedOnLock(waiter{tid: tid, variable: variable})
		if c.opts.FullOutput {
			fmt.Fprintf(c.out, "T%d blocked reading x%d (no lock)\n", tid, variable)
		}
		c.tick()
		return
	}
	c.emitRead(variable, mv.Value, tid)
	c.tick()
}

func (c *Coordinator) emitRead(variable, value, tid int) {
	if c.opts.FullOutput {
		fmt.Fprintf(c.out, "x%d: %d (T%d)\n", variable, value, tid)
	} else {
		fmt.Fprintf(c.out, "x%d: %d\n", variable, value)
	}
}

// Write performs a write for tid: it collects every up target site,
// requests a write lock at each, applies the recovered-site optimization
// if configured and applicable, and otherwise blocks. A successful write
// is deferred — not applied — until commit.
func (c *Coordinator) Write(tid, variable, value int) {
	t, ok := c.txns[tid]
	if !ok {
		c.tick()
		return
	}
	targets := c.availableSitesForWrite(variable)
	if len(targets) == 0 {
		c.addBlockedOnFail(waiter{tid: tid, variable: variable, value: value, isWrite: true})
		if c.logWrites {
			fmt.Fprintf(c.out, "T%d blocked writing x%d (no site)\n", tid, variable)
		}
		c.tick()
		return
	}

	var acquired, needLocks []int
	for _, n := range targets {
		if c.siteAt(n).WriteLock(variable, t) {
			acquired = append(acquired, n)
		} else {
			needLocks = append(needLocks, n)
		}
	}

	if len(needLocks) > 0 {
		if c.opts.RecoveredSiteOpt && len(needLocks) < len(targets) && c.allUnreadable(needLocks, variable) {
			for _, n := range needLocks {
				c.siteAt(n).LeaveQueue(variable, tid)
			}
		} else {
			c.addBlockedOnLock(waiter{tid: tid, variable: variable, value: value, isWrite: true})
			if c.logWrites {
				fmt.Fprintf(c.out, "T%d blocked writing x%d (need locks)\n", tid, variable)
			}
			c.tick()
			return
		}
	}

	if c.logWrites {
		fmt.Fprintf(c.out, "x%d = %d (T%d)\n", variable, value, tid)
	}
	t.RecordWrite(variable, value, acquired)
	c.tick()
}

func (c *Coordinator) allUnreadable(sites []int, variable int) bool {
	for _, n := range sites {
		if c.siteAt(n).Readable(variable) {
			return false
		}
	}
	return true
}

// End commits or aborts tid. An end of an unknown tid is a silent no-op —
// test scripts may end a transaction already reaped by the deadlock
// detector — and ticks nothing.
func (c *Coordinator) End(tid int) {
	t, ok := c.txns[tid]
	if !ok {
		return
	}

	var evenWritten []int
	if t.WillCommit() {
		for _, pw := range t.PendingWrites() {
			for _, n := range pw.Targets {
				c.siteAt(n).CommitWrite(pw.Variable, pw.Value, c.time)
			}
		}
		evenWritten = t.EvenWrittenVariables()
		fmt.Fprintf(c.out, "T%d commits\n", tid)
		c.log.Info().Int("tid", tid).Bool("aborted", t.Aborted()).Msg("commit")
	} else {
		if c.opts.FullOutput {
			fmt.Fprintf(c.out, "T%d aborts (%s)\n", tid, t.AbortReason())
		} else {
			fmt.Fprintf(c.out, "T%d aborts\n", tid)
		}
		c.log.Info().Int("tid", tid).Str("reason", t.AbortReason()).Msg("abort")
	}

	granted := c.releaseAllLocks(tid)
	delete(c.txns, tid)
	c.tick()
	c.unblockOnLock(granted)
	if len(evenWritten) > 0 {
		c.recoverByWrite(evenWritten)
	}
}

func (c *Coordinator) releaseAllLocks(tid int) []int {
	seen := make(map[int]bool)
	var granted []int
	for _, s := range c.sites {
		for _, g := range s.Release(tid) {
			if !seen[g] {
				seen[g] = true
				granted = append(granted, g)
			}
		}
	}
	return granted
}

// unblockOnLock re-invokes the original operation for every waiter newly
// granted a lock (wake path 1, §4.5). Re-entries run after the tick so
// they observe post-commit state.
func (c *Coordinator) unblockOnLock(granted []int) {
	if len(granted) == 0 {
		return
	}
	isGranted := make(map[int]bool, len(granted))
	for _, g := range granted {
		isGranted[g] = true
	}
	old := c.blockedOnLock
	c.blockedOnLock = nil
	for _, w := range old {
		if !isGranted[w.tid] {
			c.blockedOnLock = append(c.blockedOnLock, w)
			continue
		}
		if w.isWrite {
			c.Write(w.tid, w.variable, w.value)
		} else {
			c.Read(w.tid, w.variable)
		}
	}
}

// recoverByWrite re-invokes blocked reads of newly-committed even
// variables. Every non-matching entry — including every write-shaped
// entry, which can never match this read-only wake condition — is
// preserved exactly as the original implementation does: misrouted into
// blockedOnLock rather than re-added to blockedOnFail.
func (c *Coordinator) recoverByWrite(evens []int) {
	isEvenWritten := make(map[int]bool, len(evens))
	for _, v := range evens {
		isEvenWritten[v] = true
	}
	old := c.blockedOnFail
	c.blockedOnFail = nil
	for _, w := range old {
		if !w.isWrite && isEvenWritten[w.variable] {
			c.Read(w.tid, w.variable)
		} else {
			c.blockedOnLock = append(c.blockedOnLock, w)
		}
	}
}

// Fail marks site down and aborts (for later cleanup at End) every active
// transaction that has touched it.
func (c *Coordinator) Fail(siteNum int) {
	c.siteAt(siteNum).Fail()
	for _, t := range c.txns {
		if t.HasAccessedSite(siteNum) {
			t.AbortSiteFailure(siteNum)
		}
	}
	c.log.Info().Int("site", siteNum).Msg("site failed")
	c.tick()
}

// Recover marks site up, then re-attempts every fail-blocked waiter that
// this recovery could plausibly satisfy: a blocked write of an even
// variable retries, and a blocked read or write of an odd variable retries
// only if site is its sole owner (an even variable's blocked read instead
// waits for the next committed write, per §4.5 wake path 2). Every other
// waiter is left in place.
func (c *Coordinator) Recover(siteNum int) {
	c.siteAt(siteNum).Recover()
	c.log.Info().Int("site", siteNum).Msg("site recovered")
	c.tick()

	old := c.blockedOnFail
	c.blockedOnFail = nil
	for _, w := range old {
		switch {
		case site.IsEven(w.variable):
			if w.isWrite {
				c.Write(w.tid, w.variable, w.value)
			} else {
				c.blockedOnFail = append(c.blockedOnFail, w)
			}
		case site.OwnerSite(w.variable) == siteNum:
			if w.isWrite {
				c.Write(w.tid, w.variable, w.value)
			} else {
				c.Read(w.tid, w.variable)
			}
		default:
			c.blockedOnFail = append(c.blockedOnFail, w)
		}
	}
}

// ErrIllegalArgument reports a dump at a site or variable outside its
// valid range.
var ErrIllegalArgument = fmt.Errorf("illegal argument")

// Dump prints the committed values of every variable present at every
// requested site, one line per site, ascending. siteFilter or varFilter of
// 0 means "every site" / "every variable" respectively; the grammar
// guarantees at most one of them is non-zero for any single dump command.
func (c *Coordinator) Dump(siteFilter, varFilter int) error {
	sites, err := c.dumpSiteRange(siteFilter)
	if err != nil {
		return err
	}
	vars, err := dumpVarRange(varFilter)
	if err != nil {
		return err
	}

	for _, n := range sites {
		var parts []string
		for _, v := range vars {
			if val, ok := c.siteAt(n).Dump(v); ok {
				parts = append(parts, fmt.Sprintf("x%d: %d", v, val))
			}
		}
		if len(parts) == 0 {
			continue
		}
		fmt.Fprintf(c.out, "site %d -", n)
		for _, p := range parts {
			fmt.Fprintf(c.out, " %s", p)
		}
		fmt.Fprintln(c.out)
	}
	c.tick()
	return nil
}

func (c *Coordinator) dumpSiteRange(filter int) ([]int, error) {
	if filter == 0 {
		out := make([]int, site.SiteCount)
		for i := range out {
			out[i] = i + 1
		}
		return out, nil
	}
	if filter < 1 || filter > site.SiteCount {
		return nil, fmt.Errorf("%w: site %d does not exist", ErrIllegalArgument, filter)
	}
	return []int{filter}, nil
}

func dumpVarRange(filter int) ([]int, error) {
	if filter == 0 {
		out := make([]int, site.VariableCount)
		for i := range out {
			out[i] = i + 1
		}
		return out, nil
	}
	if filter < 1 || filter > site.VariableCount {
		return nil, fmt.Errorf("%w: variable x%d does not exist", ErrIllegalArgument, filter)
	}
	return []int{filter}, nil
}

func (c *Coordinator) addBlockedOnFail(w waiter) {
	for _, e := range c.blockedOnFail {
		if e == w {
			return
		}
	}
	c.blockedOnFail = append(c.blockedOnFail, w)
}

func (c *Coordinator) addBlockedOnLock(w waiter) {
	for _, e := range c.blockedOnLock {
		if e == w {
			return
		}
	}
	c.blockedOnLock = append(c.blockedOnLock, w)
}

// tick advances the logical clock by one and runs the deadlock detector.
func (c *Coordinator) tick() {
	c.time++
	c.detectDeadlock()
}

// detectDeadlock collects waits-for edges from every site and aborts the
// youngest transaction on the first cycle found. At most one abort per
// tick: a single abort may break multiple cycles, and any that remain are
// caught on the next tick.
func (c *Coordinator) detectDeadlock() {
	edges := make(map[int]map[int]bool)
	for _, s := range c.sites {
		s.AddEdges(edges)
	}

	for _, v := range sortedVertices(edges) {
		if cycle := findCycle(v, edges); cycle != nil {
			c.abortDeadlocked(c.youngest(cycle))
			return
		}
	}
}

func (c *Coordinator) youngest(cycle []int) int {
	best := cycle[0]
	bestStart := c.txns[best].StartTime()
	for _, tid := range cycle[1:] {
		if st := c.txns[tid].StartTime(); st > bestStart {
			best, bestStart = tid, st
		}
	}
	return best
}

func (c *Coordinator) abortDeadlocked(tid int) {
	t := c.txns[tid]
	t.AbortDeadlock()
	c.log.Info().Int("tid", tid).Msg("deadlock detected")
	c.End(tid)
}

// findCycle runs a DFS from start and, on encountering a back-edge into
// the current recursion stack, returns just the cycle itself (the stack
// slice from the back-edge's target onward) rather than the whole
// root-to-here path, so the youngest-on-cycle selection never considers
// a transaction outside the cycle.
func findCycle(start int, edges map[int]map[int]bool) []int {
	visited := make(map[int]bool)
	onStack := make(map[int]bool)
	var stack []int

	var dfs func(v int) []int
	dfs = func(v int) []int {
		visited[v] = true
		onStack[v] = true
		stack = append(stack, v)

		for _, n := range sortedNeighbors(edges[v]) {
			if onStack[n] {
				for i, s := range stack {
					if s == n {
						return append([]int(nil), stack[i:]...)
					}
				}
			}
			if !visited[n] {
				if cyc := dfs(n); cyc != nil {
					return cyc
				}
			}
		}

		stack = stack[:len(stack)-1]
		onStack[v] = false
		return nil
	}
	return dfs(start)
}

func sortedVertices(edges map[int]map[int]bool) []int {
	out := make([]int, 0, len(edges))
	for v := range edges {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

func sortedNeighbors(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
