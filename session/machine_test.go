package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookkiosk/catalog"
)

const (
	cardOK   = "AABBCC"
	bookOK   = "07-123456"
	bookOut  = "07-123457"
	bookGone = "SIM_BOOK_BAD"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGateway wraps a Memory catalog, recording calls and injecting errors.
type fakeGateway struct {
	*catalog.Memory

	mu        sync.Mutex
	calls     []string
	fail      map[string]error
	release   chan struct{} // when set, FindBookByTag waits on it
	appended  chan struct{} // when set, AppendLoan waits on it after committing
	beforeSet func()        // when set, runs ahead of each status write
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	seed := catalog.Seed{
		Readers: []catalog.SeedReader{{ID: "R1", Name: "Ada", Cards: []string{cardOK}}},
		Books: []catalog.SeedBook{{
			ID: "B1",
			Instances: []catalog.SeedInstance{
				{Tag: bookOK, Status: catalog.StatusInStock},
				{Tag: bookOut, Status: catalog.StatusIssued},
			},
		}},
	}
	mem, err := catalog.NewMemory(seed, nil)
	require.NoError(t, err)
	return &fakeGateway{Memory: mem, fail: map[string]error{}}
}

func (g *fakeGateway) record(op string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, op)
	return g.fail[op]
}

func (g *fakeGateway) failOn(op string, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail[op] = err
}

func (g *fakeGateway) Calls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.calls...)
}

func (g *fakeGateway) ValidateCard(ctx context.Context, uid string) (catalog.ReaderHandle, bool, error) {
	if err := g.record("validate"); err != nil {
		return catalog.ReaderHandle{}, false, err
	}
	return g.Memory.ValidateCard(ctx, uid)
}

func (g *fakeGateway) FindBookByTag(ctx context.Context, tag string) (catalog.BookHandle, error) {
	if g.release != nil {
		<-g.release
	}
	if err := g.record("find"); err != nil {
		return catalog.BookHandle{}, err
	}
	return g.Memory.FindBookByTag(ctx, tag)
}

func (g *fakeGateway) GetInstanceStatus(ctx context.Context, b catalog.BookHandle, tag string) (catalog.InstanceStatus, error) {
	if err := g.record("status"); err != nil {
		return catalog.InstanceStatus{}, err
	}
	return g.Memory.GetInstanceStatus(ctx, b, tag)
}

func (g *fakeGateway) SetInstanceStatus(ctx context.Context, b catalog.BookHandle, tag, status string) error {
	if err := g.record("set:" + status); err != nil {
		return err
	}
	if g.beforeSet != nil {
		g.beforeSet()
	}
	return g.Memory.SetInstanceStatus(ctx, b, tag, status)
}

func (g *fakeGateway) AppendLoan(ctx context.Context, r catalog.ReaderHandle, b catalog.BookHandle, tag string, meta catalog.LoanMetadata) error {
	if err := g.record("append"); err != nil {
		return err
	}
	if err := g.Memory.AppendLoan(ctx, r, b, tag, meta); err != nil {
		return err
	}
	if g.appended != nil {
		<-g.appended
	}
	return nil
}

func (g *fakeGateway) CloseLoan(ctx context.Context, tag string, meta catalog.LoanMetadata) error {
	if err := g.record("close"); err != nil {
		return err
	}
	return g.Memory.CloseLoan(ctx, tag, meta)
}

func (g *fakeGateway) status(t *testing.T, tag string) string {
	t.Helper()
	ctx := context.Background()
	b, err := g.Memory.FindBookByTag(ctx, tag)
	require.NoError(t, err)
	st, err := g.Memory.GetInstanceStatus(ctx, b, tag)
	require.NoError(t, err)
	return st.Status
}

type fakeBin struct {
	mu       sync.Mutex
	opens    int
	space    bool
	spaceErr error
	openErr  error
}

func (b *fakeBin) OpenBin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	return b.openErr
}

func (b *fakeBin) HasSpace(context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.space, b.spaceErr
}

func (b *fakeBin) Opens() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens
}

type harness struct {
	m     *Machine
	gw    *fakeGateway
	bin   *fakeBin
	clock *fakeClock
	reg   metrics.Registry

	mu        sync.Mutex
	trans     []Transition
	deadlines []Deadline // as published with each transition
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		gw:    newFakeGateway(t),
		bin:   &fakeBin{space: true},
		clock: &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)},
		reg:   metrics.NewRegistry(),
	}
	if cfg.Tick == 0 {
		cfg.Tick = 2 * time.Millisecond
	}
	ids := 0
	h.m = New(cfg, h.gw, h.bin,
		WithClock(h.clock.Now),
		WithIDs(func() string { ids++; return fmt.Sprintf("sess-%d", ids) }),
		WithRegistry(h.reg),
		WithObserver(func(tr Transition) {
			d := h.m.Deadline()
			h.mu.Lock()
			defer h.mu.Unlock()
			h.trans = append(h.trans, tr)
			h.deadlines = append(h.deadlines, d)
		}),
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) submit(t *testing.T, in Input) {
	t.Helper()
	require.True(t, h.m.Submit(in))
}

func (h *harness) waitFor(t *testing.T, s State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == s }, 2*time.Second, time.Millisecond,
		"want %s, have %s", s, h.m.State())
}

func (h *harness) publishedDeadlines() []Deadline {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Deadline(nil), h.deadlines...)
}

func (h *harness) transitions() []Transition {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Transition(nil), h.trans...)
}

// toWaitBook drives the machine through a successful card scan.
func (h *harness) toWaitBook(t *testing.T, mode Mode) {
	t.Helper()
	if mode == ModeCheckOut {
		h.submit(t, Input{Kind: InputPickCheckOut})
		h.waitFor(t, WaitCardTake)
		h.submit(t, Input{Kind: InputCard, ID: cardOK})
		h.waitFor(t, WaitBookTake)
		return
	}
	h.submit(t, Input{Kind: InputPickReturn})
	h.waitFor(t, WaitCardReturn)
	h.submit(t, Input{Kind: InputCard, ID: cardOK})
	h.waitFor(t, WaitBookReturn)
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.m.snapMu.Lock()
		defer h.m.snapMu.Unlock()
		return !h.m.snapshot.busy
	}, 2*time.Second, time.Millisecond)
}

func TestCheckOut_HappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{KioskID: "k1"})

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOK, Slot: SlotTake})
	h.waitFor(t, Success)

	assert.Equal(t, []string{"validate", "find", "status", "set:1", "append"}, h.gw.Calls())
	assert.Equal(t, 1, h.bin.Opens())
	assert.Equal(t, catalog.StatusIssued, h.gw.status(t, bookOK))

	loans := h.gw.Loans()
	require.Len(t, loans, 1)
	assert.Equal(t, "R1", loans[0].ReaderID)
	assert.Equal(t, "sess-1", loans[0].SessionID)
	assert.Equal(t, "k1", loans[0].KioskID)

	tr := h.transitions()
	require.Len(t, tr, 3)
	assert.Equal(t, Transition{From: WaitBookTake, To: Success, Mode: ModeCheckOut, SessionID: "sess-1",
		Reason: "book issued", At: h.clock.Now()}, tr[2])
	assert.Equal(t, int64(1), h.reg.Get("session.completed.checkout").(metrics.Counter).Count())
}

func TestCheckOut_IssuedBookRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOut})
	h.waitFor(t, BookRejected)

	assert.NotContains(t, h.gw.Calls(), "set:1")
	assert.Zero(t, h.bin.Opens())
}

func TestCheckOut_NotFoundRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookGone})
	h.waitFor(t, BookRejected)
	assert.Equal(t, Menu, h.m.Deadline().Target)
}

func TestCheckOut_StatusUpdateFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.gw.failOn("set:1", assert.AnError)

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	h.waitFor(t, BookRejected)

	assert.NotContains(t, h.gw.Calls(), "append")
	assert.Zero(t, h.bin.Opens())
	assert.Equal(t, int64(1), h.reg.Get("session.step_failed.set_status").(metrics.Counter).Count())
}

func TestCheckOut_IssuedElsewhereBeforeWrite(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	b, err := h.gw.Memory.FindBookByTag(ctx, bookOK)
	require.NoError(t, err)
	h.gw.beforeSet = func() {
		require.NoError(t, h.gw.Memory.SetInstanceStatus(ctx, b, bookOK, catalog.StatusIssued))
	}

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	h.waitFor(t, BookRejected)

	assert.Equal(t, "issued meanwhile", h.transitions()[len(h.transitions())-1].Reason)
	assert.NotContains(t, h.gw.Calls(), "append")
	assert.Empty(t, h.gw.Loans())
	assert.Zero(t, h.bin.Opens())
	assert.Nil(t, h.reg.Get("session.step_failed.set_status"))
}

func TestCheckOut_LoanFailureRestoresStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.gw.failOn("append", assert.AnError)

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	h.waitFor(t, CardFail)

	assert.Equal(t, []string{"validate", "find", "status", "set:1", "append", "set:0"}, h.gw.Calls())
	assert.Equal(t, catalog.StatusInStock, h.gw.status(t, bookOK))
	assert.Zero(t, h.bin.Opens())
}

func TestCheckOut_BinFailureStillSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.bin.openErr = assert.AnError

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	h.waitFor(t, Success)
	assert.Equal(t, catalog.StatusIssued, h.gw.status(t, bookOK))
	assert.Equal(t, int64(1), h.reg.Get("session.step_failed.open_bin").(metrics.Counter).Count())
}

func TestCheckOut_DryRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{DryRun: true})

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	h.waitFor(t, Success)

	assert.Equal(t, []string{"validate", "find", "status"}, h.gw.Calls())
	assert.Zero(t, h.bin.Opens())
	assert.Equal(t, catalog.StatusInStock, h.gw.status(t, bookOK))
}

func TestCard_Rejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.submit(t, Input{Kind: InputPickReturn})
	h.waitFor(t, WaitCardReturn)
	h.submit(t, Input{Kind: InputCard, ID: "0102"})
	h.waitFor(t, CardFail)
}

func TestCard_GatewayError(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.gw.failOn("validate", assert.AnError)

	h.submit(t, Input{Kind: InputPickCheckOut})
	h.waitFor(t, WaitCardTake)
	h.submit(t, Input{Kind: InputCard, ID: cardOK})
	h.waitFor(t, CardFail)
}

func TestUnknownTagKind_RejectedWithoutCatalog(t *testing.T) {
	t.Parallel()
	for _, mode := range []Mode{ModeCheckOut, ModeReturn} {
		h := newHarness(t, Config{})
		h.toWaitBook(t, mode)
		h.submit(t, Input{Kind: InputBook, ID: "304DB75F196000075001E240", Unknown: true})
		h.waitFor(t, BookRejected)
		assert.Equal(t, []string{"validate"}, h.gw.Calls())
	}
}

func TestReturn_HappyPath(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	ctx := context.Background()
	b, err := h.gw.Memory.FindBookByTag(ctx, bookOut)
	require.NoError(t, err)
	require.NoError(t, h.gw.Memory.AppendLoan(ctx, catalog.ReaderHandle{ID: "R1"}, b, bookOut, catalog.LoanMetadata{}))

	h.toWaitBook(t, ModeReturn)
	h.submit(t, Input{Kind: InputBook, ID: bookOut, Slot: SlotReturn})
	h.waitFor(t, Success)

	assert.Equal(t, []string{"validate", "find", "status", "set:0", "close"}, h.gw.Calls())
	assert.Equal(t, catalog.StatusInStock, h.gw.status(t, bookOut))
	assert.False(t, h.gw.Loans()[0].Open())
	assert.Equal(t, 1, h.bin.Opens())
}

func TestReturn_InStockCopyRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.toWaitBook(t, ModeReturn)
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	h.waitFor(t, BookRejected)
	assert.NotContains(t, h.gw.Calls(), "set:0")
}

func TestReturn_NotFoundHopsToNoSpace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.toWaitBook(t, ModeReturn)
	h.submit(t, Input{Kind: InputBook, ID: bookGone})
	h.waitFor(t, BookRejected)
	d := h.m.Deadline()
	assert.Equal(t, NoSpace, d.Target)
	assert.Equal(t, h.clock.Now().Add(2*time.Second), d.At)

	// Observers see the hop deadline with the BookRejected transition.
	tr := h.transitions()
	published := h.publishedDeadlines()
	require.Equal(t, BookRejected, tr[len(tr)-1].To)
	assert.Equal(t, d, published[len(published)-1])

	h.clock.Advance(1900 * time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, BookRejected, h.m.State())

	h.clock.Advance(100 * time.Millisecond)
	h.waitFor(t, NoSpace)
	assert.Equal(t, Menu, h.m.Deadline().Target)

	h.clock.Advance(20 * time.Second)
	h.waitFor(t, Menu)
	assert.Equal(t, ModeNone, h.m.Mode())
}

func TestReturn_BinFull(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.bin.space = false

	h.toWaitBook(t, ModeReturn)
	h.submit(t, Input{Kind: InputBook, ID: bookOut})
	h.waitFor(t, NoSpace)
	assert.Equal(t, catalog.StatusIssued, h.gw.status(t, bookOut))
}

func TestReturn_SpaceQueryErrorMeansNoSpace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.bin.spaceErr = assert.AnError

	h.toWaitBook(t, ModeReturn)
	h.submit(t, Input{Kind: InputBook, ID: bookOut})
	h.waitFor(t, NoSpace)
}

func TestReturn_CloseLoanFailureRestoresStatus(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.gw.failOn("close", assert.AnError)

	h.toWaitBook(t, ModeReturn)
	h.submit(t, Input{Kind: InputBook, ID: bookOut})
	h.waitFor(t, CardFail)
	assert.Equal(t, catalog.StatusIssued, h.gw.status(t, bookOut))
}

func TestResultStates_IgnoreInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOut})
	h.waitFor(t, BookRejected)
	calls := len(h.gw.Calls())

	for _, in := range []Input{
		{Kind: InputCard, ID: cardOK},
		{Kind: InputBook, ID: bookOK},
		{Kind: InputPickReturn},
	} {
		assert.False(t, h.m.Accepts(in))
		h.submit(t, in)
	}
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, BookRejected, h.m.State())
	assert.Len(t, h.gw.Calls(), calls)
}

func TestDeadline_ReturnsToMenu(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{ResultTimeout: 5 * time.Second})

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	h.waitFor(t, Success)

	h.clock.Advance(4 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, Success, h.m.State())

	h.clock.Advance(time.Second)
	h.waitFor(t, Menu)
	assert.False(t, h.m.Deadline().Active())

	tr := h.transitions()
	last := tr[len(tr)-1]
	assert.Equal(t, "timeout", last.Reason)
	assert.Equal(t, ModeCheckOut, last.Mode)
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{WaitTimeout: time.Minute})

	h.submit(t, Input{Kind: InputPickCheckOut})
	h.waitFor(t, WaitCardTake)
	h.clock.Advance(time.Minute)
	h.waitFor(t, Menu)
}

func TestWaitScreens_NoDeadlineByDefault(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.toWaitBook(t, ModeCheckOut)
	assert.False(t, h.m.Deadline().Active())
	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, WaitBookTake, h.m.State())
}

func TestBackToMenu(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBackToMenu})
	h.waitFor(t, Menu)
	assert.Equal(t, ModeNone, h.m.Mode())
	assert.False(t, h.m.Accepts(Input{Kind: InputBook, ID: bookOK}))
}

func TestSlotGating(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})

	h.toWaitBook(t, ModeCheckOut)
	assert.False(t, h.m.Accepts(Input{Kind: InputBook, ID: bookOK, Slot: SlotReturn}))
	assert.True(t, h.m.Accepts(Input{Kind: InputBook, ID: bookOK, Slot: SlotTake}))
	assert.True(t, h.m.Accepts(Input{Kind: InputBook, ID: bookOK, Slot: SlotAny}))
	assert.False(t, h.m.Accepts(Input{Kind: InputCard, ID: cardOK}))

	h.submit(t, Input{Kind: InputBook, ID: bookOK, Slot: SlotReturn})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, WaitBookTake, h.m.State())
}

func TestOneJobInFlight(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.toWaitBook(t, ModeCheckOut)

	h.gw.release = make(chan struct{})
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	require.Eventually(t, func() bool {
		return !h.m.Accepts(Input{Kind: InputBook, ID: bookOK})
	}, time.Second, time.Millisecond)
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	time.Sleep(20 * time.Millisecond)

	close(h.gw.release)
	h.waitFor(t, Success)
	h.waitIdle(t)

	finds := 0
	for _, c := range h.gw.Calls() {
		if c == "find" {
			finds++
		}
	}
	assert.Equal(t, 1, finds)
}

func TestStaleOutcomeIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.toWaitBook(t, ModeCheckOut)

	h.gw.release = make(chan struct{})
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	require.Eventually(t, func() bool {
		return !h.m.Accepts(Input{Kind: InputBook, ID: bookOK})
	}, time.Second, time.Millisecond)

	h.submit(t, Input{Kind: InputBackToMenu})
	h.waitFor(t, Menu)
	h.submit(t, Input{Kind: InputPickCheckOut})
	h.waitFor(t, WaitCardTake)

	close(h.gw.release)
	h.waitIdle(t)
	assert.Equal(t, WaitCardTake, h.m.State())
}

func TestSubmit_FullInbox(t *testing.T) {
	t.Parallel()
	m := New(Config{InboxSize: 1}, newFakeGateway(t), nil)
	assert.True(t, m.Submit(Input{Kind: InputPickCheckOut}))
	assert.False(t, m.Submit(Input{Kind: InputPickCheckOut}))
}

func TestStateNames(t *testing.T) {
	t.Parallel()
	seen := map[string]bool{}
	for _, s := range States() {
		name := s.String()
		assert.NotEqual(t, "unknown", name)
		assert.False(t, seen[name])
		seen[name] = true
		assert.Equal(t, !s.Result(), s.Interactive(), s.String())
	}
	assert.Equal(t, "unknown", State(42).String())
}

func TestBackToMenu_AfterCommitStillOpensBin(t *testing.T) {
	t.Parallel()
	h := newHarness(t, Config{})
	h.gw.appended = make(chan struct{})

	h.toWaitBook(t, ModeCheckOut)
	h.submit(t, Input{Kind: InputBook, ID: bookOK})
	require.Eventually(t, func() bool { return len(h.gw.Loans()) == 1 }, 2*time.Second, time.Millisecond)

	h.submit(t, Input{Kind: InputBackToMenu})
	h.waitFor(t, Menu)
	close(h.gw.appended)

	require.Eventually(t, func() bool { return h.bin.Opens() == 1 }, 2*time.Second, time.Millisecond)
	h.waitIdle(t)
	assert.Equal(t, Menu, h.m.State())
	assert.Equal(t, catalog.StatusIssued, h.gw.status(t, bookOK))
	assert.Nil(t, h.reg.Get("session.step_failed.open_bin"))
}
