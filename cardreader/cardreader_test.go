package cardreader

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookkiosk/channel"
)

type fakeCard struct {
	resp []byte
	err  error
}

func (c *fakeCard) Transmit([]byte) ([]byte, error) { return c.resp, c.err }
func (c *fakeCard) Disconnect() error               { return nil }

type fakeTerminal struct {
	mu         sync.Mutex
	readers    []string
	cards      map[string]*fakeCard // reader -> card in field
	connectErr error
	released   atomic.Int32
}

func (t *fakeTerminal) ListReaders() ([]string, error) { return t.readers, nil }

func (t *fakeTerminal) Connect(reader string) (Card, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connectErr != nil {
		return nil, t.connectErr
	}
	c, ok := t.cards[reader]
	if !ok {
		return nil, ErrNoCard
	}
	return c, nil
}

func (t *fakeTerminal) Release() error {
	t.released.Add(1)
	return nil
}

func (t *fakeTerminal) place(reader string, c *fakeCard) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cards == nil {
		t.cards = map[string]*fakeCard{}
	}
	t.cards[reader] = c
}

func TestSelectReader(t *testing.T) {
	t.Parallel()

	readers := []string{"ACS ACR1281 1S Dual Reader ICC 0", "ACS ACR1281 1S Dual Reader PICC 0"}
	got, err := SelectReader(readers, DefaultPatterns)
	require.NoError(t, err)
	assert.Equal(t, readers[1], got)

	got, err = SelectReader([]string{"Generic Smart Card Reader"}, DefaultPatterns)
	require.NoError(t, err)
	assert.Equal(t, "Generic Smart Card Reader", got)

	got, err = SelectReader(readers, []string{"icc"})
	require.NoError(t, err)
	assert.Equal(t, readers[0], got)

	_, err = SelectReader(nil, DefaultPatterns)
	assert.ErrorIs(t, err, ErrNoReaders)
}

func TestExchange(t *testing.T) {
	t.Parallel()
	term := &fakeTerminal{readers: []string{"r"}}

	_, _, err := Exchange(term, "r")
	assert.ErrorIs(t, err, ErrNoCard)

	term.place("r", &fakeCard{resp: []byte{0x04, 0xa1, 0xb2, 0xc3, 0x90, 0x00}})
	uid, sw, err := Exchange(term, "r")
	require.NoError(t, err)
	assert.Equal(t, "04A1B2C3", uid)
	assert.Equal(t, uint16(0x9000), sw)

	term.place("r", &fakeCard{resp: []byte{0x6A, 0x81}})
	_, sw, err = Exchange(term, "r")
	assert.ErrorIs(t, err, ErrNoCard)
	assert.Equal(t, uint16(0x6A81), sw)

	term.place("r", &fakeCard{err: errors.New("card removed")})
	_, _, err = Exchange(term, "r")
	assert.ErrorIs(t, err, ErrNoCard)

	term.connectErr = errors.New("sharing violation")
	_, _, err = Exchange(term, "r")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCard)
}

type events struct {
	mu  sync.Mutex
	evs []channel.Event
}

func (e *events) emit(ev channel.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, ev)
}

func (e *events) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.evs)
}

func TestReader_EmitsDebouncedUIDs(t *testing.T) {
	t.Parallel()
	term := &fakeTerminal{readers: []string{"Contactless 0"}}
	rec := &events{}
	r := New(Config{PollInterval: 2 * time.Millisecond, Debounce: time.Hour},
		func() (Terminal, error) { return term, nil }, rec.emit)
	r.Start()
	defer r.Stop()

	require.Eventually(t, r.Connected, time.Second, time.Millisecond)
	term.place("Contactless 0", &fakeCard{resp: []byte{0xAA, 0xBB, 0x90, 0x00}})
	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, rec.len())

	rec.mu.Lock()
	ev := rec.evs[0]
	rec.mu.Unlock()
	assert.Equal(t, "AABB", ev.Payload)
	assert.Equal(t, channel.RoleCard, ev.Role)
	assert.Equal(t, "pcsc:Contactless 0", ev.SourceID)
}

func TestReader_RetriesEstablish(t *testing.T) {
	t.Parallel()
	term := &fakeTerminal{readers: []string{"r"}}
	var calls atomic.Int32
	establish := func() (Terminal, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("no service")
		}
		return term, nil
	}
	r := New(Config{PollInterval: time.Millisecond, ReconnectInterval: 2 * time.Millisecond}, establish, func(channel.Event) {})
	r.Start()
	require.Eventually(t, r.Connected, time.Second, time.Millisecond)
	require.NoError(t, r.Stop())
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
	assert.Equal(t, int32(1), term.released.Load())
	assert.False(t, r.Connected())
}

func TestReader_ConnectErrorReleasesContext(t *testing.T) {
	t.Parallel()
	term := &fakeTerminal{readers: []string{"r"}, connectErr: errors.New("reader gone")}
	r := New(Config{PollInterval: time.Millisecond, ReconnectInterval: time.Millisecond},
		func() (Terminal, error) { return term, nil }, func(channel.Event) {})
	r.Start()
	defer r.Stop()
	require.Eventually(t, func() bool { return term.released.Load() >= 2 }, time.Second, time.Millisecond)
}

func TestReader_NoReadersRetries(t *testing.T) {
	t.Parallel()
	term := &fakeTerminal{}
	r := New(Config{ReconnectInterval: time.Millisecond}, func() (Terminal, error) { return term, nil }, func(channel.Event) {})
	r.Start()
	require.Eventually(t, func() bool { return term.released.Load() >= 2 }, time.Second, time.Millisecond)
	assert.False(t, r.Connected())
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
}

func TestProbe(t *testing.T) {
	t.Parallel()
	term := &fakeTerminal{readers: []string{"a", "b", "c"}}
	term.place("a", &fakeCard{resp: []byte{0x01, 0x02, 0x90, 0x00}})
	term.place("b", &fakeCard{resp: []byte{0x63, 0x00}})

	res, err := Probe(func() (Terminal, error) { return term, nil })
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, "a: UID 0102", res[0].String())
	assert.Equal(t, "b: no card (SW 6300)", res[1].String())
	assert.Equal(t, "c: no card", res[2].String())
	assert.Equal(t, int32(1), term.released.Load())

	_, err = Probe(func() (Terminal, error) { return &fakeTerminal{}, nil })
	assert.ErrorIs(t, err, ErrNoReaders)

	_, err = Probe(EstablishPCSC)
	if !PCSCSupported() {
		assert.ErrorIs(t, err, ErrNotCompiled)
	}
}
