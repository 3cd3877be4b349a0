package catalog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bookkiosk/epc"
)

func upper(s string) string {
	return strings.ToUpper(strings.NewReplacer(":", "", "-", "", " ", "").Replace(s))
}

func testSeed() Seed {
	return Seed{
		Readers: []SeedReader{{ID: "R1", Name: "Ada", Cards: []string{"aa:bb-cc"}}},
		Books: []SeedBook{{
			ID:    "B1",
			Title: "The Go Programming Language",
			Instances: []SeedInstance{
				{Tag: "07-123456", Inventory: "INV-1", Status: StatusInStock, Place: "hall"},
				{Tag: "07-123457", Status: StatusIssued},
			},
		}},
	}
}

func newMemory(t *testing.T, seed Seed, normalize func(string) string) *Memory {
	t.Helper()
	m, err := NewMemory(seed, normalize)
	require.NoError(t, err)
	return m
}

func TestMemory_ValidateCard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMemory(t, testSeed(), upper)

	r, ok, err := m.ValidateCard(ctx, "AABBCC")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "R1", r.ID)

	_, ok, err = m.ValidateCard(ctx, "DEADBEEF")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_FindBook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMemory(t, testSeed(), upper)

	b, err := m.FindBookByTag(ctx, "07-123456")
	require.NoError(t, err)
	assert.Equal(t, "B1", b.ID)
	assert.Equal(t, "INV-1", b.Inventory)

	b, err = m.FindBookByTag(ctx, "7-123456")
	require.NoError(t, err)
	assert.Equal(t, "B1", b.ID)

	b, err = m.FindBookByTag(ctx, epc.Encode(7, epc.SelectorBook, 123456))
	require.NoError(t, err)
	assert.Equal(t, "B1", b.ID)

	// Dropping the separator changes the identity.
	_, err = m.FindBookByTag(ctx, "07123456")
	assert.ErrorIs(t, err, ErrNotFound)

	b, err = m.FindBookByTag(ctx, "INV-1") // inventory fallback
	require.NoError(t, err)
	assert.Equal(t, "B1", b.ID)

	_, err = m.FindBookByTag(ctx, "SIM_BOOK_BAD")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_SeparatorKeepsKeysApart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMemory(t, Seed{Books: []SeedBook{{
		ID:        "B712",
		Instances: []SeedInstance{{Tag: "712-3456", Status: StatusInStock}},
	}}}, upper)

	_, err := m.FindBookByTag(ctx, "71-23456")
	assert.ErrorIs(t, err, ErrNotFound)
	err = m.SetInstanceStatus(ctx, BookHandle{ID: "B712"}, "71-23456", StatusIssued)
	assert.ErrorIs(t, err, ErrNotFound)

	b, err := m.FindBookByTag(ctx, "712-3456")
	require.NoError(t, err)
	assert.Equal(t, "B712", b.ID)
}

func TestNewMemory_Collisions(t *testing.T) {
	t.Parallel()

	_, err := NewMemory(Seed{Books: []SeedBook{
		{ID: "B1", Instances: []SeedInstance{{Tag: "07-1"}}},
		{ID: "B2", Instances: []SeedInstance{{Tag: "7-1"}}},
	}}, upper)
	assert.ErrorContains(t, err, "collides")

	_, err = NewMemory(Seed{Books: []SeedBook{
		{ID: "B1", Instances: []SeedInstance{{Tag: "71-23456"}}},
		{ID: "B2", Instances: []SeedInstance{{Tag: "712-3456"}}},
	}}, upper)
	assert.NoError(t, err)

	_, err = NewMemory(Seed{Books: []SeedBook{
		{ID: "B1", Instances: []SeedInstance{{Tag: "07-1", Inventory: "INV-1"}, {Tag: "07-2", Inventory: "INV-1"}}},
	}}, upper)
	assert.ErrorContains(t, err, "inventory INV-1")

	_, err = NewMemory(Seed{Readers: []SeedReader{
		{ID: "R1", Cards: []string{"aa:bb"}},
		{ID: "R2", Cards: []string{"AABB"}},
	}}, upper)
	assert.ErrorContains(t, err, "already belongs to R1")
}

func TestMemory_StatusAndLoans(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMemory(t, testSeed(), upper)
	b, err := m.FindBookByTag(ctx, "07-123456")
	require.NoError(t, err)

	st, err := m.GetInstanceStatus(ctx, b, "07-123456")
	require.NoError(t, err)
	assert.Equal(t, StatusInStock, st.Status)
	assert.Equal(t, []string{"inventory", "place", "status", "tag"}, st.SubfieldsPresent)
	assert.True(t, st.Has("place"))

	require.NoError(t, m.SetInstanceStatus(ctx, b, "07-123456", StatusIssued))
	st, err = m.GetInstanceStatus(ctx, b, "07-123456")
	require.NoError(t, err)
	assert.Equal(t, StatusIssued, st.Status)

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	reader := ReaderHandle{ID: "R1"}
	require.NoError(t, m.AppendLoan(ctx, reader, b, "07-123456", LoanMetadata{SessionID: "s1", At: at}))
	require.NoError(t, m.CloseLoan(ctx, "07-123456", LoanMetadata{At: at.Add(time.Hour)}))
	require.NoError(t, m.CloseLoan(ctx, "07-999999", LoanMetadata{At: at}))

	loans := m.Loans()
	require.Len(t, loans, 1)
	assert.False(t, loans[0].Open())
	assert.Equal(t, "s1", loans[0].SessionID)
	assert.Equal(t, at.Add(time.Hour), loans[0].ClosedAt)

	err = m.SetInstanceStatus(ctx, BookHandle{ID: "other"}, "07-123456", StatusInStock)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_StatusGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := newMemory(t, Seed{Books: []SeedBook{{
		ID: "B1",
		Instances: []SeedInstance{
			{Tag: "07-000001", Status: StatusInStock},
			{Tag: "07-000002"},
			{Tag: "07-000003", Status: "lost"},
		},
	}}}, nil)
	b := BookHandle{ID: "B1"}

	require.NoError(t, m.SetInstanceStatus(ctx, b, "07-000001", StatusIssued))
	assert.ErrorIs(t, m.SetInstanceStatus(ctx, b, "07-000001", StatusIssued), ErrStatusChanged)
	require.NoError(t, m.SetInstanceStatus(ctx, b, "07-000001", StatusInStock))
	assert.ErrorIs(t, m.SetInstanceStatus(ctx, b, "07-000001", StatusInStock), ErrStatusChanged)

	require.NoError(t, m.SetInstanceStatus(ctx, b, "07-000002", StatusIssued))
	assert.ErrorIs(t, m.SetInstanceStatus(ctx, b, "07-000003", StatusIssued), ErrStatusChanged)
	require.NoError(t, m.SetInstanceStatus(ctx, b, "07-000003", ""))
}

func TestMemory_CanceledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := newMemory(t, testSeed(), nil)
	_, _, err := m.ValidateCard(ctx, "AABBCC")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadMemory(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "seed.yml")
	doc := `
readers:
  - id: R7
    name: Grace
    cards: ["04:A1:B2:C3"]
books:
  - id: B9
    title: Dune
    instances:
      - tag: "07-1"
        status: "0"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	m, err := LoadMemory(path, upper)
	require.NoError(t, err)
	_, ok, err := m.ValidateCard(context.Background(), "04A1B2C3")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = LoadMemory(filepath.Join(t.TempDir(), "missing.yml"), upper)
	assert.Error(t, err)
}

func TestWhitelist(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := newMemory(t, testSeed(), upper)

	w := NewWhitelist(inner, WhitelistConfig{Enabled: true, UIDs: []string{"04:a1"}}, upper)
	_, ok, err := w.ValidateCard(ctx, "04A1")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, _ = w.ValidateCard(ctx, "AABBCC") // known patron, not listed
	assert.False(t, ok)

	// Other queries reach the wrapped gateway.
	_, err = w.FindBookByTag(ctx, "07-123456")
	require.NoError(t, err)

	empty := NewWhitelist(inner, WhitelistConfig{Enabled: true}, upper)
	_, ok, _ = empty.ValidateCard(ctx, "04A1")
	assert.False(t, ok)

	open := NewWhitelist(inner, WhitelistConfig{Enabled: true, AllowEmpty: true}, upper)
	_, ok, _ = open.ValidateCard(ctx, "04A1")
	assert.True(t, ok)
	_, ok, _ = open.ValidateCard(ctx, "")
	assert.False(t, ok)
}

type flakyPinger struct {
	*Memory
	fails int
	calls int
}

func (f *flakyPinger) Ping(context.Context) error {
	f.calls++
	if f.calls <= f.fails {
		return assert.AnError
	}
	return nil
}

func TestProbe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	ok := &flakyPinger{Memory: newMemory(t, Seed{}, nil), fails: 2}
	require.NoError(t, Probe(ctx, ok, 5, time.Millisecond))
	assert.Equal(t, 3, ok.calls)

	down := &flakyPinger{Memory: newMemory(t, Seed{}, nil), fails: 10}
	err := Probe(ctx, down, 3, time.Millisecond)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 3, down.calls)
}
