package catalog

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"

	"bookkiosk/epc"
	"bookkiosk/internal/syncutil"
)

// Seed is the YAML document a Memory gateway is loaded from.
type Seed struct {
	Readers []SeedReader `yaml:"readers"`
	Books   []SeedBook   `yaml:"books"`
}

type SeedReader struct {
	ID    string   `yaml:"id"`
	Name  string   `yaml:"name"`
	Cards []string `yaml:"cards"`
}

type SeedBook struct {
	ID        string         `yaml:"id"`
	Title     string         `yaml:"title"`
	Instances []SeedInstance `yaml:"instances"`
}

type SeedInstance struct {
	Tag       string `yaml:"tag"`
	Inventory string `yaml:"inventory"`
	Status    string `yaml:"status"`
	Place     string `yaml:"place"`
}

// Loan is a ledger entry kept by the Memory gateway.
type Loan struct {
	ReaderID  string
	BookID    string
	Tag       string
	SessionID string
	KioskID   string
	OpenedAt  time.Time
	ClosedAt  time.Time
}

// Open reports whether the loan has not been closed.
func (l Loan) Open() bool { return l.ClosedAt.IsZero() }

type instance struct {
	SeedInstance
	bookID string
}

// Memory is an in-process Gateway for demos, emulator mode and tests.
type Memory struct {
	mu      syncutil.RWMutex
	readers map[string]ReaderHandle // by card UID
	books   map[string]BookHandle   // by book id
	byTag   map[string]*instance    // by epc.TagKey
	byInv   map[string]*instance    // by inventory number
	loans   []Loan
}

// NewMemory builds a gateway from seed. normalize, if set, is applied to
// card UIDs. Tags are keyed by epc.TagKey. Two cards, tags or inventory
// numbers that resolve to the same key are an error.
func NewMemory(seed Seed, normalize func(string) string) (*Memory, error) {
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	m := &Memory{
		readers: make(map[string]ReaderHandle),
		books:   make(map[string]BookHandle),
		byTag:   make(map[string]*instance),
		byInv:   make(map[string]*instance),
	}
	for _, r := range seed.Readers {
		for _, c := range r.Cards {
			uid := normalize(c)
			if prev, dup := m.readers[uid]; dup {
				return nil, fmt.Errorf("card %s of reader %s already belongs to %s", c, r.ID, prev.ID)
			}
			m.readers[uid] = ReaderHandle{ID: r.ID, CardUID: uid, Name: r.Name}
		}
	}
	for _, b := range seed.Books {
		m.books[b.ID] = BookHandle{ID: b.ID, Title: b.Title}
		for _, in := range b.Instances {
			inst := &instance{SeedInstance: in, bookID: b.ID}
			if in.Tag != "" {
				key := epc.TagKey(in.Tag)
				if prev, dup := m.byTag[key]; dup {
					return nil, fmt.Errorf("tag %s of book %s collides with %s of book %s", in.Tag, b.ID, prev.Tag, prev.bookID)
				}
				m.byTag[key] = inst
			}
			if in.Inventory != "" {
				if prev, dup := m.byInv[in.Inventory]; dup {
					return nil, fmt.Errorf("inventory %s of book %s already used by book %s", in.Inventory, b.ID, prev.bookID)
				}
				m.byInv[in.Inventory] = inst
			}
		}
	}
	return m, nil
}

// LoadMemory reads a YAML seed file.
func LoadMemory(path string, normalize func(string) string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog seed: %w", err)
	}
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse catalog seed %s: %w", path, err)
	}
	m, err := NewMemory(seed, normalize)
	if err != nil {
		return nil, fmt.Errorf("catalog seed %s: %w", path, err)
	}
	log.Info().Str("seed", path).Int("readers", len(seed.Readers)).Int("books", len(seed.Books)).Msg("memory catalog loaded")
	return m, nil
}

// Ping implements Pinger.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// ValidateCard implements Gateway.ValidateCard.
func (m *Memory) ValidateCard(ctx context.Context, uid string) (ReaderHandle, bool, error) {
	if err := ctx.Err(); err != nil {
		return ReaderHandle{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readers[uid]
	return r, ok, nil
}

// FindBookByTag implements Gateway.FindBookByTag. The tag is tried as an
// RFID key first and then as an inventory number.
func (m *Memory) FindBookByTag(ctx context.Context, tag string) (BookHandle, error) {
	if err := ctx.Err(); err != nil {
		return BookHandle{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst := m.lookup(tag)
	if inst == nil {
		return BookHandle{}, fmt.Errorf("find book %s: %w", tag, ErrNotFound)
	}
	b := m.books[inst.bookID]
	b.Inventory = inst.Inventory
	return b, nil
}

// GetInstanceStatus implements Gateway.GetInstanceStatus.
func (m *Memory) GetInstanceStatus(ctx context.Context, book BookHandle, tag string) (InstanceStatus, error) {
	if err := ctx.Err(); err != nil {
		return InstanceStatus{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst := m.lookup(tag)
	if inst == nil || inst.bookID != book.ID {
		return InstanceStatus{}, fmt.Errorf("copy %s of %s: %w", tag, book.ID, ErrNotFound)
	}
	st := InstanceStatus{Status: inst.Status}
	for name, v := range map[string]string{
		"status":    inst.Status,
		"place":     inst.Place,
		"inventory": inst.Inventory,
		"tag":       inst.Tag,
	} {
		if v != "" {
			st.SubfieldsPresent = append(st.SubfieldsPresent, name)
		}
	}
	sort.Strings(st.SubfieldsPresent)
	return st, nil
}

// SetInstanceStatus implements Gateway.SetInstanceStatus.
func (m *Memory) SetInstanceStatus(ctx context.Context, book BookHandle, tag, status string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inst := m.lookup(tag)
	if inst == nil || inst.bookID != book.ID {
		return fmt.Errorf("set status of %s: %w", tag, ErrNotFound)
	}
	if prior := priorStatuses(status); prior != nil && !slices.Contains(prior, inst.Status) {
		return fmt.Errorf("set status of %s to %q: %w", tag, status, ErrStatusChanged)
	}
	inst.Status = status
	return nil
}

// AppendLoan implements Gateway.AppendLoan.
func (m *Memory) AppendLoan(ctx context.Context, reader ReaderHandle, book BookHandle, tag string, meta LoanMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loans = append(m.loans, Loan{
		ReaderID:  reader.ID,
		BookID:    book.ID,
		Tag:       tag,
		SessionID: meta.SessionID,
		KioskID:   meta.KioskID,
		OpenedAt:  meta.At,
	})
	return nil
}

// CloseLoan implements Gateway.CloseLoan.
func (m *Memory) CloseLoan(ctx context.Context, tag string, meta LoanMetadata) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := epc.TagKey(tag)
	for i := len(m.loans) - 1; i >= 0; i-- {
		if epc.TagKey(m.loans[i].Tag) == key && m.loans[i].Open() {
			m.loans[i].ClosedAt = meta.At
			return nil
		}
	}
	log.Debug().Str("tag", tag).Msg("no open loan to close")
	return nil
}

// Loans returns a copy of the ledger.
func (m *Memory) Loans() []Loan {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Loan(nil), m.loans...)
}

func (m *Memory) lookup(tag string) *instance {
	if inst, ok := m.byTag[epc.TagKey(tag)]; ok {
		return inst
	}
	return m.byInv[tag]
}
