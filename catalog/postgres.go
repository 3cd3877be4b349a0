package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Schema creates the tables the Postgres gateway expects.
const Schema = `
CREATE TABLE IF NOT EXISTS readers (
	id   TEXT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS reader_cards (
	card_uid  TEXT PRIMARY KEY,
	reader_id TEXT NOT NULL REFERENCES readers(id)
);
CREATE TABLE IF NOT EXISTS books (
	id    TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS book_instances (
	tag        TEXT PRIMARY KEY,
	book_id    TEXT NOT NULL REFERENCES books(id),
	inventory  TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '0',
	place      TEXT NOT NULL DEFAULT '',
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS book_instances_inventory ON book_instances (inventory);
CREATE TABLE IF NOT EXISTS loans (
	id         BIGSERIAL PRIMARY KEY,
	reader_id  TEXT NOT NULL,
	book_id    TEXT NOT NULL,
	tag        TEXT NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	kiosk_id   TEXT NOT NULL DEFAULT '',
	opened_at  TIMESTAMPTZ NOT NULL,
	closed_at  TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS loans_open_tag ON loans (tag) WHERE closed_at IS NULL;
`

// Postgres is a Gateway backed by a PostgreSQL circulation database.
type Postgres struct {
	db *pgxpool.Pool
}

// NewPostgres wraps an existing pool.
func NewPostgres(db *pgxpool.Pool) *Postgres {
	return &Postgres{db: db}
}

// ConnectPostgres opens a pool for dsn. The pool connects lazily, so an
// unreachable server surfaces on the first query or Ping.
func ConnectPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse catalog dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create catalog pool: %w", err)
	}
	return NewPostgres(pool), nil
}

// Close releases the pool.
func (p *Postgres) Close() {
	p.db.Close()
}

// Ping implements Pinger.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

// Migrate applies Schema.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply catalog schema: %w", err)
	}
	return nil
}

// ValidateCard implements Gateway.ValidateCard.
func (p *Postgres) ValidateCard(ctx context.Context, uid string) (ReaderHandle, bool, error) {
	const q = `
		SELECT r.id, r.name
		FROM reader_cards c JOIN readers r ON r.id = c.reader_id
		WHERE c.card_uid = $1`

	r := ReaderHandle{CardUID: uid}
	err := p.db.QueryRow(ctx, q, uid).Scan(&r.ID, &r.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return ReaderHandle{}, false, nil
	}
	if err != nil {
		return ReaderHandle{}, false, fmt.Errorf("validate card: %w", err)
	}
	return r, true, nil
}

// FindBookByTag implements Gateway.FindBookByTag. A matching RFID key wins
// over a matching inventory number.
func (p *Postgres) FindBookByTag(ctx context.Context, tag string) (BookHandle, error) {
	const q = `
		SELECT b.id, b.title, i.inventory
		FROM book_instances i JOIN books b ON b.id = i.book_id
		WHERE i.tag = $1 OR i.inventory = $1
		ORDER BY (i.tag = $1) DESC
		LIMIT 1`

	var b BookHandle
	err := p.db.QueryRow(ctx, q, tag).Scan(&b.ID, &b.Title, &b.Inventory)
	if errors.Is(err, pgx.ErrNoRows) {
		return BookHandle{}, fmt.Errorf("find book %s: %w", tag, ErrNotFound)
	}
	if err != nil {
		return BookHandle{}, fmt.Errorf("find book %s: %w", tag, err)
	}
	return b, nil
}

// GetInstanceStatus implements Gateway.GetInstanceStatus.
func (p *Postgres) GetInstanceStatus(ctx context.Context, book BookHandle, tag string) (InstanceStatus, error) {
	const q = `
		SELECT tag, inventory, status, place
		FROM book_instances
		WHERE book_id = $1 AND (tag = $2 OR inventory = $2)
		ORDER BY (tag = $2) DESC
		LIMIT 1`

	var t, inv, status, place string
	err := p.db.QueryRow(ctx, q, book.ID, tag).Scan(&t, &inv, &status, &place)
	if errors.Is(err, pgx.ErrNoRows) {
		return InstanceStatus{}, fmt.Errorf("copy %s of %s: %w", tag, book.ID, ErrNotFound)
	}
	if err != nil {
		return InstanceStatus{}, fmt.Errorf("get copy status %s: %w", tag, err)
	}

	st := InstanceStatus{Status: status}
	if inv != "" {
		st.SubfieldsPresent = append(st.SubfieldsPresent, "inventory")
	}
	if place != "" {
		st.SubfieldsPresent = append(st.SubfieldsPresent, "place")
	}
	if status != "" {
		st.SubfieldsPresent = append(st.SubfieldsPresent, "status")
	}
	if t != "" {
		st.SubfieldsPresent = append(st.SubfieldsPresent, "tag")
	}
	return st, nil
}

// SetInstanceStatus implements Gateway.SetInstanceStatus. Issuing requires
// the copy to be in stock and taking it back requires it to be issued; the
// check and the write are one statement, so two kiosks cannot both win.
func (p *Postgres) SetInstanceStatus(ctx context.Context, book BookHandle, tag, status string) error {
	const q = `
		UPDATE book_instances SET status = $3, updated_at = now()
		WHERE book_id = $1 AND (tag = $2 OR inventory = $2)
		  AND ($4::text[] IS NULL OR status = ANY($4))`

	ct, err := p.db.Exec(ctx, q, book.ID, tag, status, priorStatuses(status))
	if err != nil {
		return fmt.Errorf("set copy status %s: %w", tag, err)
	}
	if ct.RowsAffected() > 0 {
		return nil
	}

	const exists = `
		SELECT EXISTS (SELECT 1 FROM book_instances
		WHERE book_id = $1 AND (tag = $2 OR inventory = $2))`
	var found bool
	if err := p.db.QueryRow(ctx, exists, book.ID, tag).Scan(&found); err != nil {
		return fmt.Errorf("set copy status %s: %w", tag, err)
	}
	if !found {
		return fmt.Errorf("set copy status %s: %w", tag, ErrNotFound)
	}
	return fmt.Errorf("set copy status %s to %q: %w", tag, status, ErrStatusChanged)
}

// AppendLoan implements Gateway.AppendLoan.
func (p *Postgres) AppendLoan(ctx context.Context, reader ReaderHandle, book BookHandle, tag string, meta LoanMetadata) error {
	const q = `
		INSERT INTO loans (reader_id, book_id, tag, session_id, kiosk_id, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := p.db.Exec(ctx, q, reader.ID, book.ID, tag, meta.SessionID, meta.KioskID, meta.At); err != nil {
		return fmt.Errorf("append loan %s: %w", tag, err)
	}
	return nil
}

// CloseLoan implements Gateway.CloseLoan.
func (p *Postgres) CloseLoan(ctx context.Context, tag string, meta LoanMetadata) error {
	const q = `UPDATE loans SET closed_at = $2 WHERE tag = $1 AND closed_at IS NULL`

	ct, err := p.db.Exec(ctx, q, tag, meta.At)
	if err != nil {
		return fmt.Errorf("close loan %s: %w", tag, err)
	}
	if ct.RowsAffected() == 0 {
		log.Debug().Str("tag", tag).Msg("no open loan to close")
	}
	return nil
}
