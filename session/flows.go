package session

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"bookkiosk/catalog"
)

const commitTimeout = 5 * time.Second

// job carries what a worker needs, copied from owner state at dispatch.
type job struct {
	tag       string
	reader    catalog.ReaderHandle
	sessionID string
	kioskID   string
	dryRun    bool
}

func (j job) meta(m *Machine) catalog.LoanMetadata {
	return catalog.LoanMetadata{SessionID: j.sessionID, KioskID: j.kioskID, At: m.now()}
}

// canIssue: a copy with no status recorded counts as in stock.
func canIssue(status string) bool {
	return status == "" || status == catalog.StatusInStock
}

func canReturn(status string) bool {
	return status == catalog.StatusIssued
}

func (m *Machine) validateCard(ctx context.Context, uid string, next State) outcome {
	if uid == "" {
		return outcome{to: CardFail, reason: "empty card uid"}
	}
	reader, ok, err := m.catalog.ValidateCard(ctx, uid)
	if err != nil {
		m.stepFailed("validate_card", err)
		return outcome{to: CardFail, reason: "card validation failed"}
	}
	if !ok {
		log.Info().Str("uid", uid).Msg("card not accepted")
		return outcome{to: CardFail, reason: "card not accepted"}
	}
	return outcome{
		to:        next,
		reason:    "card accepted",
		reader:    &reader,
		sessionID: m.newID(),
	}
}

// lookup finds the book and its copy status. A non-nil outcome ends the flow.
func (m *Machine) lookup(ctx context.Context, tag string) (catalog.BookHandle, catalog.InstanceStatus, *outcome) {
	book, err := m.catalog.FindBookByTag(ctx, tag)
	if errors.Is(err, catalog.ErrNotFound) {
		return book, catalog.InstanceStatus{}, &outcome{to: BookRejected, reason: "book not found"}
	}
	if err != nil {
		m.stepFailed("find_book", err)
		return book, catalog.InstanceStatus{}, &outcome{to: CardFail, reason: "catalog lookup failed"}
	}
	st, err := m.catalog.GetInstanceStatus(ctx, book, tag)
	if errors.Is(err, catalog.ErrNotFound) {
		return book, st, &outcome{to: BookRejected, reason: "copy not found"}
	}
	if err != nil {
		m.stepFailed("get_status", err)
		return book, st, &outcome{to: CardFail, reason: "catalog lookup failed"}
	}
	return book, st, nil
}

// takeBook runs the check-out sequence: verify status, mark issued, append
// the loan, open the bin. A failed loan write puts the status back.
func (m *Machine) takeBook(ctx context.Context, j job) outcome {
	book, st, out := m.lookup(ctx, j.tag)
	if out != nil {
		return *out
	}
	if !canIssue(st.Status) {
		log.Info().Str("tag", j.tag).Str("status", st.Status).Msg("copy not available for check-out")
		return outcome{to: BookRejected, reason: "already issued"}
	}
	if j.dryRun {
		log.Info().Str("tag", j.tag).Str("book", book.ID).Msg("dry-run check-out, nothing written")
		return outcome{to: Success, reason: "dry run"}
	}

	if err := m.catalog.SetInstanceStatus(ctx, book, j.tag, catalog.StatusIssued); err != nil {
		return m.statusFailed(j.tag, err, "issued meanwhile")
	}
	if err := m.catalog.AppendLoan(ctx, j.reader, book, j.tag, j.meta(m)); err != nil {
		m.stepFailed("append_loan", err)
		m.restoreStatus(ctx, book, j.tag, st.Status)
		return outcome{to: CardFail, reason: "loan record failed"}
	}
	m.actuate(ctx, j.tag)
	return outcome{to: Success, reason: "book issued", completed: ModeCheckOut}
}

// returnBook runs the return sequence. An unknown book is rejected and then
// shown as no space, so the patron takes it to the desk.
func (m *Machine) returnBook(ctx context.Context, j job) outcome {
	book, err := m.catalog.FindBookByTag(ctx, j.tag)
	if errors.Is(err, catalog.ErrNotFound) {
		return outcome{to: BookRejected, reason: "book not found", hop: true}
	}
	if err != nil {
		m.stepFailed("find_book", err)
		return outcome{to: CardFail, reason: "catalog lookup failed"}
	}

	space, err := m.bin.HasSpace(ctx)
	if err != nil {
		m.stepFailed("has_space", err)
		space = false
	}
	if !space {
		return outcome{to: NoSpace, reason: "bin full"}
	}

	st, err := m.catalog.GetInstanceStatus(ctx, book, j.tag)
	if errors.Is(err, catalog.ErrNotFound) {
		return outcome{to: BookRejected, reason: "copy not found"}
	}
	if err != nil {
		m.stepFailed("get_status", err)
		return outcome{to: CardFail, reason: "catalog lookup failed"}
	}
	if !canReturn(st.Status) {
		log.Info().Str("tag", j.tag).Str("status", st.Status).Msg("copy is not on loan")
		return outcome{to: BookRejected, reason: "not on loan"}
	}
	if j.dryRun {
		log.Info().Str("tag", j.tag).Str("book", book.ID).Msg("dry-run return, nothing written")
		return outcome{to: Success, reason: "dry run"}
	}

	if err := m.catalog.SetInstanceStatus(ctx, book, j.tag, catalog.StatusInStock); err != nil {
		return m.statusFailed(j.tag, err, "returned meanwhile")
	}
	if err := m.catalog.CloseLoan(ctx, j.tag, j.meta(m)); err != nil {
		m.stepFailed("close_loan", err)
		m.restoreStatus(ctx, book, j.tag, st.Status)
		return outcome{to: CardFail, reason: "loan record failed"}
	}
	m.actuate(ctx, j.tag)
	return outcome{to: Success, reason: "book returned", completed: ModeReturn}
}

// statusFailed rejects the book when the status write did not happen. A
// copy changed by someone else since the lookup is not a catalog fault.
func (m *Machine) statusFailed(tag string, err error, changed string) outcome {
	if errors.Is(err, catalog.ErrStatusChanged) {
		log.Info().Str("tag", tag).Err(err).Msg("copy status changed before write")
		return outcome{to: BookRejected, reason: changed}
	}
	m.stepFailed("set_status", err)
	return outcome{to: BookRejected, reason: "status update failed"}
}

// restoreStatus runs even if the job was cancelled mid-sequence.
func (m *Machine) restoreStatus(ctx context.Context, book catalog.BookHandle, tag, status string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := m.catalog.SetInstanceStatus(ctx, book, tag, status); err != nil {
		m.stepFailed("restore_status", err)
		log.Error().Str("tag", tag).Str("status", status).Msg("copy status left changed after loan failure, needs manual fix")
		return
	}
	log.Warn().Str("tag", tag).Str("status", status).Msg("copy status restored after loan failure")
}

// actuate opens the bin once the catalog change has committed, even if the
// session was abandoned meanwhile. Failure is logged only; the change stands.
func (m *Machine) actuate(ctx context.Context, tag string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := m.bin.OpenBin(ctx); err != nil {
		m.stepFailed("open_bin", err)
		log.Warn().Str("tag", tag).Msg("transaction committed but bin did not open")
	}
}
