//go:build pcsc

package cardreader

import (
	"errors"

	"github.com/ebfe/scard"
)

// PCSCSupported returns whether PC/SC support is compiled in.
func PCSCSupported() bool {
	return true
}

// EstablishPCSC opens the system PC/SC context.
func EstablishPCSC() (Terminal, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &pcscTerminal{ctx: ctx}, nil
}

type pcscTerminal struct {
	ctx *scard.Context
}

func (t *pcscTerminal) ListReaders() ([]string, error) {
	readers, err := t.ctx.ListReaders()
	if errors.Is(err, scard.ErrNoReadersAvailable) {
		return nil, nil
	}
	return readers, err
}

func (t *pcscTerminal) Connect(reader string) (Card, error) {
	c, err := t.ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		if noCard(err) {
			return nil, ErrNoCard
		}
		return nil, err
	}
	return &pcscCard{card: c}, nil
}

func (t *pcscTerminal) Release() error {
	return t.ctx.Release()
}

type pcscCard struct {
	card *scard.Card
}

func (c *pcscCard) Transmit(apdu []byte) ([]byte, error) {
	return c.card.Transmit(apdu)
}

func (c *pcscCard) Disconnect() error {
	return c.card.Disconnect(scard.LeaveCard)
}

func noCard(err error) bool {
	return errors.Is(err, scard.ErrNoSmartcard) ||
		errors.Is(err, scard.ErrRemovedCard) ||
		errors.Is(err, scard.ErrUnpoweredCard) ||
		errors.Is(err, scard.ErrUnresponsiveCard)
}
