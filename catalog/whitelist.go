package catalog

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"
)

// WhitelistConfig restricts card validation to a fixed set of UIDs.
type WhitelistConfig struct {
	Enabled    bool     `yaml:"enabled"`
	UIDs       []string `yaml:"uids"`
	AllowEmpty bool     `yaml:"allow_all_on_empty"` // an empty list admits every card
}

// Whitelist decorates a Gateway, answering ValidateCard from the list and
// passing every other query through.
type Whitelist struct {
	Gateway
	uids       map[string]bool
	allowEmpty bool
}

// NewWhitelist wraps inner. normalize is applied to the configured UIDs so
// they compare equal to normalised card reads.
func NewWhitelist(inner Gateway, cfg WhitelistConfig, normalize func(string) string) *Whitelist {
	w := &Whitelist{
		Gateway:    inner,
		uids:       make(map[string]bool, len(cfg.UIDs)),
		allowEmpty: cfg.AllowEmpty,
	}
	for _, u := range cfg.UIDs {
		if normalize != nil {
			u = normalize(u)
		}
		if u = strings.TrimSpace(u); u != "" {
			w.uids[u] = true
		}
	}
	return w
}

// ValidateCard implements Gateway.ValidateCard.
func (w *Whitelist) ValidateCard(_ context.Context, uid string) (ReaderHandle, bool, error) {
	if uid == "" {
		return ReaderHandle{}, false, nil
	}
	if len(w.uids) == 0 {
		log.Warn().Msg("card whitelist is empty")
		if !w.allowEmpty {
			return ReaderHandle{}, false, nil
		}
		return ReaderHandle{ID: uid, CardUID: uid}, true, nil
	}
	if !w.uids[uid] {
		return ReaderHandle{}, false, nil
	}
	return ReaderHandle{ID: uid, CardUID: uid}, true, nil
}
