// Package router fans device events into the session machine. It decides
// what an identifier is and forwards it only when the machine is in a
// state that wants it, so a late read from a previous visit cannot leak
// into the next one.
package router

import (
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"bookkiosk/channel"
	"bookkiosk/epc"
	"bookkiosk/session"
)

// Dispatcher is the session machine as seen by the router.
type Dispatcher interface {
	Accepts(in session.Input) bool
	Submit(in session.Input) bool
}

// Router classifies and forwards events.
type Router struct {
	target  Dispatcher
	scanLog *zerolog.Logger

	routed       metrics.Counter
	droppedState metrics.Counter
	droppedKind  metrics.Counter
	droppedFull  metrics.Counter
}

// Option customises a Router.
type Option func(*Router)

// WithScanLog records every event, routed or not, to l.
func WithScanLog(l zerolog.Logger) Option {
	return func(r *Router) { r.scanLog = &l }
}

// New builds a router feeding target. Counters go to reg, which may be nil.
func New(target Dispatcher, reg metrics.Registry, opts ...Option) *Router {
	if reg == nil {
		reg = metrics.NewRegistry()
	}
	r := &Router{
		target:       target,
		routed:       metrics.GetOrRegisterCounter("router.routed", reg),
		droppedState: metrics.GetOrRegisterCounter("router.dropped.state", reg),
		droppedKind:  metrics.GetOrRegisterCounter("router.dropped.unclassified", reg),
		droppedFull:  metrics.GetOrRegisterCounter("router.dropped.inbox_full", reg),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Route handles one event. Its signature matches channel.EmitFunc.
func (r *Router) Route(ev channel.Event) {
	in, ok := Classify(ev)
	if r.scanLog != nil {
		r.scanLog.Info().Str("source", ev.SourceID).Str("role", string(ev.Role)).
			Str("raw", ev.Payload).Str("kind", in.Kind.String()).Str("id", in.ID).
			Bool("classified", ok).Time("at", ev.Timestamp).Msg("scan")
	}
	if !ok {
		r.droppedKind.Inc(1)
		log.Debug().Str("source", ev.SourceID).Str("payload", ev.Payload).Msg("event not classified, dropped")
		return
	}
	if !r.target.Accepts(in) {
		r.droppedState.Inc(1)
		log.Debug().Str("source", ev.SourceID).Stringer("kind", in.Kind).Str("id", in.ID).Msg("not expected in current state, dropped")
		return
	}
	if !r.target.Submit(in) {
		r.droppedFull.Inc(1)
		return
	}
	r.routed.Inc(1)
}

// Classify turns an event into a machine input. A 24-hex identifier is
// decoded as EPC-96 first; anything else is an opaque key whose meaning
// comes from the role of the reader it arrived on. Opaque book keys keep
// their library/serial separator (see epc.TagKey).
func Classify(ev channel.Event) (session.Input, bool) {
	id := epc.Normalize(ev.Payload)
	if id == "" {
		return session.Input{}, false
	}
	slot := slotFor(ev.Role)

	if epc.IsHex24(id) {
		if rec, err := epc.Decode(id); err == nil {
			switch rec.Kind {
			case epc.KindBook:
				return session.Input{Kind: session.InputBook, ID: rec.BookKey(), Slot: slot, Source: ev.SourceID}, true
			case epc.KindCard:
				return session.Input{Kind: session.InputCard, ID: rec.RawHex, Source: ev.SourceID}, true
			default:
				return session.Input{Kind: session.InputBook, ID: rec.RawHex, Slot: slot, Unknown: true, Source: ev.SourceID}, true
			}
		}
	}

	switch ev.Role {
	case channel.RoleCard:
		return session.Input{Kind: session.InputCard, ID: id, Source: ev.SourceID}, true
	case channel.RoleBookTake, channel.RoleBookReturn, channel.RoleBookAny:
		return session.Input{Kind: session.InputBook, ID: epc.TagKey(ev.Payload), Slot: slot, Source: ev.SourceID}, true
	}
	return session.Input{}, false
}

func slotFor(role channel.Role) session.Slot {
	switch role {
	case channel.RoleBookTake:
		return session.SlotTake
	case channel.RoleBookReturn:
		return session.SlotReturn
	}
	return session.SlotAny
}
