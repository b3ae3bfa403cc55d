package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/harbor/marks-engine/internal/ledger"
	"github.com/harbor/marks-engine/internal/model"
)

// Applier applies one ledger event.
type Applier interface {
	Apply(ctx context.Context, ev model.Event) (model.LedgerEntry, error)
}

// Outcome is how a message was settled.
type Outcome int

const (
	Acked Outcome = iota
	Naked
	Termed
)

// Handle decodes and applies one message and settles it:
//   - applied or already applied: ack
//   - unpriced or a store failure: nak, so the feed redelivers
//   - malformed or an upstream data fault: term
func Handle(ctx context.Context, app Applier, raw RawEvent) Outcome {
	ev, err := ParseEvent(raw.Data)
	if err != nil {
		slog.Error("dropping malformed event", "subject", raw.Subject, "err", err)
		return settle(raw, Termed)
	}

	_, err = app.Apply(ctx, ev)
	switch {
	case err == nil, errors.Is(err, ledger.ErrDuplicateEvent):
		return settle(raw, Acked)
	case errors.Is(err, ledger.ErrUnpricedEvent):
		slog.Warn("event not priced yet, requeueing", "id", ev.ID, "user", ev.UserAddress)
		return settle(raw, Naked)
	case errors.Is(err, ledger.ErrOutOfOrder),
		errors.Is(err, ledger.ErrEntryNotFound),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnknownEventKind):
		slog.Error("dropping rejected event", "id", ev.ID, "kind", string(ev.Kind), "err", err)
		return settle(raw, Termed)
	default:
		slog.Error("event apply failed, requeueing", "id", ev.ID, "err", err)
		return settle(raw, Naked)
	}
}

func settle(raw RawEvent, o Outcome) Outcome {
	var fn func()
	switch o {
	case Acked:
		fn = raw.AckFunc
	case Naked:
		fn = raw.NakFunc
	case Termed:
		fn = raw.TermFunc
	}
	if fn != nil {
		fn()
	}
	return o
}

// Consume handles messages from events until ctx is done or the channel
// closes.
func Consume(ctx context.Context, app Applier, events <-chan RawEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			Handle(ctx, app, raw)
		}
	}
}
