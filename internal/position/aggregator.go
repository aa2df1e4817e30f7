package position

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ismaiel54/fix-order-router/internal/journal"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const eventFillApplied = "FillApplied"

// PersistenceID returns the journal stream id of a user's positions
func PersistenceID(userID string) string {
	return "position|" + userID
}

// Fill is a signed quantity change for one symbol
type Fill struct {
	FillID string          `json:"fill_id"`
	Symbol string          `json:"symbol"`
	Delta  decimal.Decimal `json:"delta"`
}

type state struct {
	Net     map[string]decimal.Decimal `json:"net"`
	FillIDs map[string]struct{}        `json:"fill_ids"`
}

func (s *state) apply(f Fill) {
	if s.Net == nil {
		s.Net = make(map[string]decimal.Decimal)
	}
	if s.FillIDs == nil {
		s.FillIDs = make(map[string]struct{})
	}
	s.Net[f.Symbol] = s.Net[f.Symbol].Add(f.Delta)
	s.FillIDs[f.FillID] = struct{}{}
}

// Aggregator holds one user's net position per symbol
type Aggregator struct {
	userID string
	state  state
	stream *journal.Stream
	logger *zap.Logger
}

// Recover rebuilds the aggregator for userID from its journal
func Recover(ctx context.Context, store *journal.Store, userID string, snapshotEvery int, logger *zap.Logger) (*Aggregator, error) {
	a := &Aggregator{
		userID: userID,
		stream: journal.NewStream(store, PersistenceID(userID), snapshotEvery),
		logger: logger.With(zap.String("user_id", userID)),
	}

	err := a.stream.Recover(ctx,
		func(data []byte) error { return json.Unmarshal(data, &a.state) },
		func(r journal.Record) error {
			if r.EventType != eventFillApplied {
				return fmt.Errorf("unknown position event type %q", r.EventType)
			}
			var f Fill
			if err := json.Unmarshal(r.Payload, &f); err != nil {
				return err
			}
			a.state.apply(f)
			return nil
		},
	)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ApplyFill adds a confirmed fill. A fill id already applied is ignored.
func (a *Aggregator) ApplyFill(ctx context.Context, f Fill) (bool, error) {
	if f.FillID == "" || f.Symbol == "" {
		return false, fmt.Errorf("fill requires fill_id and symbol")
	}
	if _, seen := a.state.FillIDs[f.FillID]; seen {
		a.logger.Debug("duplicate fill ignored", zap.String("fill_id", f.FillID))
		return false, nil
	}

	rec, err := journal.NewRecord(eventFillApplied, f)
	if err != nil {
		return false, err
	}
	if err := a.stream.Persist(ctx, []journal.Record{rec}, nil); err != nil {
		return false, fmt.Errorf("failed to persist fill: %w", err)
	}
	a.state.apply(f)

	if err := a.stream.MaybeSnapshot(ctx, func() ([]byte, error) { return json.Marshal(a.state) }); err != nil {
		a.logger.Warn("failed to snapshot positions", zap.Error(err))
	}

	a.logger.Info("fill applied to position",
		zap.String("symbol", f.Symbol),
		zap.String("delta", f.Delta.String()),
		zap.String("net", a.state.Net[f.Symbol].String()),
	)
	return true, nil
}

// GetPosition returns the net quantity for symbol
func (a *Aggregator) GetPosition(symbol string) decimal.Decimal {
	return a.state.Net[symbol]
}

// Positions returns every non-flat position
func (a *Aggregator) Positions() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(a.state.Net))
	for sym, q := range a.state.Net {
		if !q.IsZero() {
			out[sym] = q
		}
	}
	return out
}
