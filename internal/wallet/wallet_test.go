package wallet

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/hashicorp/raft"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newWallet(t *testing.T, ledger Ledger, opening int64) (*Wallet, *FSM) {
	t.Helper()
	fsm := NewFSM()
	ob := d(opening)
	return New(ledger, fsm, NewLocalApplier(fsm), Options{OpeningBalance: &ob}, zap.NewNop()), fsm
}

func TestReserve_OkAndInsufficient(t *testing.T) {
	w, _ := newWallet(t, LedgerInternal, 100)
	ctx := context.Background()

	res, err := w.Reserve(ctx, "ord-1", "user-1", d(60))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReserved, res.Outcome)
	assert.True(t, d(40).Equal(res.Available))

	_, err = w.Reserve(ctx, "ord-2", "user-1", d(50))
	assert.ErrorIs(t, err, ErrInsufficientFunds)
	assert.True(t, d(60).Equal(w.Exposure("user-1")))
}

func TestReserve_Idempotent(t *testing.T) {
	w, _ := newWallet(t, LedgerInternal, 100)
	ctx := context.Background()

	_, err := w.Reserve(ctx, "ord-1", "user-1", d(60))
	require.NoError(t, err)
	res, err := w.Reserve(ctx, "ord-1", "user-1", d(60))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyReserved, res.Outcome)
	assert.True(t, d(60).Equal(w.Exposure("user-1")), "replayed reserve must not double the hold")

	_, err = w.Reserve(ctx, "ord-1", "user-1", d(10))
	assert.ErrorIs(t, err, ErrReservationConflict)
}

func TestRelease_IsTerminal(t *testing.T) {
	w, _ := newWallet(t, LedgerExchange, 100)
	ctx := context.Background()

	res, err := w.Release(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoReservation, res.Outcome)

	_, err = w.Reserve(ctx, "ord-1", "omnibus", d(30))
	require.NoError(t, err)
	res, err = w.Release(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, res.Outcome)
	assert.True(t, w.Exposure("omnibus").IsZero())

	res, err = w.Release(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeClosed, res.Outcome)

	_, err = w.Reserve(ctx, "ord-1", "omnibus", d(30))
	assert.ErrorIs(t, err, ErrReservationClosed)
	_, err = w.Settle(ctx, "ord-1", d(30))
	assert.ErrorIs(t, err, ErrReservationClosed)
}

func TestSettle_DebitsActualAndFreesRemainder(t *testing.T) {
	w, fsm := newWallet(t, LedgerInternal, 100)
	ctx := context.Background()

	_, err := w.Reserve(ctx, "ord-1", "user-1", d(98))
	require.NoError(t, err)

	res, err := w.Settle(ctx, "ord-1", d(49))
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, res.Outcome)

	balance, available := fsm.Balance(LedgerInternal, "user-1")
	assert.True(t, d(51).Equal(balance))
	assert.True(t, d(51).Equal(available))
	assert.True(t, w.Exposure("user-1").IsZero())

	// settling twice is a no-op
	_, err = w.Settle(ctx, "ord-1", d(49))
	require.NoError(t, err)
	balance, _ = fsm.Balance(LedgerInternal, "user-1")
	assert.True(t, d(51).Equal(balance))

	_, err = w.Settle(ctx, "ord-404", d(1))
	assert.ErrorIs(t, err, ErrNoReservation)
}

func TestDepositAndOpeningBalance(t *testing.T) {
	fsm := NewFSM()
	w := New(LedgerExchange, fsm, NewLocalApplier(fsm), Options{}, zap.NewNop())
	ctx := context.Background()

	_, err := w.Reserve(ctx, "ord-1", "omnibus", d(1))
	assert.ErrorIs(t, err, ErrInsufficientFunds, "no opening balance configured")

	_, err = w.Deposit(ctx, "omnibus", d(500))
	require.NoError(t, err)
	_, err = w.Reserve(ctx, "ord-1", "omnibus", d(1))
	require.NoError(t, err)
}

func TestFSM_InvalidCommands(t *testing.T) {
	fsm := NewFSM()
	res := fsm.Apply(&raft.Log{Data: []byte("not json")}).(Result)
	assert.Equal(t, OutcomeInvalid, res.Outcome)

	cmd, err := EncodeCommand("BOGUS", struct{}{})
	require.NoError(t, err)
	res = fsm.Apply(&raft.Log{Data: cmd}).(Result)
	assert.Equal(t, OutcomeInvalid, res.Outcome)

	cmd, err = EncodeCommand(CommandKindReserve, ReserveCommand{Ledger: LedgerInternal, OrderID: "o", Account: "a", Amount: d(-1)})
	require.NoError(t, err)
	res = fsm.Apply(&raft.Log{Data: cmd}).(Result)
	assert.Equal(t, OutcomeInvalid, res.Outcome)
}

type memSink struct {
	bytes.Buffer
	canceled bool
}

func (s *memSink) ID() string    { return "mem" }
func (s *memSink) Close() error  { return nil }
func (s *memSink) Cancel() error { s.canceled = true; return nil }

func TestFSM_SnapshotRestore(t *testing.T) {
	w, fsm := newWallet(t, LedgerInternal, 100)
	ctx := context.Background()
	_, err := w.Reserve(ctx, "ord-1", "user-1", d(20))
	require.NoError(t, err)

	snap, err := fsm.Snapshot()
	require.NoError(t, err)
	sink := &memSink{}
	require.NoError(t, snap.Persist(sink))
	snap.Release()

	restored := NewFSM()
	require.NoError(t, restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	r, ok := restored.Reservation(LedgerInternal, "ord-1")
	require.True(t, ok)
	assert.Equal(t, StateReserved, r.State)
	assert.True(t, d(20).Equal(restored.Exposure(LedgerInternal, "user-1")))

	// restored state keeps accepting commands
	w2 := New(LedgerInternal, restored, NewLocalApplier(restored), Options{}, zap.NewNop())
	_, err = w2.Release(ctx, "ord-1")
	require.NoError(t, err)
}

func TestReserve_ConcurrentNeverOverdraws(t *testing.T) {
	w, _ := newWallet(t, LedgerInternal, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := w.Reserve(ctx, "ord-"+string(rune('a'+i)), "user-1", d(10)); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.True(t, d(100).Equal(w.Exposure("user-1")))
}

func TestReserve_ExposureLimitHoldsUnderConcurrency(t *testing.T) {
	fsm := NewFSM()
	ob, limit := d(1000), d(150)
	w := New(LedgerInternal, fsm, NewLocalApplier(fsm), Options{OpeningBalance: &ob, MaxExposure: &limit}, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, limited := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := w.Reserve(ctx, "ord-"+string(rune('a'+i)), "user-1", d(98))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrExposureLimit):
				limited++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 9, limited)
	assert.True(t, d(98).Equal(w.Exposure("user-1")))

	// other accounts have their own cap
	_, err := w.Reserve(ctx, "ord-other", "user-2", d(150))
	require.NoError(t, err)
	_, err = w.Reserve(ctx, "ord-over", "user-2", d(1))
	assert.ErrorIs(t, err, ErrExposureLimit)
}

func TestSettle_RefusesMoreThanReserved(t *testing.T) {
	w, _ := newWallet(t, LedgerInternal, 1000)
	ctx := context.Background()

	_, err := w.Reserve(ctx, "ord-1", "user-1", d(98))
	require.NoError(t, err)

	_, err = w.Settle(ctx, "ord-1", d(245))
	assert.ErrorIs(t, err, ErrSettleExceedsReservation)

	r, ok := w.Reservation("ord-1")
	require.True(t, ok)
	assert.Equal(t, StateReserved, r.State)
	assert.True(t, d(98).Equal(w.Exposure("user-1")))

	res, err := w.Settle(ctx, "ord-1", d(98))
	require.NoError(t, err)
	assert.True(t, d(902).Equal(res.Available))
}
