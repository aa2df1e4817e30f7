package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ismaiel54/fix-order-router/internal/clordid"
	"github.com/ismaiel54/fix-order-router/internal/cluster"
	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/gateway"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"github.com/ismaiel54/fix-order-router/internal/sharding"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// errorDomain tags ErrorInfo details produced by this service
const errorDomain = "fix-order-router"

type errorKind struct {
	reason string
	err    error
	code   codes.Code
}

var (
	kindsMu sync.RWMutex
	kinds   = []errorKind{
		{"INVALID_ORDER", domain.ErrInvalidOrder, codes.InvalidArgument},
		{"DUPLICATE_SUBMISSION", saga.ErrDuplicateSubmission, codes.AlreadyExists},
		{"ORDER_NOTIONAL", saga.ErrOrderNotional, codes.FailedPrecondition},
		{"USER_RISK", saga.ErrUserRisk, codes.FailedPrecondition},
		{"UNKNOWN_WORKFLOW", saga.ErrUnknownWorkflow, codes.NotFound},
		{"INSUFFICIENT_FUNDS", wallet.ErrInsufficientFunds, codes.ResourceExhausted},
		{"RESERVATION_CLOSED", wallet.ErrReservationClosed, codes.FailedPrecondition},
		{"RESERVATION_CONFLICT", wallet.ErrReservationConflict, codes.Aborted},
		{"NO_RESERVATION", wallet.ErrNoReservation, codes.NotFound},
		{"EXPOSURE_LIMIT", wallet.ErrExposureLimit, codes.FailedPrecondition},
		{"SETTLE_EXCEEDS_RESERVATION", wallet.ErrSettleExceedsReservation, codes.FailedPrecondition},
		{"UNKNOWN_ORDER", order.ErrUnknownOrder, codes.NotFound},
		{"ORDER_TERMINAL", order.ErrOrderTerminal, codes.FailedPrecondition},
		{"STALE_EXECUTION", order.ErrStaleExecution, codes.FailedPrecondition},
		{"NEGATIVE_LEAVES", order.ErrNegativeLeaves, codes.FailedPrecondition},
		{"DUPLICATE_EXECUTION", order.ErrDuplicateExecution, codes.AlreadyExists},
		{"INVALID_MODIFY", order.ErrInvalidModify, codes.InvalidArgument},
		{"NOT_CONNECTED", gateway.ErrNotConnected, codes.Unavailable},
		{"UNRESOLVED", clordid.ErrUnresolved, codes.NotFound},
		{"NOT_LEADER", cluster.ErrNotLeader, codes.Unavailable},
		{"ASK_TIMEOUT", sharding.ErrAskTimeout, codes.DeadlineExceeded},
	}
)

// RegisterError makes err survive the wire under reason
func RegisterError(reason string, err error, code codes.Code) {
	kindsMu.Lock()
	defer kindsMu.Unlock()
	for i, k := range kinds {
		if k.reason == reason {
			kinds[i] = errorKind{reason, err, code}
			return
		}
	}
	kinds = append(kinds, errorKind{reason, err, code})
}

// toStatus encodes err as a gRPC status carrying its sentinel reason
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok && !isSentinel(err) {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}

	kindsMu.RLock()
	defer kindsMu.RUnlock()
	for _, k := range kinds {
		if !errors.Is(err, k.err) {
			continue
		}
		st, derr := status.New(k.code, err.Error()).WithDetails(&errdetails.ErrorInfo{
			Reason: k.reason,
			Domain: errorDomain,
		})
		if derr != nil {
			return status.Error(k.code, err.Error())
		}
		return st.Err()
	}
	return status.Error(code, err.Error())
}

func isSentinel(err error) bool {
	kindsMu.RLock()
	defer kindsMu.RUnlock()
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return true
		}
	}
	return false
}

// fromStatus rebuilds an error that matches the original sentinel
func fromStatus(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	for _, detail := range st.Details() {
		info, ok := detail.(*errdetails.ErrorInfo)
		if !ok || info.GetDomain() != errorDomain {
			continue
		}
		kindsMu.RLock()
		for _, k := range kinds {
			if k.reason == info.GetReason() {
				kindsMu.RUnlock()
				return &remoteError{msg: st.Message(), sentinel: k.err}
			}
		}
		kindsMu.RUnlock()
	}

	switch st.Code() {
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	}
	return err
}

// remoteError keeps the remote message and unwraps to the local sentinel
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }
func (e *remoteError) Unwrap() error { return e.sentinel }
