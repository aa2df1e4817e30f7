package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/msg"
	"github.com/ismaiel54/fix-order-router/internal/order"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"go.uber.org/zap"
)

// permanent errors are answered once; retrying the record cannot help
var permanent = []error{
	domain.ErrInvalidOrder,
	saga.ErrDuplicateSubmission,
	saga.ErrOrderNotional,
	saga.ErrUserRisk,
	order.ErrUnknownOrder,
	order.ErrOrderTerminal,
	order.ErrInvalidModify,
}

func isPermanent(err error) bool {
	for _, target := range permanent {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// HandleCommand consumes one orders.commands record. Errors that a retry
// cannot fix are logged and swallowed so the record is committed.
func (e *Engine) HandleCommand(ctx context.Context, rec msg.Record) error {
	var cmd msg.OrderCommandMsg
	if err := json.Unmarshal(rec.Value, &cmd); err != nil {
		e.logger.Warn("dropping malformed command",
			zap.String("key", rec.Key),
			zap.Int64("offset", rec.Offset),
			zap.Error(err),
		)
		return nil
	}

	logger := e.logger.With(
		zap.String("event_id", cmd.EventID),
		zap.String("type", cmd.Type),
		zap.String("order_id", cmd.OrderID),
	)

	err := e.dispatchCommand(ctx, cmd, logger)
	if err == nil {
		return nil
	}
	if isPermanent(err) {
		logger.Warn("command rejected", zap.Error(err))
		return nil
	}
	return err
}

func (e *Engine) dispatchCommand(ctx context.Context, cmd msg.OrderCommandMsg, logger *zap.Logger) error {
	switch cmd.Type {
	case msg.CommandNew:
		if cmd.Request == nil {
			return fmt.Errorf("%w: new command without request", domain.ErrInvalidOrder)
		}
		req := *cmd.Request
		if req.OrderID == "" {
			req.OrderID = cmd.OrderID
		}
		res, err := e.StartWorkflow(ctx, req)
		if err != nil {
			return err
		}
		logger.Info("workflow started from command",
			zap.String("result", string(res.Kind)),
			zap.String("reason", res.Reason),
			zap.String("outcome", string(res.Outcome)),
			zap.String("filled_qty", res.FilledQty.String()),
			zap.Bool("timeout", res.Timeout),
		)
		return nil

	case msg.CommandModify:
		if cmd.Quantity == nil {
			return fmt.Errorf("%w: modify command without quantity", order.ErrInvalidModify)
		}
		clOrdID, err := e.RequestModify(ctx, cmd.OrderID, *cmd.Quantity, cmd.Price)
		if err != nil {
			return err
		}
		logger.Info("modify sent from command", zap.String("cl_ord_id", clOrdID))
		return nil

	case msg.CommandCancel:
		clOrdID, err := e.RequestCancel(ctx, cmd.OrderID)
		if err != nil {
			return err
		}
		logger.Info("cancel sent from command", zap.String("cl_ord_id", clOrdID))
		return nil

	default:
		return fmt.Errorf("%w: unknown command type %q", domain.ErrInvalidOrder, cmd.Type)
	}
}
