package clordid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrNoPriorClOrdID is returned when a modify or cancel has no new-order id to chain from
	ErrNoPriorClOrdID = errors.New("no prior client order id for order")
	// ErrPendingChain is returned while a modify or cancel is still awaiting the exchange
	ErrPendingChain = errors.New("request already pending for order")
	// ErrUnresolved is returned when a client order id maps to no internal order
	ErrUnresolved = errors.New("client order id unresolved")
	// ErrNotFound is returned when no original request is stored
	ErrNotFound = errors.New("order mapping not found")
)

const (
	keyPrefix               = "fix-orders/"
	keyClOrdID              = keyPrefix + "clOrdId/"
	keyOrderID              = keyPrefix + "orderId/"
	keyOrderData            = keyPrefix + "orderData/"
	keyModifyPending        = keyPrefix + "modifyPending/"
	keyCancelPending        = keyPrefix + "cancelPending/"
	keyLatestModifyAccepted = keyPrefix + "latestModifyAccepted/"
	keyLatestCancelAccepted = keyPrefix + "latestCancelAccepted/"

	// DefaultTTL is the retention of every mapping, independent of order lifecycle
	DefaultTTL = 30 * 24 * time.Hour
	// DefaultPendingTTL bounds how long an unanswered modify or cancel blocks the next one
	DefaultPendingTTL = time.Minute
)

// StoredRequest is the original order kept alongside the mapping
type StoredRequest struct {
	Request   domain.OrderRequest `json:"request"`
	ClOrdID   string              `json:"cl_ord_id"`
	CreatedAt int64               `json:"created_unix_millis"`
}

// ChainIDs is a generated modify or cancel id and the id the exchange should reference
type ChainIDs struct {
	ClOrdID     string
	OrigClOrdID string
}

// Options tune the correlator
type Options struct {
	TTL        time.Duration
	PendingTTL time.Duration
}

// Correlator maps internal order ids to client order ids in Redis
type Correlator struct {
	rdb        redis.Cmdable
	gen        *Generator
	ttl        time.Duration
	pendingTTL time.Duration
	logger     *zap.Logger
}

// NewCorrelator creates a correlator backed by the given Redis client
func NewCorrelator(rdb redis.Cmdable, gen *Generator, opts Options, logger *zap.Logger) *Correlator {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = DefaultPendingTTL
	}
	return &Correlator{
		rdb:        rdb,
		gen:        gen,
		ttl:        opts.TTL,
		pendingTTL: opts.PendingTTL,
		logger:     logger,
	}
}

// Generator returns the id generator used by the correlator
func (c *Correlator) Generator() *Generator {
	return c.gen
}

// GenerateNew returns the new-order client order id for orderID, creating it on first call
func (c *Correlator) GenerateNew(ctx context.Context, orderID string, req domain.OrderRequest) (string, error) {
	clOrdID := c.gen.New(orderID)

	created, err := c.rdb.SetNX(ctx, keyOrderID+orderID, clOrdID, c.ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to reserve client order id: %w", err)
	}
	if !created {
		existing, err := c.rdb.Get(ctx, keyOrderID+orderID).Result()
		if err != nil {
			return "", fmt.Errorf("failed to load existing client order id: %w", err)
		}
		clOrdID = existing
	}

	// a retry after a failed write fills in whatever the first call left out
	if err := c.storeNew(ctx, orderID, clOrdID, req); err != nil {
		return "", err
	}

	if created {
		c.logger.Info("generated client order id",
			zap.String("order_id", orderID),
			zap.String("cl_ord_id", clOrdID),
		)
	} else {
		c.logger.Debug("reusing client order id",
			zap.String("order_id", orderID),
			zap.String("cl_ord_id", clOrdID),
		)
	}
	return clOrdID, nil
}

// storeNew writes the reverse mapping and the original request. Existing
// keys are kept.
func (c *Correlator) storeNew(ctx context.Context, orderID, clOrdID string, req domain.OrderRequest) error {
	data, err := json.Marshal(StoredRequest{
		Request:   req,
		ClOrdID:   clOrdID,
		CreatedAt: time.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal order data: %w", err)
	}

	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, keyClOrdID+clOrdID, orderID, c.ttl)
		pipe.SetNX(ctx, keyOrderData+orderID, data, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store client order id mapping: %w", err)
	}
	return nil
}

// GenerateModify creates a modify-chain id referencing the latest accepted id
func (c *Correlator) GenerateModify(ctx context.Context, orderID string) (ChainIDs, error) {
	return c.generateChain(ctx, orderID, domain.ChainModify)
}

// GenerateCancel creates a cancel-chain id referencing the latest accepted id
func (c *Correlator) GenerateCancel(ctx context.Context, orderID string) (ChainIDs, error) {
	return c.generateChain(ctx, orderID, domain.ChainCancel)
}

func (c *Correlator) generateChain(ctx context.Context, orderID string, kind domain.ChainKind) (ChainIDs, error) {
	ref, err := c.ReferenceID(ctx, orderID)
	if err != nil {
		return ChainIDs{}, err
	}

	var clOrdID, pendingKey string
	if kind == domain.ChainModify {
		clOrdID, pendingKey = c.gen.Modify(orderID), keyModifyPending+orderID
	} else {
		clOrdID, pendingKey = c.gen.Cancel(orderID), keyCancelPending+orderID
	}

	ok, err := c.rdb.SetNX(ctx, pendingKey, clOrdID, c.pendingTTL).Result()
	if err != nil {
		return ChainIDs{}, fmt.Errorf("failed to mark %s pending: %w", kind, err)
	}
	if !ok {
		return ChainIDs{}, fmt.Errorf("%w: %s %s", ErrPendingChain, kind, orderID)
	}

	if err := c.rdb.Set(ctx, keyClOrdID+clOrdID, orderID, c.ttl).Err(); err != nil {
		if derr := c.rdb.Del(context.WithoutCancel(ctx), pendingKey).Err(); derr != nil {
			c.logger.Warn("failed to clear pending chain",
				zap.String("order_id", orderID),
				zap.String("chain", string(kind)),
				zap.Error(derr),
			)
		}
		return ChainIDs{}, fmt.Errorf("failed to store %s mapping: %w", kind, err)
	}

	c.logger.Info("generated chain client order id",
		zap.String("order_id", orderID),
		zap.String("chain", string(kind)),
		zap.String("cl_ord_id", clOrdID),
		zap.String("orig_cl_ord_id", ref),
	)
	return ChainIDs{ClOrdID: clOrdID, OrigClOrdID: ref}, nil
}

// ReferenceID is the id the exchange currently recognizes for orderID:
// the latest accepted modify, else the new-order id.
func (c *Correlator) ReferenceID(ctx context.Context, orderID string) (string, error) {
	vals, err := c.rdb.MGet(ctx, keyLatestModifyAccepted+orderID, keyOrderID+orderID).Result()
	if err != nil {
		return "", fmt.Errorf("failed to load reference id: %w", err)
	}
	if s, ok := vals[0].(string); ok && s != "" {
		return s, nil
	}
	if s, ok := vals[1].(string); ok && s != "" {
		return s, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNoPriorClOrdID, orderID)
}

// ResolveInternalID maps a client order id back to its internal order id
func (c *Correlator) ResolveInternalID(ctx context.Context, clOrdID string) (string, error) {
	if orderID, _, ok := c.gen.Extract(clOrdID); ok {
		return orderID, nil
	}

	orderID, err := c.rdb.Get(ctx, keyClOrdID+clOrdID).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %q", ErrUnresolved, clOrdID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up client order id: %w", err)
	}
	return orderID, nil
}

// RecordAccepted moves the latest-accepted pointer of a modify or cancel chain.
// Call only once the exchange has confirmed the request.
func (c *Correlator) RecordAccepted(ctx context.Context, kind domain.ChainKind, orderID, clOrdID string) error {
	latestKey, pendingKey, err := chainKeys(kind, orderID)
	if err != nil {
		return err
	}

	_, err = c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, latestKey, clOrdID, c.ttl)
		pipe.Del(ctx, pendingKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to record accepted %s: %w", kind, err)
	}
	return nil
}

// ClearPending drops the outstanding modify or cancel after the exchange rejects it
func (c *Correlator) ClearPending(ctx context.Context, kind domain.ChainKind, orderID string) error {
	_, pendingKey, err := chainKeys(kind, orderID)
	if err != nil {
		return err
	}
	if err := c.rdb.Del(ctx, pendingKey).Err(); err != nil {
		return fmt.Errorf("failed to clear pending %s: %w", kind, err)
	}
	return nil
}

// LatestAccepted returns the latest accepted id of a modify or cancel chain, if any
func (c *Correlator) LatestAccepted(ctx context.Context, kind domain.ChainKind, orderID string) (string, bool, error) {
	latestKey, _, err := chainKeys(kind, orderID)
	if err != nil {
		return "", false, err
	}
	v, err := c.rdb.Get(ctx, latestKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load latest accepted %s: %w", kind, err)
	}
	return v, true, nil
}

// OriginalRequest returns the request stored by GenerateNew
func (c *Correlator) OriginalRequest(ctx context.Context, orderID string) (*StoredRequest, error) {
	data, err := c.rdb.Get(ctx, keyOrderData+orderID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order data: %w", err)
	}

	var stored StoredRequest
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order data: %w", err)
	}
	return &stored, nil
}

func chainKeys(kind domain.ChainKind, orderID string) (latest, pending string, err error) {
	switch kind {
	case domain.ChainModify:
		return keyLatestModifyAccepted + orderID, keyModifyPending + orderID, nil
	case domain.ChainCancel:
		return keyLatestCancelAccepted + orderID, keyCancelPending + orderID, nil
	default:
		return "", "", fmt.Errorf("unsupported chain kind %q", kind)
	}
}
