package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/fix"
	"github.com/ismaiel54/fix-order-router/internal/msg"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ErrorType classifies protocol errors
type ErrorType string

const (
	ConnectionError        ErrorType = "CONNECTION_ERROR"
	AuthenticationError    ErrorType = "AUTHENTICATION_ERROR"
	SequenceError          ErrorType = "SEQUENCE_ERROR"
	MessageProcessingError ErrorType = "MESSAGE_PROCESSING_ERROR"
	CorrelationError       ErrorType = "CORRELATION_ERROR"
	GeneralError           ErrorType = "GENERAL_ERROR"
)

const recentErrors = 100

// ProtocolError is one classified error
type ProtocolError struct {
	Type           ErrorType
	Message        string
	OrderID        string
	ClOrdID        string
	SessionID      string
	RepublishCount int
	At             time.Time
}

// Producer publishes JSON records
type Producer interface {
	ProduceJSON(ctx context.Context, topic, key string, v any) error
}

// Reporter records, counts and publishes protocol errors
type Reporter struct {
	producer Producer
	counter  *prometheus.CounterVec
	logger   *zap.Logger

	mu     sync.Mutex
	recent []ProtocolError
	counts map[ErrorType]int64
}

// NewReporter creates a reporter. producer and counter may be nil.
func NewReporter(producer Producer, counter *prometheus.CounterVec, logger *zap.Logger) *Reporter {
	return &Reporter{
		producer: producer,
		counter:  counter,
		logger:   logger,
		counts:   make(map[ErrorType]int64),
	}
}

// Report records e and publishes it to the protocol-error topic
func (r *Reporter) Report(ctx context.Context, e ProtocolError) {
	if e.At.IsZero() {
		e.At = time.Now()
	}

	r.mu.Lock()
	r.recent = append(r.recent, e)
	if len(r.recent) > recentErrors {
		r.recent = r.recent[len(r.recent)-recentErrors:]
	}
	r.counts[e.Type]++
	r.mu.Unlock()

	if r.counter != nil {
		r.counter.WithLabelValues(string(e.Type)).Inc()
	}

	r.logger.Error("protocol error",
		zap.String("type", string(e.Type)),
		zap.String("message", e.Message),
		zap.String("order_id", e.OrderID),
		zap.String("cl_ord_id", e.ClOrdID),
		zap.Int("republish_count", e.RepublishCount),
	)

	if r.producer == nil {
		return
	}
	key := e.OrderID
	if key == "" {
		key = fmt.Sprintf("%s_%d", e.Type, e.At.UnixMilli())
	}
	err := r.producer.ProduceJSON(ctx, msg.TopicProtocolError, key, msg.ProtocolErrorMsg{
		ErrorType:      string(e.Type),
		Message:        e.Message,
		OrderID:        e.OrderID,
		ClOrdID:        e.ClOrdID,
		SessionID:      e.SessionID,
		RepublishCount: e.RepublishCount,
		TsUnixMillis:   e.At.UnixMilli(),
	})
	if err != nil {
		r.logger.Warn("failed to publish protocol error", zap.Error(err))
	}
}

// Recent returns up to the last 100 errors, oldest first
func (r *Reporter) Recent() []ProtocolError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProtocolError(nil), r.recent...)
}

// Counts returns the number of errors seen per type
func (r *Reporter) Counts() map[ErrorType]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[ErrorType]int64, len(r.counts))
	for k, v := range r.counts {
		out[k] = v
	}
	return out
}

// ClassifyAdmin maps an inbound session message to an error type.
// Messages that signal no problem return false.
func ClassifyAdmin(m *fix.Message) (ErrorType, bool) {
	switch m.MsgType() {
	case fix.MsgTypeReject:
		return MessageProcessingError, true
	case fix.MsgTypeResendRequest, fix.MsgTypeSequenceReset:
		return SequenceError, true
	case fix.MsgTypeLogout:
		text := m.GetString(fix.TagText)
		if text == "" {
			return "", false
		}
		if fix.IsAuthFailure(text) {
			return AuthenticationError, true
		}
		return ConnectionError, true
	}
	return "", false
}

func describeAdmin(m *fix.Message) string {
	parts := []string{"msg_type=" + m.MsgType()}
	for _, tag := range []int{fix.TagText, fix.TagRefSeqNum, fix.TagSessionRejReason, fix.TagBeginSeqNo, fix.TagNewSeqNo} {
		if v, ok := m.Get(tag); ok {
			parts = append(parts, fmt.Sprintf("%d=%s", tag, v))
		}
	}
	return strings.Join(parts, " ")
}
