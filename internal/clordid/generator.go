package clordid

import (
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/domain"
)

const (
	modifyTag = "M"
	cancelTag = "C"
)

// Generator builds client order ids that embed the internal order id.
//
//	new:    <prefix>_<order_id with - replaced by _>
//	modify: <new>_M_<timestamp>
//	cancel: <new>_C_<timestamp>
//
// Timestamps are unix millis, strictly increasing within a process.
type Generator struct {
	prefix string
	last   atomic.Int64
	now    func() time.Time
}

// NewGenerator creates a generator for the given prefix
func NewGenerator(prefix string) *Generator {
	return &Generator{prefix: prefix, now: time.Now}
}

// New returns the client order id of the new-order chain
func (g *Generator) New(orderID string) string {
	return g.prefix + "_" + strings.ReplaceAll(orderID, "-", "_")
}

// Modify returns a fresh modify-chain client order id
func (g *Generator) Modify(orderID string) string {
	return g.New(orderID) + "_" + modifyTag + "_" + strconv.FormatInt(g.next(), 10)
}

// Cancel returns a fresh cancel-chain client order id
func (g *Generator) Cancel(orderID string) string {
	return g.New(orderID) + "_" + cancelTag + "_" + strconv.FormatInt(g.next(), 10)
}

func (g *Generator) next() int64 {
	for {
		prev := g.last.Load()
		ts := g.now().UnixMilli()
		if ts <= prev {
			ts = prev + 1
		}
		if g.last.CompareAndSwap(prev, ts) {
			return ts
		}
	}
}

// Extract recovers the internal order id and chain kind from a client order id
func (g *Generator) Extract(clOrdID string) (string, domain.ChainKind, bool) {
	rest, ok := strings.CutPrefix(clOrdID, g.prefix+"_")
	if !ok || rest == "" {
		return "", "", false
	}

	parts := strings.Split(rest, "_")
	kind := domain.ChainNew
	if n := len(parts); n >= 3 && isDigits(parts[n-1]) {
		switch parts[n-2] {
		case modifyTag:
			kind = domain.ChainModify
			parts = parts[:n-2]
		case cancelTag:
			kind = domain.ChainCancel
			parts = parts[:n-2]
		}
	}

	for _, p := range parts {
		if p == "" {
			return "", "", false
		}
	}

	return strings.Join(parts, "-"), kind, true
}

// Kind classifies a client order id by its shape alone
func (g *Generator) Kind(clOrdID string) domain.ChainKind {
	_, kind, ok := g.Extract(clOrdID)
	if !ok {
		return domain.ChainNew
	}
	return kind
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
