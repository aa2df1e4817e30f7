package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/logging"
	"github.com/ismaiel54/fix-order-router/internal/msg"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type orderTrack struct {
	events  int
	cum     decimal.Decimal
	execIDs map[string]struct{}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <duration_seconds> [brokers]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Example: %s 30 127.0.0.1:9092\n", os.Args[0])
		os.Exit(1)
	}

	var durationSeconds int
	if _, err := fmt.Sscanf(os.Args[1], "%d", &durationSeconds); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid duration: %v\n", err)
		os.Exit(1)
	}

	brokers := "127.0.0.1:9092"
	if len(os.Args) >= 3 {
		brokers = os.Args[2]
	}

	logger, err := logging.NewLogger("verifier", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := msg.SplitBrokers(brokers)
	logger.Info("starting verifier",
		zap.Int("duration_seconds", durationSeconds),
		zap.Strings("brokers", brokerList),
	)

	consumer, err := msg.NewConsumer(&msg.Config{Brokers: brokerList, ClientID: "verifier"},
		"verifier-v1", []string{msg.TopicExecutionReceived}, logger)
	if err != nil {
		logger.Fatal("failed to create consumer", zap.Error(err))
	}
	defer consumer.Close()

	orders := make(map[string]*orderTrack)
	var violations []string
	duplicates := 0

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(durationSeconds)*time.Second)
	defer cancel()

	err = consumer.Run(ctx, func(ctx context.Context, rec msg.Record) error {
		var event msg.ExecutionReceivedMsg
		if err := json.Unmarshal(rec.Value, &event); err != nil {
			logger.Warn("failed to unmarshal event", zap.Error(err))
			return nil
		}

		t, ok := orders[event.OrderID]
		if !ok {
			t = &orderTrack{execIDs: make(map[string]struct{})}
			orders[event.OrderID] = t
		}
		t.events++

		ev := event.Execution
		// the outbox is at least once: a republished event repeats its exec id
		if _, seen := t.execIDs[ev.ExecID]; seen && ev.ExecID != "" {
			duplicates++
			return nil
		}
		t.execIDs[ev.ExecID] = struct{}{}

		if ev.CumQty.LessThan(t.cum) {
			violations = append(violations, fmt.Sprintf("%s: cum_qty %s after %s (exec %s)",
				event.OrderID, ev.CumQty, t.cum, ev.ExecID))
		} else {
			t.cum = ev.CumQty
		}
		if ev.LeavesQty.IsNegative() {
			violations = append(violations, fmt.Sprintf("%s: negative leaves_qty %s (exec %s)",
				event.OrderID, ev.LeavesQty, ev.ExecID))
		}

		logger.Debug("consumed execution",
			zap.String("order_id", event.OrderID),
			zap.String("exec_id", ev.ExecID),
			zap.String("status", string(event.Status)),
			zap.String("cum_qty", ev.CumQty.String()),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
		)
		return nil
	})

	if err != nil && err != context.DeadlineExceeded {
		logger.Error("consumer error", zap.Error(err))
	}

	totalEvents := 0
	for _, t := range orders {
		totalEvents += t.events
	}

	fmt.Println("\n=== Verification Results ===")
	fmt.Printf("Total events consumed: %d\n", totalEvents)
	fmt.Printf("Orders seen: %d\n", len(orders))
	fmt.Printf("Republished events: %d\n", duplicates)
	fmt.Printf("Violations: %d\n", len(violations))

	if len(violations) > 0 {
		sort.Strings(violations)
		fmt.Println("\nViolations found:")
		for _, v := range violations {
			fmt.Printf("  %s\n", v)
		}
		fmt.Println("\n❌ VERIFICATION FAILED: cumulative quantities are not monotonic!")
		os.Exit(1)
	}

	fmt.Println("\n✅ VERIFICATION PASSED: cumulative quantities are monotonic!")
	os.Exit(0)
}
