package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/fix-order-router/internal/domain"
	"github.com/ismaiel54/fix-order-router/internal/logging"
	"github.com/ismaiel54/fix-order-router/internal/msg"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	var (
		count     = flag.Int("count", 50, "Number of commands to produce")
		dupPct    = flag.Int("dup-pct", 30, "Percentage of redelivered new commands (0-100)")
		cancelPct = flag.Int("cancel-pct", 10, "Percentage of cancel commands (0-100)")
		users     = flag.Int("users", 5, "Number of distinct users")
		symbol    = flag.String("symbol", "PRES-2028", "Contract symbol")
		seed      = flag.Int64("seed", 42, "Random seed for deterministic generation")
		brokers   = flag.String("brokers", "127.0.0.1:9092", "Kafka broker addresses")
		topic     = flag.String("topic", msg.TopicOrdersCommands, "Topic to produce to")
	)
	flag.Parse()

	logger, err := logging.NewLogger("order-producer", "info")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	brokerList := msg.SplitBrokers(*brokers)
	logger.Info("starting producer",
		zap.Int("count", *count),
		zap.Int("dup_pct", *dupPct),
		zap.Int("cancel_pct", *cancelPct),
		zap.Int64("seed", *seed),
		zap.Strings("brokers", brokerList),
		zap.String("topic", *topic),
	)

	producer, err := msg.NewProducer(&msg.Config{Brokers: brokerList, ClientID: "order-producer"}, logger)
	if err != nil {
		logger.Fatal("failed to create producer", zap.Error(err))
	}
	defer producer.Close()

	// Deterministic RNG so a run can be replayed
	rng := rand.New(rand.NewSource(*seed))

	commands := make([]msg.OrderCommandMsg, 0, *count)
	requests := make(map[string]domain.OrderRequest)
	var orderIDs []string
	dupCount, cancelCount := 0, 0

	for i := 0; i < *count; i++ {
		now := time.Now().UnixMilli()
		roll := rng.Intn(100)

		switch {
		case roll < *cancelPct && len(orderIDs) > 0:
			orderID := orderIDs[rng.Intn(len(orderIDs))]
			commands = append(commands, msg.OrderCommandMsg{
				EventID:      uuid.New().String(),
				Type:         msg.CommandCancel,
				OrderID:      orderID,
				TsUnixMillis: now,
			})
			cancelCount++

		case roll < *cancelPct+*dupPct && len(orderIDs) > 0:
			// a redelivered new command carries the original request
			orderID := orderIDs[rng.Intn(len(orderIDs))]
			req := requests[orderID]
			commands = append(commands, msg.OrderCommandMsg{
				EventID:      uuid.New().String(),
				Type:         msg.CommandNew,
				OrderID:      orderID,
				Request:      &req,
				TsUnixMillis: now,
			})
			dupCount++

		default:
			orderID := fmt.Sprintf("ord-%d-%d", *seed, len(orderIDs))
			req := randomRequest(rng, orderID, *symbol, *users)
			requests[orderID] = req
			orderIDs = append(orderIDs, orderID)
			commands = append(commands, msg.OrderCommandMsg{
				EventID:      uuid.New().String(),
				Type:         msg.CommandNew,
				OrderID:      orderID,
				Request:      &req,
				TsUnixMillis: now,
			})
		}
	}

	ctx := context.Background()
	produced := 0
	failed := 0

	for _, cmd := range commands {
		if err := producer.ProduceJSON(ctx, *topic, cmd.OrderID, cmd); err != nil {
			logger.Error("failed to produce command",
				zap.String("order_id", cmd.OrderID),
				zap.String("type", cmd.Type),
				zap.Error(err),
			)
			failed++
			continue
		}

		produced++
		logger.Debug("produced command",
			zap.String("order_id", cmd.OrderID),
			zap.String("event_id", cmd.EventID),
			zap.String("type", cmd.Type),
		)
	}

	logger.Info("producer completed",
		zap.Int("total", *count),
		zap.Int("produced", produced),
		zap.Int("failed", failed),
		zap.Int("unique_orders", len(orderIDs)),
		zap.Int("duplicates", dupCount),
		zap.Int("cancels", cancelCount),
	)

	fmt.Printf("\n=== Producer Summary ===\n")
	fmt.Printf("Total commands: %d\n", *count)
	fmt.Printf("Produced: %d\n", produced)
	fmt.Printf("Failed: %d\n", failed)
	fmt.Printf("Unique order IDs: %d\n", len(orderIDs))
	fmt.Printf("Redelivered new commands: %d\n", dupCount)
	fmt.Printf("Cancel commands: %d\n", cancelCount)
	fmt.Printf("Topic: %s\n", *topic)
	fmt.Printf("\n")

	if failed > 0 {
		os.Exit(1)
	}
}

func randomRequest(rng *rand.Rand, orderID, symbol string, users int) domain.OrderRequest {
	if users <= 0 {
		users = 1
	}
	req := domain.OrderRequest{
		OrderID:     orderID,
		Symbol:      symbol,
		Side:        domain.SideBuy,
		Quantity:    decimal.NewFromInt(int64(1 + rng.Intn(10))),
		OrderType:   domain.OrderTypeLimit,
		TimeInForce: domain.TimeInForceGTC,
		UserID:      fmt.Sprintf("user-%d", rng.Intn(users)),
	}
	if rng.Intn(4) == 0 {
		req.Side = domain.SideSell
	}
	if rng.Intn(5) == 0 {
		req.OrderType = domain.OrderTypeMarket
		req.TimeInForce = domain.TimeInForceIOC
		return req
	}
	price := decimal.NewFromInt(int64(1 + rng.Intn(99)))
	req.Price = &price
	return req
}
