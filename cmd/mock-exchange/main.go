package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/exchangesim"
	"github.com/ismaiel54/fix-order-router/internal/logging"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	var (
		addr          = flag.String("addr", "127.0.0.1:9878", "Address to accept sessions on")
		senderCompID  = flag.String("sender-comp-id", "EXCHANGE", "SenderCompID of the exchange")
		autoFill      = flag.Bool("auto-fill", true, "Fill every accepted order")
		fillChunk     = flag.String("fill-chunk", "0", "Quantity per auto fill (0 fills the whole order)")
		fillInterval  = flag.Duration("fill-interval", 200*time.Millisecond, "Delay between auto fills")
		marketPrice   = flag.String("market-price", "50", "Execution price for market orders")
		rejectSymbols = flag.String("reject-symbols", "", "Comma-separated symbols to reject")
		logLevel      = flag.String("log-level", "info", "Log level")
	)
	flag.Parse()

	logger, err := logging.NewLogger("mock-exchange", *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	chunk, err := decimal.NewFromString(*fillChunk)
	if err != nil {
		logger.Fatal("invalid fill chunk", zap.String("fill_chunk", *fillChunk), zap.Error(err))
	}
	price, err := decimal.NewFromString(*marketPrice)
	if err != nil {
		logger.Fatal("invalid market price", zap.String("market_price", *marketPrice), zap.Error(err))
	}

	var rejects []string
	for _, s := range strings.Split(*rejectSymbols, ",") {
		if s = strings.TrimSpace(s); s != "" {
			rejects = append(rejects, s)
		}
	}

	sim, err := exchangesim.New(*addr, exchangesim.Config{
		SenderCompID:  *senderCompID,
		AutoFill:      *autoFill,
		FillChunk:     chunk,
		FillInterval:  *fillInterval,
		MarketPrice:   price,
		RejectSymbols: rejects,
	}, logger)
	if err != nil {
		logger.Fatal("failed to start exchange", zap.Error(err))
	}

	logger.Info("mock exchange listening",
		zap.String("addr", sim.Addr()),
		zap.String("sender_comp_id", *senderCompID),
		zap.Bool("auto_fill", *autoFill),
		zap.Strings("reject_symbols", rejects),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := sim.Serve(ctx); err != nil && err != context.Canceled {
			serveErrCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-serveErrCh:
		logger.Error("exchange stopped", zap.Error(err))
	}

	cancel()
	logger.Info("mock exchange stopped")
}
