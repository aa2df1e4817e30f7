package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ismaiel54/fix-order-router/internal/chaos"
	"github.com/ismaiel54/fix-order-router/internal/clordid"
	"github.com/ismaiel54/fix-order-router/internal/cluster"
	"github.com/ismaiel54/fix-order-router/internal/config"
	"github.com/ismaiel54/fix-order-router/internal/engine"
	"github.com/ismaiel54/fix-order-router/internal/enrich"
	"github.com/ismaiel54/fix-order-router/internal/fix"
	"github.com/ismaiel54/fix-order-router/internal/gateway"
	"github.com/ismaiel54/fix-order-router/internal/journal"
	"github.com/ismaiel54/fix-order-router/internal/logging"
	"github.com/ismaiel54/fix-order-router/internal/msg"
	"github.com/ismaiel54/fix-order-router/internal/observability"
	"github.com/ismaiel54/fix-order-router/internal/rpc/node"
	"github.com/ismaiel54/fix-order-router/internal/saga"
	"github.com/ismaiel54/fix-order-router/internal/sharding"
	"github.com/ismaiel54/fix-order-router/internal/wallet"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig("order-router")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger = logger.With(zap.String("node_id", cfg.NodeID))

	logger.Info("starting order-router",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("fix_addr", cfg.FIXAddr),
		zap.String("data_dir", cfg.DataDir),
	)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Journal for order, saga and position entities
	dbPath := filepath.Join(cfg.DataDir, "journal.db")
	store, err := journal.Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open journal", zap.Error(err))
	}
	defer store.Close()
	logger.Info("journal opened", zap.String("path", dbPath))

	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker(logger)
	injector := chaos.New(chaos.LoadConfig(), cfg.NodeID, logger)

	// Raft carries the wallet ledgers and elects the gateway owner
	clusterCfg, err := cluster.LoadConfig(cfg.NodeID, cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to load cluster config", zap.Error(err))
	}
	leadershipCh := make(chan bool, 1)
	fsm := wallet.NewFSM()
	raftNode, err := cluster.Start(context.Background(), clusterCfg, fsm, cluster.Options{
		OnLeadership: func(isLeader bool) {
			// keep only the latest role so the monitor never blocks
			select {
			case <-leadershipCh:
			default:
			}
			leadershipCh <- isLeader
		},
		ExitOnLeader: injector.ExitOnLeader(),
	}, logger)
	if err != nil {
		logger.Fatal("failed to start raft node", zap.Error(err))
	}
	defer raftNode.Shutdown()

	// Clients for every other node
	peers := make(map[string]node.Handler)
	for _, p := range clusterCfg.Peers {
		if p.ID == cfg.NodeID {
			continue
		}
		client, err := node.Dial(p.GRPCAddr, logger)
		if err != nil {
			logger.Fatal("failed to dial peer", zap.String("peer", p.ID), zap.Error(err))
		}
		defer client.Close()
		peers[p.ID] = client
	}

	opening, omnibus := cfg.OpeningBalance, cfg.OmnibusBalance
	eng := engine.New(engine.Config{
		NodeID:         cfg.NodeID,
		OmnibusAccount: cfg.OmnibusAccount,
		StepTimeout:    cfg.StepTimeout,
		FillWait:       cfg.FillWait,
		Limits: saga.Limits{
			MaxOrderNotional: cfg.MaxOrderNotional,
			MaxUserRisk:      cfg.MaxUserRisk,
		},
		SnapshotEvery: cfg.SnapshotEvery,
		Region:        sharding.Options{PassivateAfter: cfg.PassivateAfter},
	}, engine.Deps{
		Store:          store,
		Ring:           sharding.NewRing(clusterCfg.PeerIDs(), sharding.DefaultVirtualNodes),
		Leadership:     raftNode,
		Peers:          peers,
		FSM:            fsm,
		Applier:        raftNode,
		OpeningBalance: &opening,
		OmnibusBalance: &omnibus,
		Metrics:        metrics,
		Logger:         logger,
	})
	defer eng.Close()

	// Kafka producer for downstream topics and protocol errors
	kafkaCfg := msg.LoadConfig()
	producer, err := msg.NewProducer(kafkaCfg, logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()

	publisher := journal.NewPublisher(store, producer, logger).WithCounter(metrics.OutboxPublished)

	// Exchange gateway, started only on the leader
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()
	corr := clordid.NewCorrelator(rdb, clordid.NewGenerator(cfg.ClOrdIDPrefix), clordid.Options{PendingTTL: cfg.PendingTTL}, logger)

	var window gateway.MaintenanceWindow
	if cfg.MaintStart != "" && cfg.MaintEnd != "" {
		window, err = gateway.ParseMaintenanceWindow(cfg.MaintStart, cfg.MaintEnd, cfg.MaintTZ)
		if err != nil {
			logger.Fatal("invalid maintenance window", zap.Error(err))
		}
	}

	gw := gateway.New(gateway.Config{
		Session: fix.SessionConfig{
			Addr:         cfg.FIXAddr,
			SenderCompID: cfg.FIXSenderCompID,
			TargetCompID: cfg.FIXTargetCompID,
			HeartBtInt:   cfg.HeartBtInt(),
		},
		OmnibusAccount: cfg.OmnibusAccount,
		Monitor: gateway.MonitorOptions{
			Interval:          cfg.MonitorInterval,
			RepublishInterval: cfg.RepublishInterval,
			Window:            window,
		},
	}, gateway.Deps{
		Correlator: corr,
		Enricher:   enrich.New(corr, corr.Generator(), logger),
		Dispatcher: eng,
		Reporter:   gateway.NewReporter(producer, metrics.ProtocolErrors, logger),
		Metrics:    metrics,
		Chaos:      injector,
		Logger:     logger,
	})
	eng.AttachGateway(gw)
	healthChecker.SetGatewayCheck(func() bool {
		return !raftNode.IsLeader() || gw.Ready()
	})

	// Kafka consumer for order commands
	consumer, err := msg.NewConsumer(kafkaCfg, "order-router-v1", []string{msg.TopicOrdersCommands}, logger)
	if err != nil {
		logger.Fatal("failed to create kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	// Create gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(node.LoggingInterceptor(logger)))
	healthChecker.RegisterGRPC(grpcServer)
	node.Register(grpcServer, eng.Local())

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	// Start HTTP health and metrics server
	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr(), metrics); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case isLeader := <-leadershipCh:
				eng.OnLeadership(isLeader)
			}
		}
	}()

	engineErrCh := make(chan error, 1)
	go func() {
		if err := eng.Run(runCtx); err != nil && err != context.Canceled {
			engineErrCh <- err
		}
	}()

	// Unfinished workflows continue once a leader can serve the wallets
	go func() {
		waitCtx, waitCancel := context.WithTimeout(runCtx, time.Minute)
		defer waitCancel()
		if _, err := raftNode.WaitForLeader(waitCtx); err != nil {
			logger.Warn("no leader before resuming workflows", zap.Error(err))
		}
		if _, err := eng.ResumeWorkflows(runCtx); err != nil {
			logger.Error("failed to resume workflows", zap.Error(err))
		}
	}()

	consumerErrCh := make(chan error, 1)
	go func() {
		if err := consumer.Run(runCtx, eng.HandleCommand); err != nil && err != context.Canceled {
			consumerErrCh <- err
		}
	}()

	publisherErrCh := make(chan error, 1)
	go func() {
		if err := publisher.Run(runCtx); err != nil && err != context.Canceled {
			publisherErrCh <- err
		}
	}()

	// Wait for consumer to start
	time.Sleep(1 * time.Second)
	if consumer.IsRunning() {
		healthChecker.SetKafkaReady(true)
	} else {
		logger.Warn("consumer not running yet")
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-engineErrCh:
		logger.Error("engine error", zap.Error(err))
	case err := <-consumerErrCh:
		logger.Error("consumer error", zap.Error(err))
	case err := <-publisherErrCh:
		logger.Error("publisher error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()
	eng.Close()

	logger.Info("order-router stopped")
}
