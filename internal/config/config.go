package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds configuration for all services
type Config struct {
	// Service name
	ServiceName string

	// Node id within the cluster
	NodeID string

	// gRPC server port
	GRPCPort int

	// HTTP server port
	HTTPPort int

	// Log level: debug, info, warn, error
	LogLevel string

	// Kafka brokers (comma-separated)
	KafkaBrokers string

	// Redis address of the client order id store
	RedisAddr string

	// Directory for the journal and raft state
	DataDir string

	// Exchange session
	FIXAddr          string
	FIXSenderCompID  string
	FIXTargetCompID  string
	FIXHeartbeatSecs int

	// Client order id store
	ClOrdIDPrefix string
	PendingTTL    time.Duration

	// Workflow and risk
	StepTimeout      time.Duration
	FillWait         time.Duration
	MaxOrderNotional decimal.Decimal
	MaxUserRisk      decimal.Decimal
	OpeningBalance   decimal.Decimal
	OmnibusAccount   string
	OmnibusBalance   decimal.Decimal

	// Session monitor
	MaintStart        string
	MaintEnd          string
	MaintTZ           string
	MonitorInterval   time.Duration
	RepublishInterval time.Duration

	// Entities
	PassivateAfter time.Duration
	SnapshotEvery  int
}

// LoadConfig loads configuration from environment variables with defaults
func LoadConfig(serviceName string) *Config {
	cfg := &Config{
		ServiceName:       serviceName,
		NodeID:            getEnvAsString("NODE_ID", "node-1"),
		GRPCPort:          getEnvAsInt("PORT_GRPC", 50051),
		HTTPPort:          getEnvAsInt("PORT_HTTP", 8080),
		LogLevel:          getEnvAsString("LOG_LEVEL", "info"),
		KafkaBrokers:      getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"),
		RedisAddr:         getEnvAsString("REDIS_ADDR", "127.0.0.1:6379"),
		DataDir:           getEnvAsString("DATA_DIR", "./data"),
		FIXAddr:           getEnvAsString("FIX_ADDR", "127.0.0.1:9878"),
		FIXSenderCompID:   getEnvAsString("FIX_SENDER_COMP_ID", "OMS"),
		FIXTargetCompID:   getEnvAsString("FIX_TARGET_COMP_ID", "EXCHANGE"),
		FIXHeartbeatSecs:  getEnvAsInt("FIX_HEARTBEAT_SECS", 30),
		ClOrdIDPrefix:     getEnvAsString("CLORDID_PREFIX", "OMS"),
		PendingTTL:        getEnvAsDuration("PENDING_TTL", time.Minute),
		StepTimeout:       getEnvAsDuration("STEP_TIMEOUT", 5*time.Second),
		FillWait:          getEnvAsDuration("FILL_WAIT", 0),
		MaxOrderNotional:  getEnvAsDecimal("MAX_ORDER_NOTIONAL", decimal.Zero),
		MaxUserRisk:       getEnvAsDecimal("MAX_USER_RISK", decimal.Zero),
		OpeningBalance:    getEnvAsDecimal("OPENING_BALANCE", decimal.NewFromInt(10000)),
		OmnibusAccount:    getEnvAsString("OMNIBUS_ACCOUNT", "omnibus"),
		OmnibusBalance:    getEnvAsDecimal("OMNIBUS_BALANCE", decimal.NewFromInt(1000000)),
		MaintStart:        getEnvAsString("MAINT_START", ""),
		MaintEnd:          getEnvAsString("MAINT_END", ""),
		MaintTZ:           getEnvAsString("MAINT_TZ", "UTC"),
		MonitorInterval:   getEnvAsDuration("MONITOR_INTERVAL", 10*time.Second),
		RepublishInterval: getEnvAsDuration("REPUBLISH_INTERVAL", time.Minute),
		PassivateAfter:    getEnvAsDuration("PASSIVATE_AFTER", 2*time.Minute),
		SnapshotEvery:     getEnvAsInt("SNAPSHOT_EVERY", 100),
	}

	return cfg
}

// GRPCAddr returns the gRPC server address
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// HeartBtInt returns the session heartbeat interval
func (c *Config) HeartBtInt() time.Duration {
	return time.Duration(c.FIXHeartbeatSecs) * time.Second
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go durations ("5s") or plain seconds ("5")
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
