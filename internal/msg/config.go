package msg

import (
	"os"
	"strings"
)

// Config holds Kafka configuration
type Config struct {
	Brokers  []string
	ClientID string
}

// Topic names
const (
	TopicOrdersCommands    = "orders.commands"
	TopicOrderSubmitted    = "order-submitted"
	TopicExecutionReceived = "execution-received"
	TopicProtocolError     = "protocol-error"
)

// LoadConfig loads Kafka configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Brokers:  SplitBrokers(getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092")),
		ClientID: getEnvAsString("KAFKA_CLIENT_ID", "fix-order-router"),
	}
}

// SplitBrokers parses a comma-separated broker list
func SplitBrokers(s string) []string {
	brokers := strings.Split(s, ",")
	out := brokers[:0]
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
