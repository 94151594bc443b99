// Package ingest consumes detector output from Kafka and routes per-frame
// envelopes into the session manager. Frames for unknown or backlogged
// sessions are dropped, never queued unboundedly.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/safesite-data/sitewatch/internal/monitoring"
	"github.com/safesite-data/sitewatch/internal/session"
)

// Envelope is the wire format of one frame on the detection topic.
type Envelope struct {
	SessionID string `json:"session_id"`
	session.FrameInput
}

// Config holds the Kafka consumer configuration, read from the
// environment.
type Config struct {
	BootstrapServers string
	GroupID          string
	Topic            string
	SecurityProtocol string
	SASLMechanism    string
	SASLUsername     string
	SASLPassword     string
	PollTimeout      time.Duration
}

// ConfigFromEnv builds a Config from KAFKA_* environment variables.
func ConfigFromEnv() Config {
	return Config{
		BootstrapServers: getEnv("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092"),
		GroupID:          getEnv("KAFKA_GROUP_ID", "sitewatch-tracker"),
		Topic:            getEnv("KAFKA_TOPIC", "frame-detections"),
		SecurityProtocol: getEnv("KAFKA_SECURITY_PROTOCOL", ""),
		SASLMechanism:    getEnv("KAFKA_SASL_MECHANISM", ""),
		SASLUsername:     getEnv("KAFKA_SASL_USERNAME", ""),
		SASLPassword:     getEnv("KAFKA_SASL_PASSWORD", ""),
		PollTimeout:      time.Duration(getEnvInt("KAFKA_POLL_TIMEOUT_MS", 250)) * time.Millisecond,
	}
}

// Enabled reports whether ingest should start at all: an explicitly set
// bootstrap server list opts in.
func Enabled() bool {
	return os.Getenv("KAFKA_BOOTSTRAP_SERVERS") != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var n int
		if _, err := fmt.Sscanf(value, "%d", &n); err == nil {
			return n
		}
	}
	return defaultValue
}

// Consumer pulls frame envelopes off the detection topic.
type Consumer struct {
	cfg      Config
	consumer *kafka.Consumer
	manager  *session.Manager

	malformed atomic.Int64
	unknown   atomic.Int64
}

// NewConsumer connects to Kafka and subscribes to the detection topic.
func NewConsumer(cfg Config, manager *session.Manager) (*Consumer, error) {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":  cfg.BootstrapServers,
		"group.id":           cfg.GroupID,
		"auto.offset.reset":  "latest",
		"enable.auto.commit": true,
	}
	if cfg.SecurityProtocol != "" {
		_ = cm.SetKey("security.protocol", cfg.SecurityProtocol)
		_ = cm.SetKey("sasl.mechanism", cfg.SASLMechanism)
		_ = cm.SetKey("sasl.username", cfg.SASLUsername)
		_ = cm.SetKey("sasl.password", cfg.SASLPassword)
	}

	c, err := kafka.NewConsumer(cm)
	if err != nil {
		return nil, fmt.Errorf("ingest: create consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{cfg.Topic}, nil); err != nil {
		c.Close()
		return nil, fmt.Errorf("ingest: subscribe %q: %w", cfg.Topic, err)
	}
	monitoring.Logf("ingest: consuming %s from %s", cfg.Topic, cfg.BootstrapServers)
	return &Consumer{cfg: cfg, consumer: c, manager: manager}, nil
}

// Run polls until the context is cancelled. Malformed messages and frames
// for unknown sessions are counted and skipped so one bad producer cannot
// stall the stream.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := c.consumer.ReadMessage(c.cfg.PollTimeout)
		if err != nil {
			var kerr kafka.Error
			if errors.As(err, &kerr) && kerr.IsTimeout() {
				continue
			}
			return fmt.Errorf("ingest: read: %w", err)
		}

		var env Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			if n := c.malformed.Add(1); n == 1 || n%100 == 0 {
				monitoring.Logf("ingest: %d malformed envelopes (last: %v)", n, err)
			}
			continue
		}
		if env.SessionID == "" {
			c.malformed.Add(1)
			continue
		}

		if err := c.manager.Submit(env.SessionID, env.FrameInput); err != nil {
			if n := c.unknown.Add(1); n == 1 || n%100 == 0 {
				monitoring.Logf("ingest: %d frames for unknown or closed sessions", n)
			}
		}
	}
}

// Stats returns the malformed and unknown-session counters.
func (c *Consumer) Stats() (malformed, unknown int64) {
	return c.malformed.Load(), c.unknown.Load()
}

// Close shuts the underlying Kafka consumer down.
func (c *Consumer) Close() error {
	return c.consumer.Close()
}
