// Package events publishes evaluation lifecycle events to NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// StreamEvaluations captures every subject under eval.>.
const StreamEvaluations = "EVALUATIONS"

const (
	SubjectRunStarted   = "eval.run.started"
	SubjectRunCompleted = "eval.run.completed"
	SubjectRunFinished  = "eval.run.finished"
)

// dedupWindow bounds how long JetStream remembers message IDs.
const dedupWindow = 2 * time.Minute

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("nats client closed")

type NATSConfig struct {
	URL            string
	ClientName     string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		ClientName:     "legal-rag-eval",
		MaxReconnects:  5,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// deduplicated is implemented by events carrying a stable ID; JetStream
// drops a republish of the same ID inside dedupWindow.
type deduplicated interface {
	MsgID() string
}

type session struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// NATSClient publishes JSON events with JetStream acknowledgement.
type NATSClient struct {
	cur atomic.Pointer[session]
	log *slog.Logger
}

// NewNATSClient dials cfg.URL and opens a JetStream context.
func NewNATSClient(cfg NATSConfig, logger *slog.Logger) (*NATSClient, error) {
	if logger == nil {
		logger = slog.Default()
	}
	log := logger.With("component", "nats")

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open JetStream: %w", err)
	}

	c := &NATSClient{log: log}
	c.cur.Store(&session{conn: conn, js: js})
	log.Info("connected to NATS", "url", conn.ConnectedUrl())
	return c, nil
}

// EvaluationStreamConfig keeps a month of run events on disk.
func EvaluationStreamConfig() nats.StreamConfig {
	return nats.StreamConfig{
		Name:        StreamEvaluations,
		Description: "Legal RAG retrieval evaluation events",
		Subjects:    []string{"eval.>"},
		Storage:     nats.FileStorage,
		Retention:   nats.LimitsPolicy,
		Discard:     nats.DiscardOld,
		MaxAge:      30 * 24 * time.Hour,
		MaxMsgs:     -1,
		MaxBytes:    -1,
		Duplicates:  dedupWindow,
		Replicas:    1,
	}
}

// SetupStream creates the EVALUATIONS stream, or brings an existing one in
// line with EvaluationStreamConfig.
func (c *NATSClient) SetupStream(ctx context.Context) error {
	s := c.cur.Load()
	if s == nil {
		return ErrClosed
	}
	want := EvaluationStreamConfig()

	if _, err := s.js.AddStream(&want, nats.Context(ctx)); err == nil {
		c.log.Info("created stream", "stream", want.Name)
		return nil
	} else if !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
		return fmt.Errorf("failed to create stream %s: %w", want.Name, err)
	}

	if _, err := s.js.UpdateStream(&want, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to update stream %s: %w", want.Name, err)
	}
	return nil
}

// Publish marshals event and waits for the stream acknowledgement.
func (c *NATSClient) Publish(ctx context.Context, subject string, event any) error {
	s := c.cur.Load()
	if s == nil {
		return ErrClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", subject, err)
	}

	opts := []nats.PubOpt{nats.Context(ctx)}
	if d, ok := event.(deduplicated); ok && d.MsgID() != "" {
		opts = append(opts, nats.MsgId(d.MsgID()))
	}

	ack, err := s.js.Publish(subject, data, opts...)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	c.log.Debug("published", "subject", subject, "seq", ack.Sequence, "duplicate", ack.Duplicate)
	return nil
}

func (c *NATSClient) IsConnected() bool {
	s := c.cur.Load()
	return s != nil && s.conn.IsConnected()
}

// Close drains pending publishes. It is safe to call more than once.
func (c *NATSClient) Close() error {
	s := c.cur.Swap(nil)
	if s == nil {
		return nil
	}
	if err := s.conn.Drain(); err != nil {
		s.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
