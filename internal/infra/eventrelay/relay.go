package eventrelay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// Writer is the subset of *kafka.Writer used by the relay.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source yields events. *service.EventBus satisfies it.
type Source interface {
	Subscribe(buffer int) (<-chan domain.Event, func())
}

// Config configures the relay.
type Config struct {
	Enabled      bool          `koanf:"enabled"`
	Brokers      []string      `koanf:"brokers"`
	Topic        string        `koanf:"topic"`
	BatchSize    int           `koanf:"batch_size"`
	BatchTimeout time.Duration `koanf:"batch_timeout"`
	Buffer       int           `koanf:"buffer"`
}

// DefaultConfig returns a disabled relay configuration.
func DefaultConfig() Config {
	return Config{
		Brokers:      []string{"localhost:9092"},
		Topic:        "chatmesh.events",
		BatchSize:    100,
		BatchTimeout: time.Second,
		Buffer:       1024,
	}
}

// Relay copies events from a Source to Kafka in batches.
type Relay struct {
	cfg    Config
	writer Writer
	logger *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a relay writing to cfg.Brokers.
func New(cfg Config, logger *slog.Logger) (*Relay, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("eventrelay: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("eventrelay: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
	}
	return NewWithWriter(cfg, w, logger), nil
}

// NewWithWriter creates a relay around w.
func NewWithWriter(cfg Config, w Writer, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	return &Relay{cfg: cfg, writer: w, logger: logger.With("component", "eventrelay")}
}

// Run subscribes to src and forwards events until ctx is done, then
// flushes the pending batch and closes the writer.
func (r *Relay) Run(ctx context.Context, src Source) error {
	events, cancel := src.Subscribe(r.cfg.Buffer)
	defer cancel()

	ticker := time.NewTicker(r.cfg.BatchTimeout)
	defer ticker.Stop()

	batch := make([]kafka.Message, 0, r.cfg.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := r.writer.WriteMessages(ctx, batch...); err != nil {
			r.failed.Add(uint64(len(batch)))
			r.logger.Error("kafka write failed", "events", len(batch), "error", err)
		} else {
			r.published.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	r.logger.Info("event relay started", "topic", r.cfg.Topic)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				flush(context.Background())
				return r.writer.Close()
			}
			msg, err := encode(ev)
			if err != nil {
				r.failed.Add(1)
				r.logger.Warn("dropping unencodable event", "event_id", ev.ID, "type", ev.Type, "error", err)
				continue
			}
			batch = append(batch, msg)
			if len(batch) >= r.cfg.BatchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)

		case <-ctx.Done():
			flushCtx, cancelFlush := context.WithTimeout(context.Background(), 5*time.Second)
			flush(flushCtx)
			cancelFlush()
			r.logger.Info("event relay stopped",
				"published", r.published.Load(),
				"failed", r.failed.Load())
			return r.writer.Close()
		}
	}
}

// Published returns the number of events written to Kafka.
func (r *Relay) Published() uint64 { return r.published.Load() }

// Failed returns the number of events that could not be written.
func (r *Relay) Failed() uint64 { return r.failed.Load() }

// encode keys the message by room, or by the first affected user, so that
// related events land on one partition in order.
func encode(ev domain.Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}

	var key string
	switch {
	case ev.RoomID != 0:
		key = "room:" + strconv.FormatUint(uint64(ev.RoomID), 10)
	case len(ev.UserIDs) > 0:
		key = "user:" + strconv.FormatUint(uint64(ev.UserIDs[0]), 10)
	default:
		key = ev.ID
	}

	return kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}
