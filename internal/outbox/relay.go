package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// NewProducer creates a synchronous Kafka producer that waits for all
// in-sync replicas.
func NewProducer(brokers []string) (sarama.SyncProducer, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(brokers, cfg)
}

// Relay hands NEW instructions to the bridge topic on a fixed interval.
type Relay struct {
	store      *Store
	producer   sarama.SyncProducer
	topic      string
	interval   time.Duration
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time

	// OnScan receives the NEW and FAILED counts after each pass.
	OnScan func(pending, failed int)
}

// NewRelay creates a relay. A nil logger uses slog.Default().
func NewRelay(store *Store, producer sarama.SyncProducer, topic string, interval time.Duration, maxRetries int, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:      store,
		producer:   producer,
		topic:      topic,
		interval:   interval,
		maxRetries: maxRetries,
		logger:     logger,
		now:        time.Now,
	}
}

// Start runs the relay in the background until ctx is cancelled. The
// returned channel is closed once any in-flight pass has returned.
func (r *Relay) Start(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.RunOnce(ctx)
			}
		}
	}()
	return done
}

// RunOnce relays every NEW instruction and returns how many were sent and
// how many attempts failed.
func (r *Relay) RunOnce(ctx context.Context) (sent, failed int) {
	var due []Record
	if err := r.store.ScanByState(StateNew, func(rec Record) error {
		due = append(due, rec)
		return ctx.Err()
	}); err != nil {
		r.logger.Error("outbox scan failed", "error", err)
		return 0, 0
	}

	for _, rec := range due {
		if ctx.Err() != nil {
			break
		}
		if err := r.send(rec); err != nil {
			failed++
			updated, markErr := r.store.MarkAttemptFailed(rec.Instruction.TradeID, r.now(), r.maxRetries)
			if markErr != nil {
				r.logger.Error("outbox update failed", "trade_id", rec.Instruction.TradeID, "error", markErr)
				continue
			}
			level := slog.LevelWarn
			if updated.State == StateFailed {
				level = slog.LevelError
			}
			r.logger.Log(ctx, level, "settlement relay failed",
				"trade_id", rec.Instruction.TradeID,
				"retries", updated.Retries,
				"state", updated.State.String(),
				"error", err,
			)
			continue
		}
		if err := r.store.MarkSent(rec.Instruction.TradeID, r.now()); err != nil {
			r.logger.Error("outbox update failed", "trade_id", rec.Instruction.TradeID, "error", err)
			continue
		}
		sent++
	}

	if r.OnScan != nil {
		pending, _ := r.store.Count(StateNew)
		dead, _ := r.store.Count(StateFailed)
		r.OnScan(pending, dead)
	}
	return sent, failed
}

func (r *Relay) send(rec Record) error {
	value, err := json.Marshal(rec.Instruction)
	if err != nil {
		return err
	}
	_, _, err = r.producer.SendMessage(&sarama.ProducerMessage{
		Topic: r.topic,
		Key:   sarama.StringEncoder(rec.Instruction.CreditTypeID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("trade-id"), Value: []byte(rec.Instruction.TradeID)},
		},
	})
	return err
}

// Close closes the producer.
func (r *Relay) Close() error {
	return r.producer.Close()
}
