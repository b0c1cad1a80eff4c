package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/apptbook/libs/db"
	"github.com/md-rashed-zaman/apptbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/apptbook/libs/otel"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher relays outbox rows to Kafka at least once. A batch that fails to publish is
// retried with exponential backoff; published rows are pruned after Retention.
type Publisher struct {
	pool       *db.Pool
	repo       *Repository
	logger     *slog.Logger
	writer     MessageWriter
	pollEvery  time.Duration
	batchSize  int
	backoff    time.Duration
	retention  time.Duration
	pruneEvery time.Duration
	now        func() time.Time
}

type PublisherConfig struct {
	Brokers   string
	PollEvery time.Duration
	BatchSize int
	// Backoff is the delay after the first failed attempt; it doubles per attempt up to maxBackoff.
	Backoff   time.Duration
	Retention time.Duration
}

const maxBackoff = 5 * time.Minute

// NewPublisher returns a publisher for the configured brokers. Without brokers Run logs a
// warning and returns, leaving events in the table.
func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 5 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	p := &Publisher{
		pool:       pool,
		repo:       repo,
		logger:     logger,
		pollEvery:  cfg.PollEvery,
		batchSize:  cfg.BatchSize,
		backoff:    cfg.Backoff,
		retention:  cfg.Retention,
		pruneEvery: time.Hour,
		now:        time.Now,
	}
	if brokers := kafkax.SplitBrokers(cfg.Brokers); len(brokers) > 0 {
		p.writer = kafkax.NewWriter(brokers)
	}
	return p
}

func (p *Publisher) Run(ctx context.Context) {
	if p.writer == nil {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}
	defer p.writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()
	var lastPrune time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.publishBatch(ctx); err != nil {
				p.logger.Error("outbox publish failed", "err", err)
			} else if n > 0 {
				p.logger.Debug("outbox batch published", "count", n)
			}
			if p.now().Sub(lastPrune) >= p.pruneEvery {
				lastPrune = p.now()
				p.prune(ctx)
			}
		}
	}
}

// publishBatch sends one batch and returns how many rows were published. A Kafka failure
// is committed as a failed attempt and also returned.
func (p *Publisher) publishBatch(ctx context.Context) (int, error) {
	var published int
	var writeErr error
	err := p.pool.InTx(ctx, func(tx pgx.Tx) error {
		records, err := p.repo.Claim(ctx, tx, p.batchSize, p.now())
		if err != nil || len(records) == 0 {
			return err
		}
		ids := make([]int64, 0, len(records))
		attempts := 0
		for _, r := range records {
			ids = append(ids, r.ID)
			attempts = max(attempts, r.Attempts)
		}
		if writeErr = p.writer.WriteMessages(ctx, Messages(ctx, records)...); writeErr != nil {
			return p.repo.MarkFailed(ctx, tx, ids, writeErr.Error(), p.now().Add(RetryDelay(attempts+1, p.backoff)))
		}
		published = len(records)
		return p.repo.MarkPublished(ctx, tx, ids)
	})
	if err != nil {
		return 0, err
	}
	return published, writeErr
}

func (p *Publisher) prune(ctx context.Context) {
	var n int64
	err := p.pool.InTx(ctx, func(tx pgx.Tx) error {
		var err error
		n, err = p.repo.Prune(ctx, tx, p.now().Add(-p.retention))
		return err
	})
	if err != nil {
		p.logger.Warn("outbox prune failed", "err", err)
		return
	}
	if n > 0 {
		p.logger.Info("outbox pruned", "deleted", n)
	}
}

// RetryDelay is base doubled for every attempt after the first, capped at five minutes.
func RetryDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}

// Messages converts outbox rows into Kafka messages keyed by aggregate id, restoring the
// trace context captured when each row was written.
func Messages(ctx context.Context, records []Record) []kafka.Message {
	msgs := make([]kafka.Message, 0, len(records))
	for _, r := range records {
		msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
		msg := kafka.Message{
			Topic: r.EventType,
			Key:   []byte(r.AggregateID),
			Value: r.Payload,
			Headers: []kafka.Header{
				{Key: kafkax.HeaderEventID, Value: []byte(r.EventID)},
				{Key: kafkax.HeaderEventType, Value: []byte(r.EventType)},
			},
		}
		msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
		msgs = append(msgs, msg)
	}
	return msgs
}
