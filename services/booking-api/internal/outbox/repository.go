package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	otelx "github.com/md-rashed-zaman/apptbook/libs/otel"
)

const maxErrorLen = 500

// Repository reads and writes outbox_events rows. Every method runs on the caller's
// transaction, so an event is stored if and only if the state change that produced it commits.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

// Insert stores evt with a fresh event id and the trace context of ctx.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), evt.AggregateType, evt.AggregateID, evt.EventType, evt.Payload, traceparent, tracestate)
	return err
}

// Record is a stored outbox row.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
	Traceparent   string
	Tracestate    string
	Attempts      int
	CreatedAt     time.Time
}

// Claim locks up to limit unpublished rows that are due at now, oldest first. Rows locked
// by another publisher are skipped.
func (r *Repository) Claim(ctx context.Context, tx pgx.Tx, limit int, now time.Time) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT id, event_id::text, aggregate_type, aggregate_id, event_type, payload,
			traceparent, tracestate, attempts, created_at
		FROM outbox_events
		WHERE published_at IS NULL AND next_attempt_at <= $2
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit, now)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var rec Record
		err := row.Scan(&rec.ID, &rec.EventID, &rec.AggregateType, &rec.AggregateID, &rec.EventType,
			&rec.Payload, &rec.Traceparent, &rec.Tracestate, &rec.Attempts, &rec.CreatedAt)
		return rec, err
	})
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET published_at = now(), last_error = ''
		WHERE id = ANY($1)
	`, ids)
	return err
}

// MarkFailed records a failed publish attempt and holds the rows back until retryAt.
func (r *Repository) MarkFailed(ctx context.Context, tx pgx.Tx, ids []int64, cause string, retryAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	if len(cause) > maxErrorLen {
		cause = cause[:maxErrorLen]
	}
	_, err := tx.Exec(ctx, `
		UPDATE outbox_events
		SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = ANY($1)
	`, ids, cause, retryAt)
	return err
}

// Prune deletes rows published before cutoff and returns how many were removed.
func (r *Repository) Prune(ctx context.Context, tx pgx.Tx, cutoff time.Time) (int64, error) {
	tag, err := tx.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE published_at IS NOT NULL AND published_at < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
