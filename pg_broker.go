package stepflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// PgBroker is a Postgres-backed topic queue with at-least-once delivery.
// Delivered messages are hidden behind a visibility timeout and become
// visible again unless deleted; the deliveries counter records redelivery.
//
// Because it shares the database with the ledger, a dispatcher running on a
// pgx.Tx gets an atomic insert+publish pair.
type PgBroker struct {
	conn Conn
}

// NewPgBroker creates a broker over the given connection.
func NewPgBroker(conn Conn) *PgBroker {
	return &PgBroker{conn: conn}
}

var (
	_ Broker        = (*PgBroker)(nil)
	_ MessageSource = (*PgBroker)(nil)
)

const messageColumns = `id, topic, payload, deliveries, created_at, deliver_at`

func (b *PgBroker) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	q := `INSERT INTO sf_messages (topic, payload) VALUES ($1, $2);`
	if _, err := execWithRetry(ctx, b.conn, q, topic, body); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Read claims up to quantity visible messages on the topic, hiding them for
// hideFor. Claimed rows are skipped by concurrent readers.
func (b *PgBroker) Read(ctx context.Context, topic string, quantity int, hideFor time.Duration) ([]QueueMessage, error) {
	q := `UPDATE sf_messages
		SET deliver_at = now() + $3::interval, deliveries = deliveries + 1
		WHERE id IN (
			SELECT id FROM sf_messages
			WHERE topic = $1 AND deliver_at <= now()
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + messageColumns + `;`

	rows, err := b.conn.Query(ctx, q, topic, quantity, hideFor)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanCollectibleMessage)
}

// ReadPoll reads messages with polling support: it retries Read at
// pollInterval until messages are available or pollFor has elapsed.
func (b *PgBroker) ReadPoll(ctx context.Context, topic string, quantity int, hideFor, pollFor, pollInterval time.Duration) ([]QueueMessage, error) {
	return readPoll(ctx, func(ctx context.Context) ([]QueueMessage, error) {
		return b.Read(ctx, topic, quantity, hideFor)
	}, pollFor, pollInterval)
}

func (b *PgBroker) Hide(ctx context.Context, topic string, ids []int64, hideFor time.Duration) error {
	q := `UPDATE sf_messages SET deliver_at = now() + $3::interval WHERE topic = $1 AND id = ANY($2);`
	_, err := execWithRetry(ctx, b.conn, q, topic, ids, hideFor)
	return err
}

func (b *PgBroker) Delete(ctx context.Context, topic string, id int64) error {
	q := `DELETE FROM sf_messages WHERE topic = $1 AND id = $2;`
	_, err := execWithRetry(ctx, b.conn, q, topic, id)
	return err
}

func scanCollectibleMessage(row pgx.CollectableRow) (QueueMessage, error) {
	return scanMessage(row)
}

func scanMessage(row pgx.Row) (QueueMessage, error) {
	rec := QueueMessage{}

	if err := row.Scan(
		&rec.ID,
		&rec.Topic,
		&rec.Payload,
		&rec.Deliveries,
		&rec.CreatedAt,
		&rec.DeliverAt,
	); err != nil {
		return rec, err
	}

	return rec, nil
}

// IsRetryable reports whether a broker error is worth retrying from a
// worker read loop.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
