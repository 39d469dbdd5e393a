package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/liqradar/internal/dispatch"
	"github.com/sawpanic/liqradar/internal/domain"
)

// JournalSchema creates the alert journal table.
const JournalSchema = `
CREATE TABLE IF NOT EXISTS radar_alerts (
	id          UUID PRIMARY KEY,
	kind        TEXT        NOT NULL,
	symbol      TEXT        NOT NULL,
	symbol_group TEXT       NOT NULL,
	payload     JSONB       NOT NULL,
	emitted_at  TIMESTAMPTZ NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS radar_alerts_symbol_emitted_idx ON radar_alerts (symbol, emitted_at DESC);`

const insertAlert = `
		INSERT INTO radar_alerts (id, kind, symbol, symbol_group, payload, emitted_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

// JournalSink records alerts in postgres. A duplicate id means the alert is
// already journaled and is acknowledged.
type JournalSink struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewJournalSink wraps an open connection.
func NewJournalSink(db *sqlx.DB, timeout time.Duration) *JournalSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &JournalSink{db: db, timeout: timeout}
}

// OpenJournalSink connects to dsn and ensures the schema exists.
func OpenJournalSink(ctx context.Context, dsn string, timeout time.Duration) (*JournalSink, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	sink := NewJournalSink(db, timeout)
	if err := sink.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return sink, nil
}

// EnsureSchema creates the journal table if needed.
func (s *JournalSink) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, JournalSchema); err != nil {
		return fmt.Errorf("failed to create radar_alerts: %w", err)
	}
	return nil
}

func (s *JournalSink) Name() string { return "postgres" }

func (s *JournalSink) Deliver(ctx context.Context, alert domain.Alert) (dispatch.Ack, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	payload, err := alert.MarshalPayload()
	if err != nil {
		return dispatch.Ack{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx, insertAlert,
		alert.ID, string(alert.Kind), alert.Symbol, alert.Group, payload, alert.EmittedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			log.Debug().Str("alert_id", alert.ID).Msg("Alert already journaled")
			return dispatch.Ack{AlertID: alert.ID, Sink: s.Name(), At: time.Now()}, nil
		}
		return dispatch.Ack{}, fmt.Errorf("failed to insert alert: %w", err)
	}
	return dispatch.Ack{AlertID: alert.ID, Sink: s.Name(), At: time.Now()}, nil
}

// Recent returns the latest journaled alerts for symbol.
func (s *JournalSink) Recent(ctx context.Context, symbol string, limit int) ([]JournalRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []JournalRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, symbol, symbol_group, payload, emitted_at
		FROM radar_alerts
		WHERE symbol = $1
		ORDER BY emitted_at DESC
		LIMIT $2`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query radar_alerts: %w", err)
	}
	return rows, nil
}

// JournalRow is one stored alert.
type JournalRow struct {
	ID        string          `db:"id" json:"id"`
	Kind      string          `db:"kind" json:"kind"`
	Symbol    string          `db:"symbol" json:"symbol"`
	Group     string          `db:"symbol_group" json:"group"`
	Payload   json.RawMessage `db:"payload" json:"payload"`
	EmittedAt time.Time       `db:"emitted_at" json:"emitted_at"`
}

func (s *JournalSink) Close() error { return s.db.Close() }
