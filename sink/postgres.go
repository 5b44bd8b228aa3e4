package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"coinflow/config"
	"coinflow/logger"
	"coinflow/models"
)

const postgresName = "postgres"

const createEventsTable = `
	CREATE TABLE IF NOT EXISTS market_events (
		natural_key TEXT PRIMARY KEY,
		channel_id  TEXT NOT NULL,
		symbol      TEXT NOT NULL,
		kind        TEXT NOT NULL,
		sequence    BIGINT,
		event_time  TIMESTAMPTZ NOT NULL,
		received_at TIMESTAMPTZ NOT NULL,
		payload     JSONB NOT NULL
	)`

const createEventsIndex = `
	CREATE INDEX IF NOT EXISTS market_events_channel_time
	ON market_events (channel_id, event_time)`

const createGapsTable = `
	CREATE TABLE IF NOT EXISTS feed_gaps (
		channel_id    TEXT NOT NULL,
		expected_from BIGINT NOT NULL,
		expected_to   BIGINT NOT NULL,
		observed      BIGINT NOT NULL,
		observed_at   TIMESTAMPTZ NOT NULL,
		batch_id      TEXT NOT NULL,
		PRIMARY KEY (channel_id, expected_from, expected_to)
	)`

const insertEvent = `
	INSERT INTO market_events
		(natural_key, channel_id, symbol, kind, sequence, event_time, received_at, payload)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (natural_key) DO NOTHING`

const insertGap = `
	INSERT INTO feed_gaps
		(channel_id, expected_from, expected_to, observed, observed_at, batch_id)
	VALUES ($1, $2, $3, $4, $5, $6)
	ON CONFLICT (channel_id, expected_from, expected_to) DO NOTHING`

// Postgres writes batches into relational tables keyed on each event's
// natural key; replaying a batch after a retry inserts nothing twice.
type Postgres struct {
	db  *sql.DB
	log *logger.Log
}

// NewPostgres connects, verifies the connection and creates the tables.
func NewPostgres(cfg config.PostgresConfig) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	p := &Postgres{db: db, log: logger.GetLogger()}
	if err := p.createTables(ctx); err != nil {
		db.Close()
		return nil, err
	}

	p.log.WithComponent("sink_postgres").Info("postgres sink ready")
	return p, nil
}

func (p *Postgres) createTables(ctx context.Context) error {
	for _, ddl := range []string{createEventsTable, createEventsIndex, createGapsTable} {
		if _, err := p.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create postgres schema: %w", err)
		}
	}
	return nil
}

func (p *Postgres) Name() string { return postgresName }

// Upsert stores a whole batch in one transaction: either every row of the
// batch is visible or none, which keeps partially written batches from
// confusing a replay.
func (p *Postgres) Upsert(ctx context.Context, batch *models.Batch) error {
	if batch.Empty() {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Transient(postgresName, "begin", err)
	}
	defer tx.Rollback()

	if len(batch.Events) > 0 {
		stmt, err := tx.PrepareContext(ctx, insertEvent)
		if err != nil {
			return Transient(postgresName, "prepare events", err)
		}
		defer stmt.Close()

		for _, event := range batch.Events {
			payload, err := eventPayload(event)
			if err != nil {
				return Permanent(postgresName, "encode payload", err)
			}
			var seq any
			if event.Sequence != nil {
				seq = int64(*event.Sequence)
			}
			if _, err := stmt.ExecContext(ctx,
				event.NaturalKey(), event.ChannelID, event.Symbol, string(event.Kind),
				seq, event.EventTime, event.ReceivedAt, payload,
			); err != nil {
				return Transient(postgresName, "insert event", err)
			}
		}
	}

	if len(batch.Gaps) > 0 {
		stmt, err := tx.PrepareContext(ctx, insertGap)
		if err != nil {
			return Transient(postgresName, "prepare gaps", err)
		}
		defer stmt.Close()

		for _, gap := range batch.Gaps {
			if _, err := stmt.ExecContext(ctx,
				gap.ChannelID, int64(gap.ExpectedFrom), int64(gap.ExpectedTo),
				int64(gap.Observed), gap.ObservedAt, batch.ID,
			); err != nil {
				return Transient(postgresName, "insert gap", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return Transient(postgresName, "commit", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// eventPayload serializes the kind-specific part of the event for the JSONB
// column; the envelope fields have their own columns.
func eventPayload(event *models.MarketEvent) ([]byte, error) {
	var payload any
	switch {
	case event.Trade != nil:
		payload = event.Trade
	case event.Ticker != nil:
		payload = event.Ticker
	case event.Book != nil:
		payload = event.Book
	default:
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event.Kind, err)
	}
	return data, nil
}
