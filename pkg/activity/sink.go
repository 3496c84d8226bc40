// Package activity provides the durable append-only activity log: a
// batched, best-effort sink of events, operator actions, and run
// lifecycle records. Failures are logged and never block the pipeline;
// without a configured database the sink is a no-op.
package activity

import (
	"context"
	stdsql "database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql
)

//go:embed migrations
var migrationsFS embed.FS

// Batching bounds.
const (
	defaultBatchSize     = 50
	defaultFlushInterval = 2 * time.Second
	queueDepth           = 1024
)

// Entry kinds recorded in the log.
const (
	KindEvent         = "event"
	KindAction        = "action"
	KindRunStart      = "run_start"
	KindRunStop       = "run_stop"
	KindClaimSnapshot = "claim_snapshot"
	KindPackageUpdate = "package_update"
	KindRenderUpdate  = "render_update"
)

// Entry is one pending activity record.
type Entry struct {
	Kind    string
	RunID   string
	Payload []byte
	At      time.Time
}

// Sink batches activity records into Postgres. A nil *Sink is valid and
// drops everything, so callers never branch on configuration.
type Sink struct {
	db            *stdsql.DB
	queue         chan Entry
	batchSize     int
	flushInterval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// Open connects, applies migrations, and starts the flush loop. An
// empty databaseURL returns (nil, nil): activity logging disabled.
func Open(ctx context.Context, databaseURL string) (*Sink, error) {
	if databaseURL == "" {
		return nil, nil
	}

	db, err := stdsql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open activity database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping activity database: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate activity schema: %w", err)
	}

	s := &Sink{
		db:            db,
		queue:         make(chan Entry, queueDepth),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		stopCh:        make(chan struct{}),
		logger:        slog.Default().With("component", "activity"),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.flushLoop()
	}()
	return s, nil
}

// runMigrations applies the embedded schema migrations.
func runMigrations(db *stdsql.DB) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "activity_schema_migrations"})
	if err != nil {
		return fmt.Errorf("create postgres driver: %w", err)
	}
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "activity", driver)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	// Close only the source; closing m would also close the shared DB.
	if err := source.Close(); err != nil {
		return fmt.Errorf("close migration source: %w", err)
	}
	return nil
}

// Record enqueues one entry. Payload marshal failures and queue
// saturation drop the entry with a warning.
func (s *Sink) Record(kind, runID string, payload any) {
	if s == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("Unmarshalable activity payload dropped", "kind", kind, "error", err)
		return
	}
	entry := Entry{Kind: kind, RunID: runID, Payload: data, At: time.Now()}
	select {
	case s.queue <- entry:
	default:
		s.logger.Warn("Activity queue full, dropping entry", "kind", kind)
	}
}

// Close flushes pending entries and releases the database.
func (s *Sink) Close() {
	if s == nil {
		return
	}
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	_ = s.db.Close()
}

func (s *Sink) flushLoop() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	var batch []Entry
	flush := func() {
		if len(batch) == 0 {
			return
		}
		s.write(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-s.stopCh:
			// Drain whatever is still queued, then flush once.
			for {
				select {
				case entry := <-s.queue:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		case entry := <-s.queue:
			batch = append(batch, entry)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// write inserts one batch in a single transaction; failures only log.
func (s *Sink) write(batch []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.logger.Warn("Activity flush failed to begin", "error", err, "dropped", len(batch))
		return
	}
	defer func() { _ = tx.Rollback() }()

	for _, entry := range batch {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO activity_log (kind, run_id, payload, created_at) VALUES ($1, $2, $3, $4)`,
			entry.Kind, entry.RunID, entry.Payload, entry.At,
		)
		if err != nil {
			s.logger.Warn("Activity insert failed", "kind", entry.Kind, "error", err)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		s.logger.Warn("Activity flush failed to commit", "error", err, "dropped", len(batch))
	}
}
