package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/gaps"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/queue"
)

var _ evidence.SignalSink = (*Archive)(nil)

// ErrNotFound is returned when a run has no archived record
var ErrNotFound = errors.New("archive: not found")

// Config holds archive database configuration
type Config struct {
	Driver          string        `mapstructure:"driver"` // postgres or sqlite3
	DSN             string        `mapstructure:"dsn"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	Migrate         bool          `mapstructure:"migrate"`
}

func (c *Config) applyDefaults() {
	if c.Driver == "" {
		c.Driver = "postgres"
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 25
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = 5
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
}

type writeType int

const (
	writeRun writeType = iota
	writeJob
	writeEvidence
	writeGaps
	writeSignals
)

func (w writeType) String() string {
	switch w {
	case writeRun:
		return "Run"
	case writeJob:
		return "Job"
	case writeEvidence:
		return "Evidence"
	case writeGaps:
		return "Gaps"
	case writeSignals:
		return "Signals"
	}
	return "Unknown"
}

type writeRequest struct {
	kind writeType
	data interface{}
}

// Archive persists runs, jobs, evidence and gaps. Writes are queued and applied
// by a worker pool; a full queue falls back to a synchronous write.
type Archive struct {
	db     *sqlx.DB
	logger *zap.Logger
	cfg    Config

	writeQueue chan writeRequest
	stopCh     chan struct{}
	workerWg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Open connects to the configured database
func Open(cfg Config, logger *zap.Logger) (*Archive, error) {
	cfg.applyDefaults()
	db, err := sqlx.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	if cfg.Driver == "sqlite3" {
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping archive database: %w", err)
	}

	a := New(db, cfg, logger)
	if cfg.Migrate {
		if err := a.Migrate(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}
	a.logger.Info("Archive initialized",
		zap.String("driver", cfg.Driver),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("workers", cfg.Workers),
	)
	return a, nil
}

// New wraps an open database and starts the write workers
func New(db *sqlx.DB, cfg Config, logger *zap.Logger) *Archive {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Archive{
		db:         db,
		logger:     logger,
		cfg:        cfg,
		writeQueue: make(chan writeRequest, cfg.QueueSize),
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		a.workerWg.Add(1)
		go a.writeWorker(i)
	}
	return a
}

// Migrate creates the archive tables
func (a *Archive) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate archive: %w", err)
		}
	}
	return nil
}

// Ping checks database connectivity
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

func (a *Archive) writeWorker(id int) {
	defer a.workerWg.Done()
	a.logger.Debug("Archive worker started", zap.Int("worker_id", id))
	for {
		select {
		case <-a.stopCh:
			a.drainQueue()
			a.logger.Debug("Archive worker stopped", zap.Int("worker_id", id))
			return
		case req := <-a.writeQueue:
			a.processWrite(req)
		}
	}
}

func (a *Archive) drainQueue() {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case req := <-a.writeQueue:
			a.processWrite(req)
		case <-timeout:
			a.logger.Warn("Timeout draining archive queue")
			return
		default:
			return
		}
	}
}

func (a *Archive) processWrite(req writeRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	switch req.kind {
	case writeRun:
		if rec, ok := req.data.(RunRecord); ok {
			err = a.SaveRun(ctx, rec)
		}
	case writeJob:
		if rec, ok := req.data.(queue.Record); ok {
			err = a.SaveJob(ctx, rec)
		}
	case writeEvidence:
		if rows, ok := req.data.([]EvidenceRow); ok {
			err = a.SaveEvidence(ctx, rows)
		}
	case writeGaps:
		if rows, ok := req.data.([]GapRow); ok {
			err = a.SaveGaps(ctx, rows)
		}
	case writeSignals:
		if rows, ok := req.data.([]EvidenceRow); ok {
			err = a.SaveEvidenceSignals(ctx, rows)
		}
	}
	if err != nil {
		a.logger.Error("Failed to process archive write",
			zap.String("type", req.kind.String()),
			zap.Error(err),
		)
	}
}

// enqueue hands a write to the workers, writing synchronously when the queue
// is full or the archive is closed
func (a *Archive) enqueue(req writeRequest) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.closed {
		select {
		case a.writeQueue <- req:
			return
		default:
			a.logger.Warn("Archive queue is full, falling back to synchronous write",
				zap.String("type", req.kind.String()))
		}
	}
	a.processWrite(req)
}

// ArchiveRun queues a run summary
func (a *Archive) ArchiveRun(_ context.Context, rec RunRecord) error {
	a.enqueue(writeRequest{kind: writeRun, data: rec})
	return nil
}

// ArchiveJob queues a finished job record
func (a *Archive) ArchiveJob(_ context.Context, rec queue.Record) error {
	a.enqueue(writeRequest{kind: writeJob, data: rec})
	return nil
}

// ArchiveEvidence queues newly accepted evidence
func (a *Archive) ArchiveEvidence(_ context.Context, runID string, items []evidence.Evidence) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]EvidenceRow, len(items))
	for i, e := range items {
		rows[i] = EvidenceRowFrom(runID, e)
	}
	a.enqueue(writeRequest{kind: writeEvidence, data: rows})
	return nil
}

// ArchiveSignals queues the grown signal sets of evidence already archived
func (a *Archive) ArchiveSignals(_ context.Context, runID string, items []evidence.Evidence) error {
	if len(items) == 0 {
		return nil
	}
	rows := make([]EvidenceRow, len(items))
	for i, e := range items {
		rows[i] = EvidenceRowFrom(runID, e)
	}
	a.enqueue(writeRequest{kind: writeSignals, data: rows})
	return nil
}

// ArchiveGaps queues the gaps of one analysis cycle
func (a *Archive) ArchiveGaps(_ context.Context, runID string, cycle int, gs []gaps.Gap) error {
	if len(gs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([]GapRow, len(gs))
	for i, g := range gs {
		rows[i] = GapRowFrom(runID, cycle, g, now)
	}
	a.enqueue(writeRequest{kind: writeGaps, data: rows})
	return nil
}

// SaveRun upserts a run summary
func (a *Archive) SaveRun(ctx context.Context, rec RunRecord) error {
	if _, err := a.db.NamedExecContext(ctx, insertRun, rec); err != nil {
		return fmt.Errorf("failed to save run %s: %w", rec.RunID, err)
	}
	return nil
}

// SaveJob inserts a job record
func (a *Archive) SaveJob(ctx context.Context, rec queue.Record) error {
	if _, err := a.db.NamedExecContext(ctx, insertJob, rec); err != nil {
		return fmt.Errorf("failed to save job %s: %w", rec.ID, err)
	}
	return nil
}

// SaveEvidence inserts evidence rows in one transaction
func (a *Archive) SaveEvidence(ctx context.Context, rows []EvidenceRow) error {
	return a.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, row := range rows {
			if _, err := tx.NamedExecContext(ctx, insertEvidence, row); err != nil {
				return fmt.Errorf("failed to save evidence %s: %w", row.ID, err)
			}
		}
		return nil
	})
}

// SaveEvidenceSignals upserts rows, replacing the signals of existing items.
// The row is inserted whole when the original write has not landed yet.
func (a *Archive) SaveEvidenceSignals(ctx context.Context, rows []EvidenceRow) error {
	return a.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, row := range rows {
			if _, err := tx.NamedExecContext(ctx, upsertEvidenceSignals, row); err != nil {
				return fmt.Errorf("failed to update signals of evidence %s: %w", row.ID, err)
			}
		}
		return nil
	})
}

// SaveGaps inserts gap rows in one transaction
func (a *Archive) SaveGaps(ctx context.Context, rows []GapRow) error {
	return a.withTx(ctx, func(tx *sqlx.Tx) error {
		for _, row := range rows {
			if _, err := tx.NamedExecContext(ctx, insertGap, row); err != nil {
				return fmt.Errorf("failed to save gap %s: %w", row.Signal, err)
			}
		}
		return nil
	})
}

// RunEvidence returns the archived evidence of a run in extraction order
func (a *Archive) RunEvidence(ctx context.Context, runID string) ([]EvidenceRow, error) {
	var rows []EvidenceRow
	if err := a.db.SelectContext(ctx, &rows, a.db.Rebind(selectEvidence), runID); err != nil {
		return nil, fmt.Errorf("failed to load evidence for %s: %w", runID, err)
	}
	return rows, nil
}

// Run returns the archived summary of a run
func (a *Archive) Run(ctx context.Context, runID string) (*RunRecord, error) {
	var rec RunRecord
	if err := a.db.GetContext(ctx, &rec, a.db.Rebind(selectRun), runID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	return &rec, nil
}

func (a *Archive) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

// Close drains queued writes and closes the database
func (a *Archive) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.logger.Info("Shutting down archive")
	close(a.stopCh)
	a.workerWg.Wait()
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("failed to close archive database: %w", err)
	}
	return nil
}
