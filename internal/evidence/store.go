package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/metrics"
)

// Sink receives accepted evidence, e.g. the archive
type Sink interface {
	ArchiveEvidence(ctx context.Context, runID string, items []Evidence) error
}

// SignalSink is implemented by sinks that also track signals merged into
// items they already hold
type SignalSink interface {
	ArchiveSignals(ctx context.Context, runID string, items []Evidence) error
}

// IngestResult summarises one ingestion call. Merged holds stored items whose
// signal set grew because a duplicate arrived for another signal.
type IngestResult struct {
	Accepted   []Evidence
	Merged     []Evidence
	Duplicates int
	Invalid    []error
}

// Covered is the number of items that added coverage, new or merged
func (r IngestResult) Covered() int { return len(r.Accepted) + len(r.Merged) }

// Store is the append-only evidence log of one run
type Store struct {
	runID  string
	dedupe Deduper
	sink   Sink
	logger *zap.Logger
	now    func() time.Time

	// ingestMu serialises Ingest so a claimed hash is always indexed before
	// the next caller looks it up
	ingestMu sync.Mutex

	mu    sync.RWMutex
	items []Evidence
	index map[string]int
}

// StoreOption configures a Store
type StoreOption func(*Store)

// WithDeduper replaces the in-process deduper
func WithDeduper(d Deduper) StoreOption { return func(s *Store) { s.dedupe = d } }

// WithSink forwards accepted items to sink
func WithSink(sink Sink) StoreOption { return func(s *Store) { s.sink = sink } }

// WithClock overrides time.Now for extraction timestamps
func WithClock(now func() time.Time) StoreOption { return func(s *Store) { s.now = now } }

// NewStore creates an empty store for runID
func NewStore(runID string, logger *zap.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		runID:  runID,
		dedupe: NewMemoryDeduper(),
		logger: logger,
		now:    time.Now,
		index:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunID returns the owning run
func (s *Store) RunID() string { return s.runID }

// Ingest validates, dedupes and appends items. Invalid items are dropped and
// reported, never retried. A duplicate of an item this store holds that
// carries signals the stored item lacks extends the stored item's signals.
func (s *Store) Ingest(ctx context.Context, items []Evidence) IngestResult {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	var res IngestResult
	accepted := make(map[string]int)
	merged := make(map[string]int)
	for _, e := range items {
		if err := e.Validate(); err != nil {
			s.logger.Debug("Dropping invalid evidence", zap.String("run_id", s.runID), zap.Error(err))
			res.Invalid = append(res.Invalid, err)
			continue
		}
		hash := e.ContentHash()
		if s.mergeSignals(hash, e.Signals, &res, accepted, merged) {
			continue
		}
		fresh, err := s.dedupe.Claim(ctx, s.runID, hash)
		if err != nil {
			res.Invalid = append(res.Invalid, err)
			continue
		}
		if !fresh {
			res.Duplicates++
			metrics.EvidenceDuplicates.Inc()
			continue
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if e.Extraction.Timestamp.IsZero() {
			e.Extraction.Timestamp = s.now()
		}
		e.Signals = append([]string(nil), e.Signals...)
		e.Tags = append([]string(nil), e.Tags...)

		s.mu.Lock()
		s.index[hash] = len(s.items)
		s.items = append(s.items, e)
		s.mu.Unlock()

		accepted[hash] = len(res.Accepted)
		res.Accepted = append(res.Accepted, e)
		metrics.EvidenceIngested.WithLabelValues(e.Extraction.Method).Inc()
	}

	if s.sink != nil && len(res.Accepted) > 0 {
		if err := s.sink.ArchiveEvidence(ctx, s.runID, res.Accepted); err != nil {
			s.logger.Warn("Failed to archive evidence", zap.String("run_id", s.runID), zap.Error(err))
		}
	}
	if ss, ok := s.sink.(SignalSink); ok && len(res.Merged) > 0 {
		if err := ss.ArchiveSignals(ctx, s.runID, res.Merged); err != nil {
			s.logger.Warn("Failed to archive merged signals", zap.String("run_id", s.runID), zap.Error(err))
		}
	}
	return res
}

// mergeSignals handles an item whose hash this store already holds. It reports
// false when the hash is unknown locally.
func (s *Store) mergeSignals(hash string, signals []string, res *IngestResult, accepted, merged map[string]int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.index[hash]
	if !ok {
		return false
	}
	stored := s.items[idx]
	var added []string
	for _, sig := range signals {
		if !stored.Has(sig) && !contains(added, sig) {
			added = append(added, sig)
		}
	}
	if len(added) == 0 {
		res.Duplicates++
		metrics.EvidenceDuplicates.Inc()
		return true
	}
	// copy so slices handed out by All and ForSignals are never mutated
	stored.Signals = append(append(make([]string, 0, len(stored.Signals)+len(added)), stored.Signals...), added...)
	s.items[idx] = stored
	metrics.EvidenceSignalMerges.Inc()

	if pos, ok := accepted[hash]; ok {
		res.Accepted[pos] = stored
	} else if pos, ok := merged[hash]; ok {
		res.Merged[pos] = stored
	} else {
		merged[hash] = len(res.Merged)
		res.Merged = append(res.Merged, stored)
	}
	return true
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// All returns a copy of every item in ingestion order
func (s *Store) All() []Evidence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Evidence(nil), s.items...)
}

// Len is the number of items ingested
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// ForSignals returns items supporting any of signals
func (s *Store) ForSignals(signals ...string) []Evidence {
	want := make(map[string]bool, len(signals))
	for _, sig := range signals {
		want[sig] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Evidence
	for _, e := range s.items {
		for _, sig := range e.Signals {
			if want[sig] {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// ForARG returns items produced for argID
func (s *Store) ForARG(argID string) []Evidence {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Evidence
	for _, e := range s.items {
		if e.ARGID == argID {
			out = append(out, e)
		}
	}
	return out
}
