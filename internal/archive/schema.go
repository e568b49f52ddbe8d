package archive

// schema is portable across postgres and sqlite
var schema = []string{
	`CREATE TABLE IF NOT EXISTS research_runs (
		run_id TEXT PRIMARY KEY,
		company TEXT NOT NULL,
		thesis_type TEXT NOT NULL,
		status TEXT NOT NULL,
		degraded BOOLEAN NOT NULL DEFAULT FALSE,
		weighted_coverage DOUBLE PRECISION NOT NULL DEFAULT 0,
		evidence_count INTEGER NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP,
		summary TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS research_jobs (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		queue TEXT NOT NULL,
		op TEXT NOT NULL,
		dependency TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		enqueued_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP,
		finished_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_research_jobs_run ON research_jobs (run_id)`,
	`CREATE TABLE IF NOT EXISTS evidence_items (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL,
		arg_id TEXT NOT NULL DEFAULT '',
		pillar_id TEXT NOT NULL DEFAULT '',
		signals TEXT NOT NULL,
		source_type TEXT NOT NULL DEFAULT '',
		origin TEXT NOT NULL DEFAULT '',
		credibility DOUBLE PRECISION NOT NULL,
		content TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		citation_url TEXT NOT NULL DEFAULT '',
		tags TEXT NOT NULL,
		extracted_at TIMESTAMP NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_evidence_run_hash ON evidence_items (run_id, content_hash)`,
	`CREATE TABLE IF NOT EXISTS research_gaps (
		run_id TEXT NOT NULL,
		cycle INTEGER NOT NULL,
		signal TEXT NOT NULL,
		gap_type TEXT NOT NULL,
		criticality TEXT NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		micro_agents INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		PRIMARY KEY (run_id, cycle, signal)
	)`,
}

const (
	insertRun = `INSERT INTO research_runs
		(run_id, company, thesis_type, status, degraded, weighted_coverage, evidence_count, started_at, finished_at, summary)
		VALUES (:run_id, :company, :thesis_type, :status, :degraded, :weighted_coverage, :evidence_count, :started_at, :finished_at, :summary)
		ON CONFLICT (run_id) DO UPDATE SET
			status = excluded.status,
			degraded = excluded.degraded,
			weighted_coverage = excluded.weighted_coverage,
			evidence_count = excluded.evidence_count,
			finished_at = excluded.finished_at,
			summary = excluded.summary`

	insertJob = `INSERT INTO research_jobs
		(id, run_id, queue, op, dependency, priority, status, attempts, error, enqueued_at, started_at, finished_at)
		VALUES (:id, :run_id, :queue, :op, :dependency, :priority, :status, :attempts, :error, :enqueued_at, :started_at, :finished_at)
		ON CONFLICT (id) DO NOTHING`

	insertEvidence = `INSERT INTO evidence_items
		(id, run_id, arg_id, pillar_id, signals, source_type, origin, credibility, content, content_hash, method, citation_url, tags, extracted_at)
		VALUES (:id, :run_id, :arg_id, :pillar_id, :signals, :source_type, :origin, :credibility, :content, :content_hash, :method, :citation_url, :tags, :extracted_at)
		ON CONFLICT DO NOTHING`

	upsertEvidenceSignals = `INSERT INTO evidence_items
		(id, run_id, arg_id, pillar_id, signals, source_type, origin, credibility, content, content_hash, method, citation_url, tags, extracted_at)
		VALUES (:id, :run_id, :arg_id, :pillar_id, :signals, :source_type, :origin, :credibility, :content, :content_hash, :method, :citation_url, :tags, :extracted_at)
		ON CONFLICT (id) DO UPDATE SET signals = excluded.signals`

	insertGap = `INSERT INTO research_gaps
		(run_id, cycle, signal, gap_type, criticality, confidence, reason, micro_agents, created_at)
		VALUES (:run_id, :cycle, :signal, :gap_type, :criticality, :confidence, :reason, :micro_agents, :created_at)
		ON CONFLICT DO NOTHING`

	selectEvidence = `SELECT id, run_id, arg_id, pillar_id, signals, source_type, origin, credibility, content,
		content_hash, method, citation_url, tags, extracted_at
		FROM evidence_items WHERE run_id = ? ORDER BY extracted_at, id`

	selectRun = `SELECT run_id, company, thesis_type, status, degraded, weighted_coverage, evidence_count,
		started_at, finished_at, summary FROM research_runs WHERE run_id = ?`
)
