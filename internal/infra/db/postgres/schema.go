package postgres

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
  id               TEXT PRIMARY KEY,
  owner_id         TEXT NOT NULL,
  name             TEXT NOT NULL,
  external_api_url TEXT NOT NULL DEFAULT '',
  external_api_key TEXT NOT NULL DEFAULT '',
  external_sql_dsn TEXT NOT NULL DEFAULT '',
  check_mfa        BOOLEAN NOT NULL DEFAULT TRUE,
  check_rls        BOOLEAN NOT NULL DEFAULT TRUE,
  check_pitr       BOOLEAN NOT NULL DEFAULT TRUE,
  status           TEXT NOT NULL DEFAULT 'active',
  last_scan_at     TIMESTAMPTZ,
  created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS compliance_scans (
  id            TEXT PRIMARY KEY,
  project_id    TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
  status        TEXT NOT NULL,
  started_at    TIMESTAMPTZ NOT NULL,
  completed_at  TIMESTAMPTZ,
  total_checks  INT NOT NULL DEFAULT 0,
  passed_checks INT NOT NULL DEFAULT 0,
  failed_checks INT NOT NULL DEFAULT 0,
  error         TEXT NOT NULL DEFAULT ''
)`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_scans_project ON compliance_scans(project_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_scans_running ON compliance_scans(started_at) WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS compliance_checks (
  id         TEXT PRIMARY KEY,
  project_id TEXT NOT NULL,
  scan_id    TEXT NOT NULL REFERENCES compliance_scans(id) ON DELETE CASCADE,
  type       TEXT NOT NULL,
  status     TEXT NOT NULL,
  result     BOOLEAN,
  details    TEXT NOT NULL DEFAULT '',
  timestamp  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_compliance_checks_scan ON compliance_checks(scan_id)`,
	`CREATE TABLE IF NOT EXISTS evidence (
  id        TEXT PRIMARY KEY,
  check_id  TEXT REFERENCES compliance_checks(id) ON DELETE CASCADE,
  type      TEXT NOT NULL DEFAULT 'log',
  content   TEXT NOT NULL,
  severity  TEXT NOT NULL,
  timestamp TIMESTAMPTZ NOT NULL DEFAULT now(),
  metadata  JSONB
)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_check ON evidence(check_id, timestamp)`,
	`CREATE TABLE IF NOT EXISTS auto_fix_sessions (
  id         TEXT PRIMARY KEY,
  check_id   TEXT NOT NULL REFERENCES compliance_checks(id) ON DELETE CASCADE,
  status     TEXT NOT NULL,
  config     JSONB NOT NULL DEFAULT '{}',
  result     JSONB NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_auto_fix_sessions_check ON auto_fix_sessions(check_id, created_at DESC)`,
	// at most one open session per check, across processes
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_auto_fix_sessions_open ON auto_fix_sessions(check_id)
  WHERE status IN ('not_started', 'in_progress')`,
}
