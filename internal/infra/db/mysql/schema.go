package mysql

var schema = []string{
	`CREATE TABLE IF NOT EXISTS projects (
  id               VARCHAR(64) PRIMARY KEY,
  owner_id         VARCHAR(128) NOT NULL,
  name             VARCHAR(255) NOT NULL,
  external_api_url VARCHAR(512) NOT NULL DEFAULT '',
  external_api_key TEXT NOT NULL,
  external_sql_dsn TEXT NOT NULL,
  check_mfa        TINYINT(1) NOT NULL DEFAULT 1,
  check_rls        TINYINT(1) NOT NULL DEFAULT 1,
  check_pitr       TINYINT(1) NOT NULL DEFAULT 1,
  status           VARCHAR(16) NOT NULL DEFAULT 'active',
  last_scan_at     DATETIME(6) NULL,
  created_at       DATETIME(6) NOT NULL
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS compliance_scans (
  id            VARCHAR(64) PRIMARY KEY,
  project_id    VARCHAR(64) NOT NULL,
  status        VARCHAR(16) NOT NULL,
  started_at    DATETIME(6) NOT NULL,
  completed_at  DATETIME(6) NULL,
  total_checks  INT NOT NULL DEFAULT 0,
  passed_checks INT NOT NULL DEFAULT 0,
  failed_checks INT NOT NULL DEFAULT 0,
  error         TEXT NOT NULL,
  INDEX idx_compliance_scans_project (project_id, started_at),
  INDEX idx_compliance_scans_status (status, started_at),
  CONSTRAINT fk_scans_project FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS compliance_checks (
  id         VARCHAR(64) PRIMARY KEY,
  project_id VARCHAR(64) NOT NULL,
  scan_id    VARCHAR(64) NOT NULL,
  type       VARCHAR(16) NOT NULL,
  status     VARCHAR(16) NOT NULL,
  result     TINYINT(1) NULL,
  details    MEDIUMTEXT NOT NULL,
  timestamp  DATETIME(6) NOT NULL,
  INDEX idx_compliance_checks_scan (scan_id),
  CONSTRAINT fk_checks_scan FOREIGN KEY (scan_id) REFERENCES compliance_scans(id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS evidence (
  id        VARCHAR(64) PRIMARY KEY,
  check_id  VARCHAR(64) NULL,
  type      VARCHAR(32) NOT NULL DEFAULT 'log',
  content   TEXT NOT NULL,
  severity  VARCHAR(16) NOT NULL,
  timestamp DATETIME(6) NOT NULL,
  metadata  JSON NULL,
  INDEX idx_evidence_check (check_id, timestamp)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS auto_fix_sessions (
  id         VARCHAR(64) PRIMARY KEY,
  check_id   VARCHAR(64) NOT NULL,
  status     VARCHAR(16) NOT NULL,
  config     JSON NOT NULL,
  result     JSON NOT NULL,
  created_at DATETIME(6) NOT NULL,
  updated_at DATETIME(6) NOT NULL,
  -- NULL once terminal, so only open sessions collide
  open_check_id VARCHAR(64) AS (CASE WHEN status IN ('not_started', 'in_progress') THEN check_id END) STORED,
  INDEX idx_auto_fix_sessions_check (check_id, created_at),
  UNIQUE KEY uq_auto_fix_sessions_open (open_check_id),
  CONSTRAINT fk_sessions_check FOREIGN KEY (check_id) REFERENCES compliance_checks(id) ON DELETE CASCADE
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
}
