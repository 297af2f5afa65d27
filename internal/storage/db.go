package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"techscout/internal"
)

const (
	ReportFetched   = "fetched"
	ReportProcessed = "processed"
	ReportFailed    = "failed"
	ReportExported  = "exported"
)

type DB struct {
	conn *sql.DB
}

func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		_ = conn.Close()
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return db, nil
}

func (d *DB) Close() error {
	return d.conn.Close()
}

func (d *DB) init() error {
	schema := `
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  provider TEXT NOT NULL,
  messageId TEXT NOT NULL,
  subject TEXT,
  sender TEXT,
  receivedAt TEXT,
  hash TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawRef TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(provider, messageId)
);

CREATE TABLE IF NOT EXISTS reports (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  origin TEXT NOT NULL,
  projectId TEXT NOT NULL DEFAULT '',
  jobId TEXT NOT NULL DEFAULT '',
  messageRef TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'fetched',
  rawText TEXT NOT NULL,
  parsedJson TEXT NOT NULL DEFAULT '',
  hadTechnicalIssues INTEGER NOT NULL DEFAULT 0,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(origin, messageRef)
);
CREATE INDEX IF NOT EXISTS idx_reports_status ON reports(status);
CREATE INDEX IF NOT EXISTS idx_reports_jobId ON reports(jobId);

CREATE TABLE IF NOT EXISTS technologies (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  reportId INTEGER NOT NULL,
  category TEXT NOT NULL,
  position INTEGER NOT NULL,
  name TEXT NOT NULL,
  provider TEXT NOT NULL,
  score INTEGER NOT NULL,
  reason TEXT NOT NULL,
  trl TEXT,
  country TEXT,
  queueId TEXT,
  matchScore REAL NOT NULL DEFAULT 0,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  UNIQUE(reportId, category, position),
  FOREIGN KEY(reportId) REFERENCES reports(id)
);

CREATE TABLE IF NOT EXISTS poll_jobs (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  projectId TEXT NOT NULL,
  remoteJobId TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  baseline INTEGER NOT NULL DEFAULT 0,
  lastCount INTEGER NOT NULL DEFAULT 0,
  lastStatus TEXT NOT NULL DEFAULT '',
  lastError TEXT NOT NULL DEFAULT '',
  startedAt TEXT NOT NULL,
  finishedAt TEXT NOT NULL DEFAULT '',
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  traceId TEXT NOT NULL,
  reportId INTEGER,
  timingsJson TEXT NOT NULL,
  countsJson TEXT NOT NULL,
  createdAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY(reportId) REFERENCES reports(id)
);

CREATE TABLE IF NOT EXISTS metadata (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updatedAt TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

	_, err := d.conn.Exec(schema)
	return err
}

const messageColumns = `id, provider, messageId, subject, sender, receivedAt, hash, status, rawRef`

func scanMessage(s interface{ Scan(...any) error }) (internal.MessageRow, error) {
	var row internal.MessageRow
	err := s.Scan(&row.ID, &row.Provider, &row.MessageID, &row.Subject, &row.Sender, &row.ReceivedAt, &row.Hash, &row.Status, &row.RawRef)
	return row, err
}

// UpsertMessage keeps the stored status unless the raw content changed.
func (d *DB) UpsertMessage(provider, messageID, subject, sender, receivedAt, hash, rawRef, status string) (internal.MessageRow, error) {
	_, err := d.conn.Exec(`
INSERT INTO messages (provider, messageId, subject, sender, receivedAt, hash, status, rawRef)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(provider, messageId) DO UPDATE SET
  subject=excluded.subject,
  sender=excluded.sender,
  receivedAt=excluded.receivedAt,
  hash=excluded.hash,
  rawRef=excluded.rawRef,
  status=CASE WHEN messages.hash <> excluded.hash THEN excluded.status ELSE messages.status END,
  updatedAt=CURRENT_TIMESTAMP
`, provider, messageID, subject, sender, receivedAt, hash, status, rawRef)
	if err != nil {
		return internal.MessageRow{}, err
	}

	row, err := d.GetMessageByProviderMessageID(provider, messageID)
	if err != nil {
		return internal.MessageRow{}, err
	}
	if row == nil {
		return internal.MessageRow{}, errors.New("failed to upsert message")
	}
	return *row, nil
}

func (d *DB) GetMessageByProviderMessageID(provider, messageID string) (*internal.MessageRow, error) {
	row, err := scanMessage(d.conn.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE provider = ? AND messageId = ?`, provider, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) MustMessageByProviderMessageID(provider, messageID string) (internal.MessageRow, error) {
	row, err := d.GetMessageByProviderMessageID(provider, messageID)
	if err != nil {
		return internal.MessageRow{}, err
	}
	if row == nil {
		return internal.MessageRow{}, fmt.Errorf("message not found: provider=%s messageId=%s", provider, messageID)
	}
	return *row, nil
}

func (d *DB) ListMessagesByStatus(status string, limit int) ([]internal.MessageRow, error) {
	rows, err := d.conn.Query(`SELECT `+messageColumns+` FROM messages WHERE status = ? ORDER BY receivedAt ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.MessageRow
	for rows.Next() {
		row, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) UpdateMessageStatus(messageID int, status string) error {
	_, err := d.conn.Exec(`UPDATE messages SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, messageID)
	return err
}

const reportColumns = `id, origin, projectId, jobId, messageRef, status, rawText, parsedJson, hadTechnicalIssues, createdAt`

func scanReport(s interface{ Scan(...any) error }) (internal.ReportRow, error) {
	var row internal.ReportRow
	err := s.Scan(&row.ID, &row.Origin, &row.ProjectID, &row.JobID, &row.MessageRef, &row.Status, &row.RawText, &row.ParsedJSON, &row.HadTechnicalIssues, &row.CreatedAt)
	return row, err
}

// UpsertReport stores raw report text keyed by (origin, messageRef). A report
// that arrives again with new text goes back to the fetched state.
func (d *DB) UpsertReport(raw internal.RawReport, messageRef string) (internal.ReportRow, error) {
	_, err := d.conn.Exec(`
INSERT INTO reports (origin, projectId, jobId, messageRef, status, rawText)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(origin, messageRef) DO UPDATE SET
  projectId=excluded.projectId,
  jobId=excluded.jobId,
  status=CASE WHEN reports.rawText = excluded.rawText THEN reports.status ELSE excluded.status END,
  rawText=excluded.rawText,
  updatedAt=CURRENT_TIMESTAMP
`, string(raw.Origin), raw.ProjectID, raw.JobID, messageRef, ReportFetched, raw.Text)
	if err != nil {
		return internal.ReportRow{}, err
	}

	row, err := scanReport(d.conn.QueryRow(`SELECT `+reportColumns+` FROM reports WHERE origin = ? AND messageRef = ?`, string(raw.Origin), messageRef))
	if err != nil {
		return internal.ReportRow{}, err
	}
	return row, nil
}

func (d *DB) GetReport(id int) (*internal.ReportRow, error) {
	row, err := scanReport(d.conn.QueryRow(`SELECT `+reportColumns+` FROM reports WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) GetLatestReportByJobID(jobID string) (*internal.ReportRow, error) {
	row, err := scanReport(d.conn.QueryRow(`SELECT `+reportColumns+` FROM reports WHERE jobId = ? ORDER BY id DESC LIMIT 1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (d *DB) ListReportsByStatus(status string, limit int) ([]internal.ReportRow, error) {
	rows, err := d.conn.Query(`SELECT `+reportColumns+` FROM reports WHERE status = ? ORDER BY id ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.ReportRow
	for rows.Next() {
		row, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (d *DB) UpdateReportStatus(reportID int, status string) error {
	_, err := d.conn.Exec(`UPDATE reports SET status = ?, updatedAt = CURRENT_TIMESTAMP WHERE id = ?`, status, reportID)
	return err
}

// SaveParsedReport replaces the parsed form of a report and its technology
// rows in one transaction.
func (d *DB) SaveParsedReport(reportID int, report internal.ParsedReport, rows []internal.TechnologyExportRow) error {
	parsedJSON, err := json.Marshal(report)
	if err != nil {
		return err
	}

	tx, err := d.conn.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM technologies WHERE reportId = ?`, reportID); err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
INSERT INTO technologies (reportId, category, position, name, provider, score, reason, trl, country, queueId, matchScore)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(reportID, r.Category, r.Position, r.Name, r.Provider, r.Score, r.Reason, r.TRL, r.Country, r.QueueID, r.MatchScore); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(`
UPDATE reports SET parsedJson = ?, hadTechnicalIssues = ?, status = ?, updatedAt = CURRENT_TIMESTAMP
WHERE id = ?
`, string(parsedJSON), report.HadTechnicalIssues, ReportProcessed, reportID); err != nil {
		return err
	}

	return tx.Commit()
}

// LoadParsedReport decodes the stored parsed form; nil when the report has not
// been processed yet.
func (d *DB) LoadParsedReport(reportID int) (*internal.ParsedReport, error) {
	row, err := d.GetReport(reportID)
	if err != nil || row == nil || row.ParsedJSON == "" {
		return nil, err
	}
	var report internal.ParsedReport
	if err := json.Unmarshal([]byte(row.ParsedJSON), &report); err != nil {
		return nil, fmt.Errorf("decode report %d: %w", reportID, err)
	}
	return &report, nil
}

func (d *DB) GetExportRows(reportID int) ([]internal.TechnologyExportRow, error) {
	rows, err := d.conn.Query(`
SELECT category, position, name, provider, score, reason, trl, country, queueId, matchScore
FROM technologies
WHERE reportId = ?
ORDER BY
  CASE category WHEN 'added' THEN 1 WHEN 'review' THEN 2 ELSE 3 END,
  position ASC
`, reportID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.TechnologyExportRow
	for rows.Next() {
		var row internal.TechnologyExportRow
		if err := rows.Scan(
			&row.Category,
			&row.Position,
			&row.Name,
			&row.Provider,
			&row.Score,
			&row.Reason,
			&row.TRL,
			&row.Country,
			&row.QueueID,
			&row.MatchScore,
		); err != nil {
			return nil, err
		}
		out = append(out, row)
	}

	return out, rows.Err()
}

func (d *DB) SavePollJob(job internal.PollJobRow) error {
	_, err := d.conn.Exec(`
INSERT INTO poll_jobs (id, kind, projectId, remoteJobId, state, baseline, lastCount, lastStatus, lastError, startedAt, finishedAt)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  remoteJobId=excluded.remoteJobId,
  state=excluded.state,
  baseline=excluded.baseline,
  lastCount=excluded.lastCount,
  lastStatus=excluded.lastStatus,
  lastError=excluded.lastError,
  finishedAt=excluded.finishedAt,
  updatedAt=CURRENT_TIMESTAMP
`, job.ID, job.Kind, job.ProjectID, job.RemoteJobID, job.State, job.Baseline, job.LastCount, job.LastStatus, job.LastError, job.StartedAt, job.FinishedAt)
	return err
}

const pollJobColumns = `id, kind, projectId, remoteJobId, state, baseline, lastCount, lastStatus, lastError, startedAt, finishedAt`

func scanPollJob(s interface{ Scan(...any) error }) (internal.PollJobRow, error) {
	var job internal.PollJobRow
	err := s.Scan(&job.ID, &job.Kind, &job.ProjectID, &job.RemoteJobID, &job.State, &job.Baseline, &job.LastCount, &job.LastStatus, &job.LastError, &job.StartedAt, &job.FinishedAt)
	return job, err
}

func (d *DB) GetPollJob(id string) (*internal.PollJobRow, error) {
	job, err := scanPollJob(d.conn.QueryRow(`SELECT `+pollJobColumns+` FROM poll_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (d *DB) ListPollJobs(limit int) ([]internal.PollJobRow, error) {
	rows, err := d.conn.Query(`SELECT `+pollJobColumns+` FROM poll_jobs ORDER BY startedAt DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []internal.PollJobRow
	for rows.Next() {
		job, err := scanPollJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (d *DB) InsertRun(traceID string, reportID int, timings map[string]float64, counts map[string]int) error {
	timingsJSON, _ := json.Marshal(timings)
	countsJSON, _ := json.Marshal(counts)
	_, err := d.conn.Exec(`INSERT INTO runs (traceId, reportId, timingsJson, countsJson) VALUES (?, ?, ?, ?)`, traceID, reportID, string(timingsJSON), string(countsJSON))
	return err
}

func (d *DB) CountRuns(reportID int) (int, error) {
	var n int
	err := d.conn.QueryRow(`SELECT COUNT(*) FROM runs WHERE reportId = ?`, reportID).Scan(&n)
	return n, err
}

func (d *DB) SetMetadata(key, value string) error {
	_, err := d.conn.Exec(`
INSERT INTO metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updatedAt = CURRENT_TIMESTAMP
`, key, value)
	return err
}

func (d *DB) GetMetadata(key string) (*string, error) {
	var value string
	err := d.conn.QueryRow(`SELECT value FROM metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}
