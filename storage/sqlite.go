package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/model"
)

// SqliteStorage is the default durable backend: a single file, no server.
type SqliteStorage struct {
	db *sql.DB
}

var _ Storage = (*SqliteStorage)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	flow_name TEXT NOT NULL,
	event JSON,
	vars JSON,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS step_records (
	id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	started_at INTEGER NOT NULL,
	ended_at INTEGER,
	output JSON,
	error TEXT,
	PRIMARY KEY (run_id, step_id, attempts)
);
CREATE TABLE IF NOT EXISTS resume_tokens (
	token TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	flow JSON,
	step_id TEXT NOT NULL,
	step_idx INTEGER NOT NULL,
	source TEXT NOT NULL,
	match JSON,
	vars JSON,
	event JSON,
	outputs JSON,
	expire_at INTEGER
);
CREATE TABLE IF NOT EXISTS flow_versions (
	flow_name TEXT NOT NULL,
	version INTEGER NOT NULL,
	content TEXT NOT NULL,
	deployed_at INTEGER NOT NULL,
	PRIMARY KEY (flow_name, version)
);
`

// NewSqliteStorage opens (and if needed creates) the database at dsn.
func NewSqliteStorage(dsn string) (*SqliteStorage, error) {
	if dsn != ":memory:" && dsn != "" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Storage(err, "creating db directory %q", dir)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "opening sqlite database")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorage, err, "creating sqlite schema")
	}
	return &SqliteStorage{db: db}, nil
}

func (s *SqliteStorage) SaveRun(ctx context.Context, run *model.Run) error {
	event, err := json.Marshal(run.Event)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "marshaling run event")
	}
	vars, err := json.Marshal(run.Vars)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "marshaling run vars")
	}
	var endedAt any
	if run.EndedAt != nil {
		endedAt = run.EndedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_name, event, vars, status, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at
`, run.ID.String(), run.FlowName, event, vars, string(run.Status), run.StartedAt.Unix(), endedAt)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "saving run %s", run.ID)
	}
	return nil
}

func (s *SqliteStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs WHERE id=?`, id.String())
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindStorage, "run %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "loading run %s", id)
	}
	steps, err := s.stepRecords(ctx, id)
	if err != nil {
		return nil, err
	}
	run.Steps = steps
	return run, nil
}

func (s *SqliteStorage) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	var endedAt any
	if status.Terminal() {
		endedAt = time.Now().Unix()
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status=?, ended_at=COALESCE(?, ended_at) WHERE id=?`,
		string(status), endedAt, id.String())
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "updating run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindStorage, "run %s not found", id)
	}
	return nil
}

func (s *SqliteStorage) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "listing runs")
	}
	defer rows.Close()
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, err, "scanning run")
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SqliteStorage) AppendStepRecord(ctx context.Context, rec *model.StepRecord) error {
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "marshaling step output")
	}
	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.Unix()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO step_records (id, run_id, step_id, status, attempts, started_at, ended_at, output, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, step_id, attempts) DO UPDATE SET
	status=excluded.status, ended_at=excluded.ended_at, output=excluded.output, error=excluded.error
`, rec.ID.String(), rec.RunID.String(), rec.StepID, string(rec.Status), rec.Attempts,
		rec.StartedAt.Unix(), endedAt, output, rec.Error)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "appending step record %s/%s", rec.RunID, rec.StepID)
	}
	return nil
}

func (s *SqliteStorage) stepRecords(ctx context.Context, runID uuid.UUID) ([]model.StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, run_id, step_id, status, attempts, started_at, ended_at, output, error
FROM step_records WHERE run_id=? ORDER BY started_at, attempts`, runID.String())
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "loading step records for %s", runID)
	}
	defer rows.Close()
	var records []model.StepRecord
	for rows.Next() {
		var rec model.StepRecord
		var idStr, runIDStr, status string
		var startedAt int64
		var endedAt sql.NullInt64
		var output []byte
		if err := rows.Scan(&idStr, &runIDStr, &rec.StepID, &status, &rec.Attempts,
			&startedAt, &endedAt, &output, &rec.Error); err != nil {
			return nil, errs.Wrap(errs.KindStorage, err, "scanning step record")
		}
		rec.ID, _ = uuid.Parse(idStr)
		rec.RunID, _ = uuid.Parse(runIDStr)
		rec.Status = model.StepStatus(status)
		rec.StartedAt = time.Unix(startedAt, 0)
		if endedAt.Valid {
			t := time.Unix(endedAt.Int64, 0)
			rec.EndedAt = &t
		}
		if len(output) > 0 {
			if err := json.Unmarshal(output, &rec.Output); err != nil {
				return nil, errs.Wrap(errs.KindStorage, err, "decoding step output")
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SqliteStorage) SaveResumeToken(ctx context.Context, token *model.ResumeToken) error {
	flow, _ := json.Marshal(token.Flow)
	match, _ := json.Marshal(token.Match)
	vars, _ := json.Marshal(token.Vars)
	event, _ := json.Marshal(token.Event)
	outputs, _ := json.Marshal(token.Outputs)
	var expireAt any
	if token.ExpireAt != nil {
		expireAt = token.ExpireAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO resume_tokens (token, run_id, flow, step_id, step_idx, source, match, vars, event, outputs, expire_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(token) DO UPDATE SET
	step_idx=excluded.step_idx, match=excluded.match, vars=excluded.vars,
	event=excluded.event, outputs=excluded.outputs, expire_at=excluded.expire_at
`, token.Token, token.RunID.String(), flow, token.StepID, token.StepIdx, token.Source,
		match, vars, event, outputs, expireAt)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "saving resume token %s", token.Token)
	}
	return nil
}

func (s *SqliteStorage) TakeResumeToken(ctx context.Context, token string) (*model.ResumeToken, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "taking resume token")
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
SELECT token, run_id, flow, step_id, step_idx, source, match, vars, event, outputs, expire_at
FROM resume_tokens WHERE token=?`, token)
	t, err := scanResumeToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "loading resume token %s", token)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM resume_tokens WHERE token=?`, token); err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "claiming resume token %s", token)
	}
	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "claiming resume token %s", token)
	}
	return t, nil
}

func (s *SqliteStorage) ListResumeTokens(ctx context.Context) ([]*model.ResumeToken, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT token, run_id, flow, step_id, step_idx, source, match, vars, event, outputs, expire_at
FROM resume_tokens`)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "listing resume tokens")
	}
	defer rows.Close()
	var tokens []*model.ResumeToken
	for rows.Next() {
		t, err := scanResumeToken(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindStorage, err, "scanning resume token")
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

func (s *SqliteStorage) DeployFlowVersion(ctx context.Context, flowName, content string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, err, "deploying flow %q", flowName)
	}
	defer tx.Rollback()

	var version int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM flow_versions WHERE flow_name=?`, flowName,
	).Scan(&version); err != nil {
		return 0, errs.Wrap(errs.KindStorage, err, "deploying flow %q", flowName)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO flow_versions (flow_name, version, content, deployed_at) VALUES (?, ?, ?, ?)`,
		flowName, version, content, time.Now().Unix()); err != nil {
		return 0, errs.Wrap(errs.KindStorage, err, "deploying flow %q", flowName)
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindStorage, err, "deploying flow %q", flowName)
	}
	return version, nil
}

func (s *SqliteStorage) GetFlowVersionContent(ctx context.Context, flowName string, version int) (string, error) {
	var content string
	var err error
	if version <= 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT content FROM flow_versions WHERE flow_name=? ORDER BY version DESC LIMIT 1`,
			flowName).Scan(&content)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT content FROM flow_versions WHERE flow_name=? AND version=?`,
			flowName, version).Scan(&content)
	}
	if err == sql.ErrNoRows {
		return "", errs.New(errs.KindStorage, "flow %q version %d not found", flowName, version)
	}
	if err != nil {
		return "", errs.Wrap(errs.KindStorage, err, "loading flow %q", flowName)
	}
	return content, nil
}

func (s *SqliteStorage) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.Run, error) {
	var run model.Run
	var idStr, status string
	var event, vars []byte
	var startedAt int64
	var endedAt sql.NullInt64
	if err := row.Scan(&idStr, &run.FlowName, &event, &vars, &status, &startedAt, &endedAt); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	run.ID = id
	run.Status = model.RunStatus(status)
	if err := json.Unmarshal(event, &run.Event); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vars, &run.Vars); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(startedAt, 0)
	if endedAt.Valid {
		t := time.Unix(endedAt.Int64, 0)
		run.EndedAt = &t
	}
	return &run, nil
}

func scanResumeToken(row rowScanner) (*model.ResumeToken, error) {
	var t model.ResumeToken
	var runIDStr string
	var flow, match, vars, event, outputs []byte
	var expireAt sql.NullInt64
	if err := row.Scan(&t.Token, &runIDStr, &flow, &t.StepID, &t.StepIdx, &t.Source,
		&match, &vars, &event, &outputs, &expireAt); err != nil {
		return nil, err
	}
	if len(flow) > 0 && string(flow) != "null" {
		t.Flow = &model.Flow{}
		if err := json.Unmarshal(flow, t.Flow); err != nil {
			return nil, err
		}
	}
	runID, err := uuid.Parse(runIDStr)
	if err != nil {
		return nil, err
	}
	t.RunID = runID
	if err := json.Unmarshal(match, &t.Match); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(vars, &t.Vars); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(event, &t.Event); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(outputs, &t.Outputs); err != nil {
		return nil, err
	}
	if expireAt.Valid {
		ts := time.Unix(expireAt.Int64, 0)
		t.ExpireAt = &ts
	}
	return &t, nil
}
