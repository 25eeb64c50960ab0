package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/model"
)

// PostgresStorage backs deployments where several processes share run state,
// for example an API node resuming runs suspended by a worker.
type PostgresStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgresStorage)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	flow_name TEXT NOT NULL,
	event JSONB,
	vars JSONB,
	status TEXT NOT NULL,
	started_at BIGINT NOT NULL,
	ended_at BIGINT
);
CREATE TABLE IF NOT EXISTS step_records (
	id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	step_id TEXT NOT NULL,
	status TEXT NOT NULL,
	attempts INTEGER NOT NULL,
	started_at BIGINT NOT NULL,
	ended_at BIGINT,
	output JSONB,
	error TEXT,
	PRIMARY KEY (run_id, step_id, attempts)
);
CREATE TABLE IF NOT EXISTS resume_tokens (
	token TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	flow JSONB,
	step_id TEXT NOT NULL,
	step_idx INTEGER NOT NULL,
	source TEXT NOT NULL,
	match JSONB,
	vars JSONB,
	event JSONB,
	outputs JSONB,
	expire_at BIGINT
);
CREATE TABLE IF NOT EXISTS flow_versions (
	flow_name TEXT NOT NULL,
	version INTEGER NOT NULL,
	content TEXT NOT NULL,
	deployed_at BIGINT NOT NULL,
	PRIMARY KEY (flow_name, version)
);
`

// NewPostgresStorage connects to dsn and ensures the schema exists.
func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "opening postgres connection")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorage, err, "pinging postgres")
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.KindStorage, err, "creating postgres schema")
	}
	return &PostgresStorage{db: db}, nil
}

func (p *PostgresStorage) SaveRun(ctx context.Context, run *model.Run) error {
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
	_, err = p.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_name, event, vars, status, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at
`, run.ID.String(), run.FlowName, event, vars, string(run.Status), run.StartedAt.Unix(), endedAt)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "saving run %s", run.ID)
	}
	return nil
}

func (p *PostgresStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT id, flow_name, event, vars, status, started_at, ended_at FROM runs WHERE id=$1`, id.String())
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindStorage, "run %s not found", id)
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "loading run %s", id)
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT id, run_id, step_id, status, attempts, started_at, ended_at, output, error
FROM step_records WHERE run_id=$1 ORDER BY started_at, attempts`, id.String())
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "loading step records for %s", id)
	}
	defer rows.Close()
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
		run.Steps = append(run.Steps, rec)
	}
	return run, rows.Err()
}

func (p *PostgresStorage) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	var endedAt any
	if status.Terminal() {
		endedAt = time.Now().Unix()
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE runs SET status=$1, ended_at=COALESCE($2, ended_at) WHERE id=$3`,
		string(status), endedAt, id.String())
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "updating run %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errs.New(errs.KindStorage, "run %s not found", id)
	}
	return nil
}

func (p *PostgresStorage) ListRuns(ctx context.Context) ([]*model.Run, error) {
	rows, err := p.db.QueryContext(ctx,
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

func (p *PostgresStorage) AppendStepRecord(ctx context.Context, rec *model.StepRecord) error {
	output, err := json.Marshal(rec.Output)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "marshaling step output")
	}
	var endedAt any
	if rec.EndedAt != nil {
		endedAt = rec.EndedAt.Unix()
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO step_records (id, run_id, step_id, status, attempts, started_at, ended_at, output, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT(run_id, step_id, attempts) DO UPDATE SET
	status=excluded.status, ended_at=excluded.ended_at, output=excluded.output, error=excluded.error
`, rec.ID.String(), rec.RunID.String(), rec.StepID, string(rec.Status), rec.Attempts,
		rec.StartedAt.Unix(), endedAt, output, rec.Error)
	if err != nil {
		return errs.Wrap(errs.KindStorage, err, "appending step record %s/%s", rec.RunID, rec.StepID)
	}
	return nil
}

func (p *PostgresStorage) SaveResumeToken(ctx context.Context, token *model.ResumeToken) error {
	flow, _ := json.Marshal(token.Flow)
	match, _ := json.Marshal(token.Match)
	vars, _ := json.Marshal(token.Vars)
	event, _ := json.Marshal(token.Event)
	outputs, _ := json.Marshal(token.Outputs)
	var expireAt any
	if token.ExpireAt != nil {
		expireAt = token.ExpireAt.Unix()
	}
	_, err := p.db.ExecContext(ctx, `
INSERT INTO resume_tokens (token, run_id, flow, step_id, step_idx, source, match, vars, event, outputs, expire_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
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

func (p *PostgresStorage) TakeResumeToken(ctx context.Context, token string) (*model.ResumeToken, error) {
	// DELETE … RETURNING claims the token in one statement.
	row := p.db.QueryRowContext(ctx, `
DELETE FROM resume_tokens WHERE token=$1
RETURNING token, run_id, flow, step_id, step_idx, source, match, vars, event, outputs, expire_at`, token)
	t, err := scanResumeToken(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err, "taking resume token %s", token)
	}
	return t, nil
}

func (p *PostgresStorage) ListResumeTokens(ctx context.Context) ([]*model.ResumeToken, error) {
	rows, err := p.db.QueryContext(ctx, `
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

func (p *PostgresStorage) DeployFlowVersion(ctx context.Context, flowName, content string) (int, error) {
	var version int
	err := p.db.QueryRowContext(ctx, `
INSERT INTO flow_versions (flow_name, version, content, deployed_at)
SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3 FROM flow_versions WHERE flow_name=$1
RETURNING version`, flowName, content, time.Now().Unix()).Scan(&version)
	if err != nil {
		return 0, errs.Wrap(errs.KindStorage, err, "deploying flow %q", flowName)
	}
	return version, nil
}

func (p *PostgresStorage) GetFlowVersionContent(ctx context.Context, flowName string, version int) (string, error) {
	var content string
	var err error
	if version <= 0 {
		err = p.db.QueryRowContext(ctx,
			`SELECT content FROM flow_versions WHERE flow_name=$1 ORDER BY version DESC LIMIT 1`,
			flowName).Scan(&content)
	} else {
		err = p.db.QueryRowContext(ctx,
			`SELECT content FROM flow_versions WHERE flow_name=$1 AND version=$2`,
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

func (p *PostgresStorage) Close() error { return p.db.Close() }
