package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/loomworks/loom/errs"
	"github.com/loomworks/loom/model"
)

// MemoryStorage keeps everything in process memory. It backs tests and
// one-shot CLI runs where persistence across restarts doesn't matter.
type MemoryStorage struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*model.Run
	records  map[uuid.UUID][]model.StepRecord
	tokens   map[string]*model.ResumeToken
	versions map[string][]string
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		runs:     map[uuid.UUID]*model.Run{},
		records:  map[uuid.UUID][]model.StepRecord{},
		tokens:   map[string]*model.ResumeToken{},
		versions: map[string][]string{},
	}
}

func (m *MemoryStorage) SaveRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	cp.Steps = nil
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, errs.New(errs.KindStorage, "run %s not found", id)
	}
	cp := *run
	cp.Steps = append([]model.StepRecord(nil), m.records[id]...)
	return &cp, nil
}

func (m *MemoryStorage) UpdateRunStatus(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return errs.New(errs.KindStorage, "run %s not found", id)
	}
	run.Status = status
	return nil
}

func (m *MemoryStorage) ListRuns(ctx context.Context) ([]*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Run, 0, len(m.runs))
	for _, run := range m.runs {
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStorage) AppendStepRecord(ctx context.Context, rec *model.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := m.records[rec.RunID]
	for i := range records {
		if records[i].StepID == rec.StepID && records[i].Attempts == rec.Attempts {
			records[i] = *rec
			return nil
		}
	}
	m.records[rec.RunID] = append(records, *rec)
	return nil
}

func (m *MemoryStorage) SaveResumeToken(ctx context.Context, token *model.ResumeToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *token
	m.tokens[token.Token] = &cp
	return nil
}

func (m *MemoryStorage) TakeResumeToken(ctx context.Context, token string) (*model.ResumeToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, nil
	}
	delete(m.tokens, token)
	return t, nil
}

func (m *MemoryStorage) ListResumeTokens(ctx context.Context) ([]*model.ResumeToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.ResumeToken, 0, len(m.tokens))
	for _, t := range m.tokens {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStorage) DeployFlowVersion(ctx context.Context, flowName, content string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[flowName] = append(m.versions[flowName], content)
	return len(m.versions[flowName]), nil
}

func (m *MemoryStorage) GetFlowVersionContent(ctx context.Context, flowName string, version int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	versions := m.versions[flowName]
	if len(versions) == 0 {
		return "", errs.New(errs.KindStorage, "flow %q has no deployed versions", flowName)
	}
	if version <= 0 {
		return versions[len(versions)-1], nil
	}
	if version > len(versions) {
		return "", errs.New(errs.KindStorage, "flow %q has no version %d", flowName, version)
	}
	return versions[version-1], nil
}

func (m *MemoryStorage) Close() error { return nil }
