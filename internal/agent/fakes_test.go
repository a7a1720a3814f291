package agent

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/joescharf/forge/internal/models"
)

// fakeGenerator answers each phase from a function; nil phases succeed with
// an empty answer.
type fakeGenerator struct {
	mu       sync.Mutex
	analyze  func(ctx context.Context, req string) (*models.AgentAnalysis, error)
	plan     func(ctx context.Context) (*models.AgentPlan, error)
	execute  func(ctx context.Context, req models.ExecuteRequest) (*models.ExecuteResult, error)
	test     func(changes []models.AgentFileChange) (*models.TestResult, error)
	report   func(plan *models.AgentPlan) (*models.AgentReport, error)
	calls    map[string]int
	executes []models.ExecuteRequest
}

func (g *fakeGenerator) count(phase string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.calls == nil {
		g.calls = make(map[string]int)
	}
	g.calls[phase]++
}

func (g *fakeGenerator) Calls(phase string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[phase]
}

func (g *fakeGenerator) Analyze(ctx context.Context, req string, _ models.ProjectContext) (*models.AgentAnalysis, error) {
	g.count("analyze")
	if g.analyze != nil {
		return g.analyze(ctx, req)
	}
	return &models.AgentAnalysis{Intent: req, Complexity: models.ComplexitySimple}, nil
}

func (g *fakeGenerator) Plan(ctx context.Context, _ string, _ *models.AgentAnalysis, _ models.ProjectContext) (*models.AgentPlan, error) {
	g.count("plan")
	if g.plan != nil {
		return g.plan(ctx)
	}
	return &models.AgentPlan{ID: "plan-1", Summary: "nothing"}, nil
}

func (g *fakeGenerator) Execute(ctx context.Context, req models.ExecuteRequest) (*models.ExecuteResult, error) {
	g.count("execute")
	g.mu.Lock()
	g.executes = append(g.executes, req)
	g.mu.Unlock()
	if g.execute != nil {
		return g.execute(ctx, req)
	}
	action, target := req.Step.TargetAction()
	return &models.ExecuteResult{FilePath: target, Action: action, Content: "// " + req.Step.ID + "\n"}, nil
}

func (g *fakeGenerator) Test(_ context.Context, changes []models.AgentFileChange) (*models.TestResult, error) {
	g.count("test")
	if g.test != nil {
		return g.test(changes)
	}
	return &models.TestResult{Errors: []string{}, Suggestions: []string{}, Severity: "none"}, nil
}

func (g *fakeGenerator) Report(_ context.Context, plan *models.AgentPlan) (*models.AgentReport, error) {
	g.count("report")
	if g.report != nil {
		return g.report(plan)
	}
	return &models.AgentReport{Success: true, Summary: "done"}, nil
}

// planOf builds a plan whose steps each touch one file.
func planOf(changes ...models.PlannedFileChange) *models.AgentPlan {
	plan := &models.AgentPlan{ID: "plan-1", Summary: fmt.Sprintf("%d changes", len(changes))}
	for i, c := range changes {
		plan.Steps = append(plan.Steps, models.AgentStep{
			ID:      fmt.Sprintf("step-%d", i+1),
			Title:   fmt.Sprintf("Step %d", i+1),
			Status:  models.StepCompleted,
			Planned: []models.PlannedFileChange{c},
		})
	}
	return plan
}

func create(p string) models.PlannedFileChange {
	return models.PlannedFileChange{FilePath: p, Action: models.ActionCreate}
}

func modify(p string) models.PlannedFileChange {
	return models.PlannedFileChange{FilePath: p, Action: models.ActionModify}
}

// memFiles is an in-memory sync engine and runtime reader.
type memFiles struct {
	mu       sync.Mutex
	files    map[string]string
	ops      []string
	failOn   map[string]error
	resolved []string
}

func newMemFiles(initial map[string]string) *memFiles {
	files := make(map[string]string, len(initial))
	for k, v := range initial {
		files[k] = v
	}
	return &memFiles{files: files, failOn: make(map[string]error)}
}

func (m *memFiles) Write(_ context.Context, p, content string, origin models.ChangeOrigin) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failOn[p]; err != nil {
		return err
	}
	m.ops = append(m.ops, "write "+p)
	m.files[p] = content
	return nil
}

func (m *memFiles) DeleteFile(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = append(m.ops, "delete "+p)
	delete(m.files, p)
	return nil
}

func (m *memFiles) ResolveConflict(_ context.Context, p string, _ models.ConflictResolution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, p)
	return nil
}

func (m *memFiles) ReadFile(_ context.Context, p string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	content, ok := m.files[p]
	if !ok {
		return "", fmt.Errorf("read %s: %w", p, fs.ErrNotExist)
	}
	return content, nil
}

func (m *memFiles) snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.files))
	for k, v := range m.files {
		out[k] = v
	}
	return out
}

func (m *memFiles) operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

func (m *memFiles) resetOps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = nil
}

// fakeProject serves project context and file content from a map.
type fakeProject struct {
	files map[string]string
}

func (p *fakeProject) ProjectContext() models.ProjectContext {
	paths := make([]string, 0, len(p.files))
	for k := range p.files {
		paths = append(paths, k)
	}
	sort.Strings(paths)
	return models.ProjectContext{OpenFiles: paths}
}

func (p *fakeProject) FileContent(path string) (string, bool) {
	c, ok := p.files[path]
	return c, ok
}

// fakeRunStore keeps run history in memory.
type fakeRunStore struct {
	mu   sync.Mutex
	runs map[string]*models.AgentRun
	logs []models.LogEntry
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]*models.AgentRun)}
}

func (f *fakeRunStore) CreateAgentRun(_ context.Context, run *models.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeRunStore) GetAgentRun(_ context.Context, id string) (*models.AgentRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s not found", id)
	}
	cp := *run
	return &cp, nil
}

func (f *fakeRunStore) UpdateAgentRun(_ context.Context, run *models.AgentRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.runs[run.ID]; !ok {
		return fmt.Errorf("run %s not found", run.ID)
	}
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeRunStore) AddAgentLogs(_ context.Context, logs []models.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, logs...)
	return nil
}

func messages(logs []models.LogEntry) []string {
	out := make([]string, len(logs))
	for i, l := range logs {
		out[i] = l.Message
	}
	return out
}

func strPtr(s string) *string { return &s }
