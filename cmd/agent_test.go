package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/forge/internal/llm"
	"github.com/joescharf/forge/internal/models"
	"github.com/joescharf/forge/internal/store"
)

// generationServer answers each phase with a canned SSE stream. override,
// when set, can replace the answer for a given phase and prompt.
func generationServer(t *testing.T, responses map[string]string, override func(phase, prompt string) (string, bool)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Phase  string `json:"phase"`
			Prompt string `json:"prompt"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, ok := responses[body.Phase]
		if override != nil {
			if o, hit := override(body.Phase, body.Prompt); hit {
				resp, ok = o, true
			}
		}
		if !ok {
			http.Error(w, "unknown phase", http.StatusBadRequest)
			return
		}
		ev, _ := json.Marshal(llm.StreamEvent{FullContent: resp})
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\ndata: [DONE]\n\n", ev)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func buttonPhases() map[string]string {
	return map[string]string{
		"analyze": `{"intent":"create Button","affectedFiles":["src/Button.tsx"],"complexity":"simple"}`,
		"plan":    `{"summary":"Create Button","steps":[{"title":"Create Button","fileChanges":[{"filePath":"src/Button.tsx","action":"create"}]}]}`,
		"execute": `{"filePath":"src/Button.tsx","action":"create","content":"export const Button = () => null\n"}`,
		"test":    `{"hasErrors":false}`,
		"report":  `{"success":true,"summary":"Created Button","filesCreated":["src/Button.tsx"]}`,
	}
}

func projectEnv(t *testing.T) (string, *bytes.Buffer) {
	t.Helper()
	testEnv(t)
	project := t.TempDir()
	viper.Set("runtime.root", project)
	viper.Set("sync.watch", false)
	t.Setenv("ANTHROPIC_API_KEY", "")

	out := &bytes.Buffer{}
	ui.Out = out
	ui.ErrOut = out
	return project, out
}

func TestAgentRunRun_CreatesFile(t *testing.T) {
	project, out := projectEnv(t)
	viper.Set("generation.endpoint", generationServer(t, buttonPhases(), nil).URL)

	require.NoError(t, agentRunRun("create a button component"))

	data, err := os.ReadFile(filepath.Join(project, "src", "Button.tsx"))
	require.NoError(t, err)
	assert.Equal(t, "export const Button = () => null\n", string(data))
	assert.Contains(t, out.String(), "Agent loop completed successfully")
	assert.Contains(t, out.String(), "COMPLETED")
	assert.Contains(t, out.String(), "src/Button.tsx")

	s, err := getStore()
	require.NoError(t, err)
	runs, err := s.ListAgentRuns(context.Background(), store.RunListFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.AgentCompleted, runs[0].State)
	assert.NotNil(t, runs[0].EndedAt)
}

func TestAgentRunRun_WithoutGeneration(t *testing.T) {
	projectEnv(t)

	err := agentRunRun("create a button component")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent run failed")
	assert.Contains(t, err.Error(), "no generation service configured")
}

func TestAgentRunRun_RollbackOnFailure(t *testing.T) {
	project, _ := projectEnv(t)
	phases := buttonPhases()
	phases["plan"] = `{"summary":"Two files","steps":[` +
		`{"title":"Create Button","fileChanges":[{"filePath":"src/Button.tsx","action":"create"}]},` +
		`{"title":"Create Card","fileChanges":[{"filePath":"src/Card.tsx","action":"create"}]}]}`
	cardFails := func(phase, prompt string) (string, bool) {
		return "no json here", phase == "execute" && strings.Contains(prompt, "Create Card")
	}
	viper.Set("generation.endpoint", generationServer(t, phases, cardFails).URL)
	agentRollbackOnFailure = true
	t.Cleanup(func() { agentRollbackOnFailure = false })

	// The second step never yields a file change, so the run fails once
	// its retries are spent with the first step's change applied.
	err := agentRunRun("create two components")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent run failed")

	_, statErr := os.Stat(filepath.Join(project, "src", "Button.tsx"))
	assert.True(t, os.IsNotExist(statErr), "created file should be rolled back")
}

func TestAgentHistoryRun(t *testing.T) {
	_, out := projectEnv(t)
	s, err := getStore()
	require.NoError(t, err)
	ctx := context.Background()

	ended := time.Now().UTC()
	require.NoError(t, s.CreateAgentRun(ctx, &models.AgentRun{
		ID: "01HZRUNAAAAA1", UserRequest: "create a button component", State: models.AgentCompleted,
		StepsTotal: 1, StepsCompleted: 1, StartedAt: ended.Add(-90 * time.Second), EndedAt: &ended,
	}))
	require.NoError(t, s.CreateAgentRun(ctx, &models.AgentRun{
		ID: "01HZRUNBBBBB1", UserRequest: "add routing", State: models.AgentExecuting,
	}))

	require.NoError(t, agentHistoryRun())
	assert.Contains(t, out.String(), "create a button component")
	assert.Contains(t, out.String(), "1m30s")
	assert.Contains(t, out.String(), "running")

	out.Reset()
	agentOpen = true
	t.Cleanup(func() { agentOpen = false })
	require.NoError(t, agentHistoryRun())
	assert.NotContains(t, out.String(), "create a button component")
	assert.Contains(t, out.String(), "add routing")
}

func TestAgentHistoryRun_Empty(t *testing.T) {
	_, out := projectEnv(t)
	require.NoError(t, agentHistoryRun())
	assert.Contains(t, out.String(), "No agent run history")
}

func TestAgentLogsRun(t *testing.T) {
	_, out := projectEnv(t)
	s, err := getStore()
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.CreateAgentRun(ctx, &models.AgentRun{
		ID: "01HZRUNAAAAA1", UserRequest: "create a button component",
		State: models.AgentFailed, Error: "analysis failed: timeout",
	}))
	require.NoError(t, s.AddAgentLogs(ctx, []models.LogEntry{
		{RunID: "01HZRUNAAAAA1", Level: models.LogStep, Message: "Analyzing request...", Timestamp: time.Now()},
	}))

	require.NoError(t, agentLogsRun("01hzruna"))
	assert.Contains(t, out.String(), "Analyzing request...")
	assert.Contains(t, out.String(), "analysis failed: timeout")
}

func TestFindRun(t *testing.T) {
	projectEnv(t)
	s, err := getStore()
	require.NoError(t, err)
	ctx := context.Background()
	for _, id := range []string{"01AAA1", "01AAA2", "01BBB1"} {
		require.NoError(t, s.CreateAgentRun(ctx, &models.AgentRun{ID: id}))
	}

	tests := []struct {
		ref     string
		want    string
		wantErr string
	}{
		{ref: "01AAA2", want: "01AAA2"},
		{ref: "01b", want: "01BBB1"},
		{ref: "01aaa", wantErr: "ambiguous"},
		{ref: "zz", wantErr: "not found"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			run, err := findRun(ctx, s, tt.ref)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, run.ID)
		})
	}
}

func TestAgentPruneRun(t *testing.T) {
	projectEnv(t)
	s, err := getStore()
	require.NoError(t, err)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := range 5 {
		require.NoError(t, s.CreateAgentRun(ctx, &models.AgentRun{StartedAt: base.Add(time.Duration(i) * time.Minute)}))
	}

	agentKeep = 2
	t.Cleanup(func() { agentKeep = 50 })

	dryRun = true
	require.NoError(t, agentPruneRun())
	dryRun = false
	runs, err := s.ListAgentRuns(ctx, store.RunListFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 5)

	require.NoError(t, agentPruneRun())
	runs, err = s.ListAgentRuns(ctx, store.RunListFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestNewTransport(t *testing.T) {
	testEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "")

	assert.Nil(t, newTransport())

	viper.Set("anthropic.api_key", "sk-test")
	assert.IsType(t, &llm.AnthropicTransport{}, newTransport())

	viper.Set("generation.endpoint", "http://localhost:9/generate")
	assert.IsType(t, &llm.SSETransport{}, newTransport())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b", truncate("a\n  b", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "<1s", formatDuration(500*time.Millisecond))
	assert.Equal(t, "42s", formatDuration(42*time.Second))
	assert.Equal(t, "1m30s", formatDuration(90*time.Second))
	assert.Equal(t, "2h5m", formatDuration(125*time.Minute))
}
