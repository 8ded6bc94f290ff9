package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Iron-Ham/loopguard/internal/config"
	"github.com/Iron-Ham/loopguard/internal/errors"
	"github.com/Iron-Ham/loopguard/internal/event"
	"github.com/Iron-Ham/loopguard/internal/ledger"
	"github.com/Iron-Ham/loopguard/internal/logging"
	"github.com/Iron-Ham/loopguard/internal/metrics"
	"github.com/Iron-Ham/loopguard/internal/orchestrator"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Reason  string          `json:"reason"`
}

func newTestServer(t *testing.T, mutate func(*config.Config)) http.Handler {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	bus := event.NewBus()
	reg := prometheus.NewRegistry()
	metrics.MustNewMetrics(reg).Attach(bus)

	coord, err := orchestrator.NewFromConfig(cfg, ledger.NewMemoryStore(), bus, nil,
		orchestrator.WithClock(func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }),
	)
	require.NoError(t, err)
	return New(coord, cfg.Server, reg, WithVersion("test")).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var env envelope
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

var loginPlan = map[string]any{
	"steps": []map[string]string{
		{"agent": "ash", "goal": "Fix the flaky login test in auth service"},
		{"agent": "critic", "goal": "Review the patch for the login fix"},
	},
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "test", resp.Version)
}

func TestSubmitAndReport(t *testing.T) {
	h := newTestServer(t, nil)

	code, env := do(t, h, http.MethodPost, "/v1/loops", map[string]any{
		"project_id": "p", "task_id": "t1", "plan": loginPlan,
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	var sub orchestrator.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	assert.Equal(t, orchestrator.SubmitExecuting, sub.Status)
	assert.Equal(t, 0, sub.LoopIndex)

	code, env = do(t, h, http.MethodPost, "/v1/loops", map[string]any{
		"project_id": "p", "task_id": "t1", "plan": loginPlan,
	})
	assert.Equal(t, http.StatusConflict, code, "second submit while executing")

	code, env = do(t, h, http.MethodPost, "/v1/loops/failure", map[string]any{
		"project_id": "p", "task_id": "t1", "loop_index": 0, "failure_signal": "upstream returned status 503",
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	var fr orchestrator.FailureResult
	require.NoError(t, json.Unmarshal(env.Data, &fr))
	assert.Equal(t, "external_dependency_error", fr.Report.Type)
	assert.Equal(t, "integrator", fr.Report.SuggestedAgent)
	assert.Equal(t, orchestrator.StateRetry, fr.State)

	code, _ = do(t, h, http.MethodPost, "/v1/loops/success", map[string]any{
		"project_id": "p", "task_id": "t1", "loop_index": 0,
	})
	assert.Equal(t, http.StatusConflict, code, "outcome is already final")

	code, _ = do(t, h, http.MethodPost, "/v1/loops/success", map[string]any{
		"project_id": "p", "task_id": "t1", "loop_index": 9,
	})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, h, http.MethodPost, "/v1/loops/success", map[string]any{"task_id": "t1"})
	assert.Equal(t, http.StatusBadRequest, code, "missing loop_index")
}

func TestSubmit_GuardOverrideBlocks(t *testing.T) {
	h := newTestServer(t, nil)

	code, _ := do(t, h, http.MethodPost, "/v1/loops", map[string]any{"task_id": "t1", "plan": loginPlan})
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodPost, "/v1/loops/abort", map[string]any{"task_id": "t1", "loop_index": 0, "reason": "wrong approach"})
	require.Equal(t, http.StatusOK, code)

	code, env := do(t, h, http.MethodPost, "/v1/loops", map[string]any{
		"task_id": "t1", "plan": loginPlan, "guard": map[string]any{"block_execution": true},
	})
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Equal(t, "delusion_block", env.Reason)

	var sub orchestrator.SubmitResult
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	assert.Equal(t, orchestrator.SubmitBlocked, sub.Status)
	assert.Equal(t, ledger.VerdictBlock, sub.Verdict)
}

func TestSubmit_Validation(t *testing.T) {
	h := newTestServer(t, nil)

	code, _ := do(t, h, http.MethodPost, "/v1/loops", map[string]any{"task_id": "t1", "plan": map[string]any{"steps": []any{}}})
	assert.Equal(t, http.StatusBadRequest, code, "empty plan")

	code, _ = do(t, h, http.MethodPost, "/v1/loops", map[string]any{"task_id": "", "plan": loginPlan})
	assert.Equal(t, http.StatusBadRequest, code, "blank task")

	code, _ = do(t, h, http.MethodPost, "/v1/loops", map[string]any{"task_id": "t1", "plan": loginPlan, "caps": map[string]any{"max_loops_per_task": -1}})
	assert.Equal(t, http.StatusBadRequest, code, "negative cap override")

	req := httptest.NewRequest(http.MethodPost, "/v1/loops", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDelegations(t *testing.T) {
	h := newTestServer(t, nil)

	for _, hop := range []struct {
		from, to string
		depth    int
	}{{"hal", "ash", 1}, {"ash", "nova", 2}} {
		code, env := do(t, h, http.MethodPost, "/v1/delegations", map[string]any{
			"task_id": "t1", "from_agent": hop.from, "to_agent": hop.to, "proposed_depth": hop.depth,
		})
		require.Equal(t, http.StatusCreated, code, env.Error)
	}

	code, env := do(t, h, http.MethodPost, "/v1/delegations", map[string]any{
		"task_id": "t1", "from_agent": "nova", "to_agent": "critic",
	})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "depth_exceeded", env.Reason)

	var res orchestrator.DelegationResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, 3, res.Depth)
	assert.Equal(t, 2, res.Limit)

	code, _ = do(t, h, http.MethodPost, "/v1/delegations", map[string]any{
		"task_id": "t1", "from_agent": "nova", "to_agent": "critic", "caps": map[string]any{"max_delegation_depth": 5},
	})
	assert.Equal(t, http.StatusCreated, code, "per-request ceiling override")
}

func TestCheckpoints(t *testing.T) {
	h := newTestServer(t, nil)

	code, env := do(t, h, http.MethodPost, "/v1/checkpoints", map[string]any{
		"task_id": "t2", "name": "design_review", "kind": "hard",
	})
	require.Equal(t, http.StatusCreated, code, env.Error)
	var cp ledger.Checkpoint
	require.NoError(t, json.Unmarshal(env.Data, &cp))
	assert.Equal(t, ledger.CheckpointPending, cp.Status)

	code, env = do(t, h, http.MethodPost, "/v1/loops", map[string]any{"task_id": "t2", "plan": loginPlan})
	assert.Equal(t, http.StatusTooManyRequests, code)
	assert.Equal(t, "checkpoint_pending", env.Reason)

	code, _ = do(t, h, http.MethodPost, "/v1/checkpoints/"+cp.ID+"/resolve", map[string]any{"note": "missing approved"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = do(t, h, http.MethodPost, "/v1/checkpoints/"+cp.ID+"/resolve", map[string]any{"approved": true, "note": "ok"})
	require.Equal(t, http.StatusOK, code, env.Error)

	code, _ = do(t, h, http.MethodPost, "/v1/checkpoints/"+cp.ID+"/resolve", map[string]any{"approved": false})
	assert.Equal(t, http.StatusConflict, code, "double resolve")

	code, _ = do(t, h, http.MethodPost, "/v1/loops", map[string]any{"task_id": "t2", "plan": loginPlan})
	assert.Equal(t, http.StatusOK, code)

	code, env = do(t, h, http.MethodGet, "/v1/checkpoints?task_id=t2", nil)
	require.Equal(t, http.StatusOK, code)
	var cps []ledger.Checkpoint
	require.NoError(t, json.Unmarshal(env.Data, &cps))
	assert.Len(t, cps, 1)

	code, _ = do(t, h, http.MethodGet, "/v1/checkpoints/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, h, http.MethodPost, "/v1/checkpoints", map[string]any{"task_id": "t2", "name": "x", "kind": "medium"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = do(t, h, http.MethodPost, "/v1/checkpoints", map[string]any{
		"task_id": "t2", "name": "design_review", "kind": "hard", "reuse": true,
	})
	require.Equal(t, http.StatusCreated, code)
	var reused ledger.Checkpoint
	require.NoError(t, json.Unmarshal(env.Data, &reused))
	assert.Equal(t, cp.ID, reused.ID)
}

func TestClassifyAndStatus(t *testing.T) {
	h := newTestServer(t, nil)

	code, env := do(t, h, http.MethodPost, "/v1/classify", map[string]any{"task_id": "t1", "failure_signal": ""})
	require.Equal(t, http.StatusOK, code)
	var report ledger.FailureReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, "unknown", report.Type)
	assert.NotEmpty(t, report.PatchPlan)

	do(t, h, http.MethodPost, "/v1/loops", map[string]any{"project_id": "p", "task_id": "t1", "plan": loginPlan})

	code, env = do(t, h, http.MethodGet, "/v1/tasks/t1?project_id=p", nil)
	require.Equal(t, http.StatusOK, code)
	var st orchestrator.TaskStatus
	require.NoError(t, json.Unmarshal(env.Data, &st))
	assert.Equal(t, orchestrator.StateExecuting, st.State)
	assert.Equal(t, 1, st.LoopsUsed)

	code, env = do(t, h, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, code)
	var tasks []ledger.TaskKey
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	assert.Equal(t, []ledger.TaskKey{ledger.Key("p", "t1")}, tasks)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil)
	do(t, h, http.MethodPost, "/v1/loops", map[string]any{"task_id": "t1", "plan": loginPlan})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "loopguard_loop_transitions_total")
}

func TestTaskStatus_UnknownTask(t *testing.T) {
	h := newTestServer(t, nil)

	code, env := do(t, h, http.MethodGet, "/v1/tasks/ghost?project_id=p", nil)
	require.Equal(t, http.StatusNotFound, code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Error, "not found")
}

func TestFail_HidesInternalErrors(t *testing.T) {
	s := &Server{logger: logging.NopLogger()}

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"internal", errors.New("sqlite: database disk image is malformed"), http.StatusInternalServerError, "Internal Server Error"},
		{"not found", errors.NewNotFoundError("task", "p/t9"), http.StatusNotFound, "task 'p/t9' not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/v1/tasks/t9", nil)

			s.fail(c, tt.err)

			require.Equal(t, tt.wantStatus, w.Code)
			var env envelope
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
			assert.Equal(t, tt.wantError, env.Error)
		})
	}
}
