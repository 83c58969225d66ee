package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"finops-core/internal/config"
	"finops-core/internal/domain/entity"
	"finops-core/internal/usecase"
)

type fakeService struct {
	analyzeErr error
	analysis   *usecase.Analysis
	submission *usecase.Submission
	results    map[string]entity.WorkflowResult
	events     []entity.Event
	feedback   []usecase.Feedback
	accepted   bool
}

func (f *fakeService) Analyze(_ context.Context, in entity.Intake) (*usecase.Analysis, error) {
	if f.analyzeErr != nil {
		return nil, f.analyzeErr
	}
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return f.analysis, nil
}

func (f *fakeService) Submit(context.Context, entity.Intake) (*usecase.Submission, error) {
	return f.submission, nil
}

func (f *fakeService) Status(_ context.Context, id string) (entity.WorkflowResult, error) {
	r, ok := f.results[id]
	if !ok {
		return entity.WorkflowResult{}, entity.ErrWorkflowNotFound
	}
	return r, nil
}

func (f *fakeService) Events(_ context.Context, id string) (<-chan entity.Event, func(), error) {
	if _, ok := f.results[id]; !ok {
		return nil, nil, entity.ErrWorkflowNotFound
	}
	ch := make(chan entity.Event, len(f.events))
	for _, ev := range f.events {
		ch <- ev
	}
	close(ch)
	return ch, func() {}, nil
}

func (f *fakeService) Insights() entity.Insights {
	return entity.Insights{PerformanceTrend: entity.TrendStable, TopIssues: []string{}, RecommendedActions: []string{}}
}

func (f *fakeService) RecordFeedback(_ context.Context, fb usecase.Feedback) error {
	if fb.Rating < 1 || fb.Rating > 5 {
		return &entity.ValidationError{Field: "rating", Message: "must be between 1 and 5"}
	}
	f.feedback = append(f.feedback, fb)
	return nil
}

func (f *fakeService) Correct(context.Context, string, string) (bool, error) {
	return f.accepted, nil
}

func newApp(svc Service) *fiber.App {
	app := fiber.New()
	SetupRouter(app, NewAnalysisHandler(svc, nil), config.ServerConfig{Version: "test", Env: "test"})
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (*http.Response, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(raw)
}

func TestAnalyzeEndpoint(t *testing.T) {
	svc := &fakeService{analysis: &usecase.Analysis{RequestID: "r1", Status: entity.WorkflowCompleted, Content: "ok", Cached: true, CacheScore: 0.9}}
	app := newApp(svc)

	resp, body := do(t, app, http.MethodPost, "/v1/analysis", `{"query": "Calcule le ratio de liquidité", "type": "ratio-simple"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "true", resp.Header.Get("X-FinOps-Cache-Hit"))

	var got usecase.Analysis
	require.NoError(t, json.Unmarshal([]byte(body), &got))
	assert.Equal(t, "r1", got.RequestID)
	assert.True(t, got.Cached)
}

func TestAnalyzeErrorMapping(t *testing.T) {
	for name, tc := range map[string]struct {
		err    error
		body   string
		status int
	}{
		"malformed body": {body: `{`, status: http.StatusBadRequest},
		"empty query":    {body: `{"query": ""}`, status: http.StatusBadRequest},
		"rate limited":   {err: entity.ErrRateLimitExceeded, body: `{"query": "q"}`, status: http.StatusTooManyRequests},
		"queue closed":   {err: entity.ErrQueueClosed, body: `{"query": "q"}`, status: http.StatusServiceUnavailable},
		"unexpected":     {err: io.ErrUnexpectedEOF, body: `{"query": "q"}`, status: http.StatusInternalServerError},
	} {
		t.Run(name, func(t *testing.T) {
			app := newApp(&fakeService{analyzeErr: tc.err})
			resp, body := do(t, app, http.MethodPost, "/v1/analysis", tc.body)
			assert.Equal(t, tc.status, resp.StatusCode, body)
			assert.Contains(t, body, `"error"`)
		})
	}
}

func TestSubmitEndpoint(t *testing.T) {
	svc := &fakeService{submission: &usecase.Submission{Status: entity.WorkflowQueued, JobID: "wf-1", EstimatedTime: 20}}
	resp, body := do(t, newApp(svc), http.MethodPost, "/v1/analysis/jobs", `{"query": "Analyse mon bilan"}`)

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "/v1/analysis/wf-1", resp.Header.Get("Location"))
	assert.Contains(t, body, `"job_id":"wf-1"`)
	assert.Contains(t, body, `"estimated_time_s":20`)
}

func TestStatusEndpoint(t *testing.T) {
	svc := &fakeService{results: map[string]entity.WorkflowResult{
		"wf-1": {WorkflowID: "wf-1", Status: entity.WorkflowRunning},
	}}
	app := newApp(svc)

	resp, body := do(t, app, http.MethodGet, "/v1/analysis/wf-1", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"status":"running"`)

	resp, _ = do(t, app, http.MethodGet, "/v1/analysis/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsEndpointStreamsUntilComplete(t *testing.T) {
	done := entity.WorkflowResult{WorkflowID: "wf-1", Status: entity.WorkflowCompleted}
	svc := &fakeService{
		results: map[string]entity.WorkflowResult{"wf-1": done},
		events: []entity.Event{
			{Type: entity.EventProgress, WorkflowID: "wf-1", Message: "phase1 success"},
			{Type: entity.EventComplete, WorkflowID: "wf-1", Result: &done},
		},
	}
	app := newApp(svc)

	resp, body := do(t, app, http.MethodGet, "/v1/analysis/wf-1/events", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, 1, strings.Count(body, "event: complete"))
	assert.Less(t, strings.Index(body, "event: progress"), strings.Index(body, "event: complete"))
	assert.Contains(t, body, `"message":"phase1 success"`)

	resp, _ = do(t, app, http.MethodGet, "/v1/analysis/missing/events", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFeedbackAndCorrectionEndpoints(t *testing.T) {
	svc := &fakeService{accepted: true}
	app := newApp(svc)

	resp, _ := do(t, app, http.MethodPost, "/v1/feedback", `{"request_id": "r1", "rating": 4, "comment": "clair"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Len(t, svc.feedback, 1)
	assert.Equal(t, 4, svc.feedback[0].Rating)

	resp, _ = do(t, app, http.MethodPost, "/v1/feedback", `{"request_id": "r1", "rating": 9}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := do(t, app, http.MethodPost, "/v1/knowledge/corrections", `{"query": "Seuil TVA ?", "answer": "..."}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"accepted": true}`, body)
}

func TestHealthAndInsights(t *testing.T) {
	app := newApp(&fakeService{})

	resp, body := do(t, app, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status": "healthy", "version": "test", "env": "test"}`, body)

	resp, body = do(t, app, http.MethodGet, "/v1/insights", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"performance_trend":"stable"`)
}
