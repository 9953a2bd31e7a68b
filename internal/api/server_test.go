package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atlas-desktop/trading-backend/internal/api"
	"github.com/atlas-desktop/trading-backend/internal/eventbus"
	"github.com/atlas-desktop/trading-backend/internal/persistence"
	"github.com/atlas-desktop/trading-backend/internal/simulation"
	"github.com/atlas-desktop/trading-backend/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func setupTestServer(t *testing.T) (*persistence.Store, *eventbus.Bus, *httptest.Server) {
	t.Helper()
	log := zap.NewNop()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New(16, nil, log)
	server := api.NewServer(log, &types.ServerConfig{Addr: ":0"}, store, bus, nil)
	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return store, bus, ts
}

func TestHealthEndpoint_ReportsOK(t *testing.T) {
	_, _, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestListJobs_ReturnsInsertedJobs(t *testing.T) {
	store, _, ts := setupTestServer(t)
	ctx := context.Background()

	job := types.OptimizationJob{ID: "job-1", Symbol: "BTC/USDT", Interval: types.Interval1h, StrategyID: "momentum", CreatedAt: time.Now()}
	if err := store.InsertOptimizationJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/jobs")
	if err != nil {
		t.Fatalf("get jobs: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Jobs []types.OptimizationJob `json:"jobs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Jobs) != 1 || body.Jobs[0].ID != job.ID {
		t.Fatalf("unexpected jobs: %+v", body.Jobs)
	}
}

func TestRunByID_404sWhenMissing(t *testing.T) {
	_, _, ts := setupTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/runs/does-not-exist")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestJobRuns_ReturnsOnlyCompletedRunsForThatJob(t *testing.T) {
	store, _, ts := setupTestServer(t)
	ctx := context.Background()

	job := types.OptimizationJob{ID: "job-1", Symbol: "BTC/USDT", Interval: types.Interval1h, StrategyID: "momentum", CreatedAt: time.Now()}
	if err := store.InsertOptimizationJob(ctx, job); err != nil {
		t.Fatalf("insert job: %v", err)
	}
	run := types.BacktestRun{ID: "run-1", JobID: job.ID, ParamsJSON: `{}`, Status: types.RunStatusCompleted, CreatedAt: time.Now()}
	if err := store.InsertBacktestRuns(ctx, []types.BacktestRun{run}); err != nil {
		t.Fatalf("insert run: %v", err)
	}
	report := &types.PerformanceReport{
		RunID: run.ID, TotalNetProfit: decimal.NewFromInt(1), GrossProfit: decimal.NewFromInt(1), GrossLoss: decimal.Zero,
		TotalReturnPct: decimal.NewFromFloat(0.001), MaxDrawdown: decimal.Zero, MaxDrawdownPct: decimal.Zero,
		AvgWin: decimal.NewFromInt(1), AvgLoss: decimal.Zero,
	}
	if err := store.SaveRunResult(ctx, run, report, &simulation.Result{}); err != nil {
		t.Fatalf("save run result: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/jobs/" + job.ID + "/runs")
	if err != nil {
		t.Fatalf("get job runs: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(string(body["runs"]), run.ID) {
		t.Fatalf("response missing run id %s: %s", run.ID, body["runs"])
	}
}

func TestWebSocket_StreamsPublishedMessageAsWireFrame(t *testing.T) {
	_, bus, ts := setupTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the server goroutine time to register the subscription before
	// publishing, since Subscribe happens inside the handler.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(eventbus.Message{Kind: eventbus.KindLog, Log: &eventbus.LogPayload{Severity: "info", Message: "hello"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	// Every new subscriber is sent a Connected frame before anything else.
	var connected struct {
		Type string `json:"type"`
	}
	if err := conn.ReadJSON(&connected); err != nil {
		t.Fatalf("read connected frame: %v", err)
	}
	if connected.Type != string(eventbus.KindConnected) {
		t.Fatalf("first frame type = %q, want %q", connected.Type, eventbus.KindConnected)
	}
	var frame struct {
		Type    string `json:"type"`
		Payload struct {
			Message string `json:"message"`
		} `json:"payload"`
	}
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if frame.Type != string(eventbus.KindLog) || frame.Payload.Message != "hello" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}
