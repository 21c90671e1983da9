package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mindloom/internal/launcher"
	"mindloom/internal/pubsub"
	"mindloom/internal/run"
	"mindloom/internal/runnable"
)

// publishingLauncher emulates an executor by publishing canned chunks and the
// end marker as soon as the job is "launched". The gateway subscribes before
// launching, so synchronous publishing is safe here.
type publishingLauncher struct {
	broker *pubsub.MemoryBroker
	chunks []string
	err    error
}

func (p *publishingLauncher) Launch(ctx context.Context, spec launcher.Spec) (launcher.Handle, error) {
	if p.err != nil {
		return launcher.Handle{}, p.err
	}
	channel := pubsub.ResultsChannel(spec.RunID)
	for _, chunk := range p.chunks {
		if err := p.broker.Publish(ctx, channel, []byte(chunk)); err != nil {
			return launcher.Handle{}, err
		}
	}
	if err := p.broker.Publish(ctx, channel, pubsub.EndMarker); err != nil {
		return launcher.Handle{}, err
	}
	return launcher.Handle{ID: "job-" + spec.RunID}, nil
}

type testEnv struct {
	store   *run.MemoryStore
	broker  *pubsub.MemoryBroker
	catalog *runnable.MemoryCatalog
	server  *httptest.Server
}

func newTestEnv(t *testing.T, jobLauncher launcher.Launcher) *testEnv {
	t.Helper()
	return newTestEnvWithBroker(t, pubsub.NewMemoryBroker(), jobLauncher)
}

func postJSON(t *testing.T, url string, payload string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeErrorBody(t *testing.T, resp *http.Response) errorDetail {
	t.Helper()
	defer resp.Body.Close()
	var body errorBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body.Error
}

func TestCreateRunStreamsResults(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	env := newTestEnvWithBroker(t, broker, &publishingLauncher{
		broker: broker,
		chunks: []string{`{"agent":"researcher","content":"partial"}`, `{"agent":"researcher","content":"final"}`},
	})

	resp := postJSON(t, env.server.URL+"/api/v1/runs", `{"runnable_id":"agent-1","runnable_type":"agent","input_variables":{"input":"q"}}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", got)
	}

	frames := readSSEFrames(t, resp, 4)

	var record run.Run
	if err := json.Unmarshal(frames[0], &record); err != nil {
		t.Fatalf("decode first frame: %v", err)
	}
	if record.ID == "" || record.Status != run.StatusPending {
		t.Fatalf("first frame must be the pending run record: %+v", record)
	}

	var chunk map[string]any
	if err := json.Unmarshal(frames[1], &chunk); err != nil {
		t.Fatalf("decode chunk: %v", err)
	}
	if chunk["content"] != "partial" {
		t.Fatalf("chunks must arrive in publish order: %+v", chunk)
	}
	if !pubsub.IsEndMarker(frames[3]) {
		t.Fatalf("stream must end with the end marker: %s", frames[3])
	}

	// The streaming subscription must be released after the stream ends.
	deadline := time.Now().Add(2 * time.Second)
	for broker.SubscriberCount(pubsub.ResultsChannel(record.ID)) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("results subscription leaked")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// newTestEnvWithBroker wires the handler and launcher to a shared broker.
func newTestEnvWithBroker(t *testing.T, broker *pubsub.MemoryBroker, jobLauncher launcher.Launcher) *testEnv {
	t.Helper()
	store := run.NewMemoryStore()
	catalog := runnable.NewMemoryCatalog()
	service := run.NewService(store, jobLauncher, launcher.Secrets{DatabaseDSN: "dsn"})

	server := httptest.NewServer(NewServer(":0", service, catalog, broker, store).Routes())
	t.Cleanup(server.Close)
	t.Cleanup(func() { _ = broker.Close() })
	return &testEnv{store: store, broker: broker, catalog: catalog, server: server}
}

func readSSEFrames(t *testing.T, resp *http.Response, want int) [][]byte {
	t.Helper()
	scanner := bufio.NewScanner(resp.Body)
	frames := make([][]byte, 0, want)
	for scanner.Scan() {
		line := scanner.Bytes()
		payload, ok := bytes.CutPrefix(line, []byte("data: "))
		if !ok {
			continue
		}
		frame := make([]byte, len(payload))
		copy(frame, payload)
		frames = append(frames, frame)
		if len(frames) == want {
			return frames
		}
	}
	t.Fatalf("expected %d frames, got %d (scan err: %v)", want, len(frames), scanner.Err())
	return nil
}

func TestCreateRunValidation(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{})

	cases := []struct {
		name string
		body string
	}{
		{"malformed body", `{"runnable_id":`},
		{"unknown type", `{"runnable_id":"a","runnable_type":"workflow"}`},
		{"empty runnable id", `{"runnable_id":"","runnable_type":"agent"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postJSON(t, env.server.URL+"/api/v1/runs", tc.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", resp.StatusCode)
			}
			detail := decodeErrorBody(t, resp)
			if detail.Code == "" {
				t.Fatalf("error body must carry a code")
			}
		})
	}

	runs, err := env.store.List(context.Background())
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("rejected requests must not persist runs, got %d", len(runs))
	}
}

func TestCreateRunLaunchFailure(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{err: errors.New("no capacity")})

	resp := postJSON(t, env.server.URL+"/api/v1/runs", `{"runnable_id":"agent-1","runnable_type":"agent"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	detail := decodeErrorBody(t, resp)
	if detail.Code != "LAUNCH_FAILURE" {
		t.Fatalf("unexpected error code: %s", detail.Code)
	}

	runs, err := env.store.List(context.Background())
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != run.StatusFailed {
		t.Fatalf("launch failure must leave a failed run: %+v", runs)
	}
}

func TestGetRun(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{})
	record := run.NewRun("r1", "agent-1", runnable.TypeAgent, nil, 100)
	if err := env.store.Create(context.Background(), record); err != nil {
		t.Fatalf("create run: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/api/v1/runs/r1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got run.Run
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if got.ID != "r1" || got.Status != run.StatusPending {
		t.Fatalf("unexpected run: %+v", got)
	}

	missing, err := http.Get(env.server.URL + "/api/v1/runs/missing")
	if err != nil {
		t.Fatalf("get missing run: %v", err)
	}
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}
	detail := decodeErrorBody(t, missing)
	if detail.Code != "RUN_NOT_FOUND" {
		t.Fatalf("unexpected error code: %s", detail.Code)
	}
}

func TestListRunsAndStats(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{})
	ctx := context.Background()
	for idx, id := range []string{"r1", "r2", "r3"} {
		record := run.NewRun(id, "agent-1", runnable.TypeAgent, nil, int64(100+idx))
		if err := env.store.Create(ctx, record); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := env.store.UpdateStatus(ctx, "r1", run.StatusRunning, nil, ""); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/api/v1/runs?status=running")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	defer resp.Body.Close()
	var listPayload struct {
		Runs  []run.Run `json:"runs"`
		Count int       `json:"count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listPayload); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if listPayload.Count != 1 || listPayload.Runs[0].ID != "r1" {
		t.Fatalf("unexpected list: %+v", listPayload)
	}

	bad, err := http.Get(env.server.URL + "/api/v1/runs?status=bogus")
	if err != nil {
		t.Fatalf("list with bad status: %v", err)
	}
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status filter, got %d", bad.StatusCode)
	}
	bad.Body.Close()

	statsResp, err := http.Get(env.server.URL + "/api/v1/runs/stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	defer statsResp.Body.Close()
	var stats run.Stats
	if err := json.NewDecoder(statsResp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Total != 3 || stats.Running != 1 || stats.Pending != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestRunLogsEndpoint(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{})
	ctx := context.Background()
	record := run.NewRun("r1", "agent-1", runnable.TypeAgent, nil, 100)
	if err := env.store.Create(ctx, record); err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := env.store.AppendLog(ctx, &run.LogRecord{RunID: "r1", Level: "INFO", Message: "run started"}); err != nil {
		t.Fatalf("append log: %v", err)
	}

	resp, err := http.Get(env.server.URL + "/api/v1/runs/r1/logs")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	defer resp.Body.Close()
	var payload struct {
		Logs []run.LogRecord `json:"logs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(payload.Logs) != 1 || payload.Logs[0].Message != "run started" {
		t.Fatalf("unexpected logs: %+v", payload.Logs)
	}

	missing, err := http.Get(env.server.URL + "/api/v1/runs/missing/logs")
	if err != nil {
		t.Fatalf("get missing logs: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown run, got %d", missing.StatusCode)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{})

	resp := postJSON(t, env.server.URL+"/api/v1/agents", `{"name":"researcher","model":"gpt-4o-mini","instructions":"research"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var agent runnable.AgentRecord
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		t.Fatalf("decode agent: %v", err)
	}
	resp.Body.Close()
	if agent.ID == "" || agent.Provider != "openai" {
		t.Fatalf("unexpected agent: %+v", agent)
	}

	missingModel := postJSON(t, env.server.URL+"/api/v1/agents", `{"name":"broken"}`)
	if missingModel.StatusCode != http.StatusBadRequest {
		t.Fatalf("agent without model must be rejected, got %d", missingModel.StatusCode)
	}
	missingModel.Body.Close()

	got, err := http.Get(env.server.URL + "/api/v1/agents/" + agent.ID)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	got.Body.Close()
	if got.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", got.StatusCode)
	}

	teamResp := postJSON(t, env.server.URL+"/api/v1/teams",
		`{"name":"newsroom","instructions":"combine","member_ids":["`+agent.ID+`"]}`)
	if teamResp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 for team, got %d", teamResp.StatusCode)
	}
	var team runnable.TeamRecord
	if err := json.NewDecoder(teamResp.Body).Decode(&team); err != nil {
		t.Fatalf("decode team: %v", err)
	}
	teamResp.Body.Close()

	ghostTeam := postJSON(t, env.server.URL+"/api/v1/teams",
		`{"name":"ghosts","instructions":"x","member_ids":["nobody"]}`)
	if ghostTeam.StatusCode != http.StatusBadRequest {
		t.Fatalf("team with unknown members must be rejected, got %d", ghostTeam.StatusCode)
	}
	ghostTeam.Body.Close()

	listResp, err := http.Get(env.server.URL + "/api/v1/teams")
	if err != nil {
		t.Fatalf("list teams: %v", err)
	}
	defer listResp.Body.Close()
	var teams struct {
		Teams []runnable.TeamRecord `json:"teams"`
		Count int                   `json:"count"`
	}
	if err := json.NewDecoder(listResp.Body).Decode(&teams); err != nil {
		t.Fatalf("decode teams: %v", err)
	}
	if teams.Count != 1 || teams.Teams[0].ID != team.ID {
		t.Fatalf("unexpected teams: %+v", teams)
	}
}

func TestLogSocketRelaysAndCleansUp(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{})
	ctx := context.Background()
	record := run.NewRun("r1", "agent-1", runnable.TypeAgent, nil, 100)
	if err := env.store.Create(ctx, record); err != nil {
		t.Fatalf("create run: %v", err)
	}

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws/runs/r1/logs"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	// The handler subscribes before completing the upgrade; wait for it.
	channel := pubsub.LogsChannel("r1")
	deadline := time.Now().Add(2 * time.Second)
	for env.broker.SubscriberCount(channel) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("log subscription never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := env.broker.Publish(ctx, channel, []byte(`{"message":"run started"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(payload, &entry); err != nil {
		t.Fatalf("decode log frame: %v", err)
	}
	if entry["message"] != "run started" {
		t.Fatalf("unexpected log frame: %+v", entry)
	}

	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for env.broker.SubscriberCount(channel) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("log subscription leaked after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLogSocketUnknownRun(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{})
	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/v1/ws/runs/missing/logs"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("dial must fail for unknown run")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before upgrade, got %+v", resp)
	}
	resp.Body.Close()
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{})
	resp, err := http.Get(env.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	env := newTestEnv(t, &publishingLauncher{})

	if resp, err := http.Get(env.server.URL + "/api/v1/runs/stats"); err == nil {
		resp.Body.Close()
	}

	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer resp.Body.Close()
	var builder strings.Builder
	if _, err := io.Copy(&builder, resp.Body); err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(builder.String(), "mindloom_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", builder.String())
	}
}
