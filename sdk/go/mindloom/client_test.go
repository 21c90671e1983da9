package mindloom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newStreamingServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		var req StartRunRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"code":"RUN_VALIDATION","message":"bad body"}}`)
			return
		}
		if req.RunnableType != "agent" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"code":"RUN_VALIDATION","message":"unknown runnable type"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "data: %s\n\n", `{"id":"run-1","runnable_id":"agent-1","runnable_type":"agent","status":"pending","created_at":100}`)
		fmt.Fprintf(w, "data: %s\n\n", `{"agent":"researcher","content":"partial"}`)
		fmt.Fprintf(w, "data: %s\n\n", `{"agent":"researcher","content":"final"}`)
		fmt.Fprintf(w, "data: %s\n\n", `{"event":"end"}`)
	})
	mux.HandleFunc("GET /api/v1/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"run-1","runnable_id":"agent-1","runnable_type":"agent","status":"completed","output_data":{"content":"final"},"created_at":100,"started_at":101,"ended_at":102}`)
	})
	mux.HandleFunc("GET /api/v1/runs/run-1/logs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "5" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"logs":[{"id":1,"run_id":"run-1","level":"INFO","message":"run started"}],"count":1}`)
	})
	mux.HandleFunc("GET /api/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("status") != "completed,failed" || r.URL.Query().Get("runnable_id") != "agent-1" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":{"code":"RUN_VALIDATION","message":"unexpected query"}}`)
			return
		}
		fmt.Fprint(w, `{"runs":[{"id":"run-1","status":"completed"}],"count":1}`)
	})
	mux.HandleFunc("GET /api/v1/runs/stats", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"total":2,"completed":1,"failed":1}`)
	})
	mux.HandleFunc("POST /api/v1/agents", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":"agent-1","name":"researcher","provider":"openai","model":"gpt-4o-mini"}`)
	})
	mux.HandleFunc("GET /api/v1/agents/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"NOT_FOUND","message":"agent 不存在"}}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestStartRunConsumesStream(t *testing.T) {
	server := newStreamingServer(t)
	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	stream, err := client.StartRun(context.Background(), StartRunRequest{
		RunnableID:   "agent-1",
		RunnableType: "agent",
	})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	defer stream.Close()

	record := stream.Run()
	if record.ID != "run-1" || record.Status != "pending" {
		t.Fatalf("unexpected run record: %+v", record)
	}

	var contents []string
	for {
		frame, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next frame: %v", err)
		}
		var chunk struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(frame, &chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		contents = append(contents, chunk.Content)
	}
	if len(contents) != 2 || contents[0] != "partial" || contents[1] != "final" {
		t.Fatalf("unexpected chunks: %v", contents)
	}

	// Next keeps returning io.EOF after the end marker.
	if _, err := stream.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after end marker, got %v", err)
	}
}

func TestStartRunRejection(t *testing.T) {
	server := newStreamingServer(t)
	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.StartRun(context.Background(), StartRunRequest{
		RunnableID:   "a",
		RunnableType: "workflow",
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "RUN_VALIDATION" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestGetRun(t *testing.T) {
	server := newStreamingServer(t)
	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	record, err := client.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if record.Status != "completed" || record.OutputData["content"] != "final" {
		t.Fatalf("unexpected run: %+v", record)
	}
}

func TestListRunsQueryEncoding(t *testing.T) {
	server := newStreamingServer(t)
	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	runs, err := client.ListRuns(context.Background(), ListRunsOptions{
		Statuses:   []string{"completed", "failed"},
		RunnableID: "agent-1",
	})
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "run-1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestRunStatsAndLogs(t *testing.T) {
	server := newStreamingServer(t)
	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	stats, err := client.RunStats(context.Background())
	if err != nil {
		t.Fatalf("run stats: %v", err)
	}
	if stats.Total != 2 || stats.Completed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	logs, err := client.RunLogs(context.Background(), "run-1", 5)
	if err != nil {
		t.Fatalf("run logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "run started" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestCatalogCalls(t *testing.T) {
	server := newStreamingServer(t)
	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	agent, err := client.CreateAgent(context.Background(), CreateAgentRequest{
		Name:  "researcher",
		Model: "gpt-4o-mini",
	})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	if agent.ID != "agent-1" {
		t.Fatalf("unexpected agent: %+v", agent)
	}

	_, err = client.GetAgent(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}

func TestDecodeAPIErrorFallsBackToFlatBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"code":"INTERNAL","message":"boom"}`)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetRun(context.Background(), "any")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Code != "INTERNAL" || apiErr.Message != "boom" {
		t.Fatalf("flat error body must decode: %+v", apiErr)
	}
}

func TestNewClientPreservesBasePath(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		fmt.Fprint(w, `{}`)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL+"/mindloom", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.RunStats(context.Background()); err != nil {
		t.Fatalf("run stats: %v", err)
	}
	if gotPath != "/mindloom/api/v1/runs/stats" {
		t.Fatalf("base path not preserved: %s", gotPath)
	}
}
