package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"time"

	"mindloom/sdk/go/mindloom"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/agents", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(mindloom.Agent{
			ID:    "agent-demo",
			Name:  "researcher",
			Model: "gpt-4o-mini",
		})
	})
	mux.HandleFunc("POST /api/v1/runs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		frames := []string{
			`{"id":"run-demo","runnable_id":"agent-demo","runnable_type":"agent","status":"pending","created_at":1700000000}`,
			`{"agent":"researcher","content":"hello from the demo run"}`,
			`{"event":"end"}`,
		}
		for _, frame := range frames {
			fmt.Fprintf(w, "data: %s\n\n", frame)
			flusher.Flush()
		}
	})
	mux.HandleFunc("GET /api/v1/runs/run-demo", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(mindloom.Run{
			ID:           "run-demo",
			RunnableID:   "agent-demo",
			RunnableType: "agent",
			Status:       "completed",
			OutputData:   map[string]any{"content": "hello from the demo run"},
			CreatedAt:    1700000000,
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := mindloom.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	agent, err := client.CreateAgent(ctx, mindloom.CreateAgentRequest{
		Name:         "researcher",
		Model:        "gpt-4o-mini",
		Instructions: "Answer research questions.",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered agent %s\n", agent.ID)

	stream, err := client.StartRun(ctx, mindloom.StartRunRequest{
		RunnableID:     agent.ID,
		RunnableType:   "agent",
		InputVariables: map[string]any{"input": "say hello"},
	})
	if err != nil {
		panic(err)
	}
	defer stream.Close()
	fmt.Printf("started run %s (status=%s)\n", stream.Run().ID, stream.Run().Status)

	for {
		chunk, err := stream.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			panic(err)
		}
		fmt.Printf("chunk: %s\n", chunk)
	}

	record, err := client.GetRun(ctx, stream.Run().ID)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished with status=%s output=%v\n", record.ID, record.Status, record.OutputData)
}
