package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"mindloom/internal/pubsub"
	"mindloom/internal/run"
)

func TestRunLoggerMirrorsToLogsChannel(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	defer broker.Close()
	store := run.NewMemoryStore()

	sub, err := broker.Subscribe(context.Background(), pubsub.LogsChannel("r1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	log := NewRunLogger(slog.NewTextHandler(testWriter{t}, nil), broker, store, "r1")
	log.Info("run started")

	var entry map[string]any
	select {
	case payload := <-sub.Messages():
		if err := json.Unmarshal(payload, &entry); err != nil {
			t.Fatalf("decode log entry: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for mirrored log line")
	}

	if entry["message"] != "run started" {
		t.Fatalf("unexpected message: %+v", entry)
	}
	if entry["run_id"] != "r1" || entry["name"] != "mindloom.executor" {
		t.Fatalf("missing envelope fields: %+v", entry)
	}
	if entry["level"] != "INFO" {
		t.Fatalf("unexpected level: %+v", entry)
	}

	// The persisted copy is written by the same goroutine; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := store.ListLogs(context.Background(), "r1", 10)
		if err != nil {
			t.Fatalf("list logs: %v", err)
		}
		if len(records) == 1 {
			if records[0].Message != "run started" {
				t.Fatalf("unexpected persisted log: %+v", records[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("persisted log never appeared")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestBrokerHandlerKeepsEmissionOrder(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	defer broker.Close()

	sub, err := broker.Subscribe(context.Background(), pubsub.LogsChannel("r1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	log := NewRunLogger(slog.NewTextHandler(testWriter{t}, nil), broker, nil, "r1")
	const lines = 50
	for i := 0; i < lines; i++ {
		log.Info(fmt.Sprintf("line %03d", i))
	}

	for i := 0; i < lines; i++ {
		select {
		case payload := <-sub.Messages():
			var entry map[string]any
			if err := json.Unmarshal(payload, &entry); err != nil {
				t.Fatalf("decode log entry: %v", err)
			}
			want := fmt.Sprintf("line %03d", i)
			if entry["message"] != want {
				t.Fatalf("log frame out of order: want %q, got %v", want, entry["message"])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for line %d", i)
		}
	}
}

func TestBrokerHandlerSkipsDebug(t *testing.T) {
	broker := pubsub.NewMemoryBroker()
	defer broker.Close()

	sub, err := broker.Subscribe(context.Background(), pubsub.LogsChannel("r1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	handler := NewBrokerHandler(broker, nil, "r1", "mindloom.executor")
	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatalf("debug lines must not be mirrored")
	}
	if !handler.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("info lines must be mirrored")
	}
}

func TestBrokerHandlerWithGroupExtendsName(t *testing.T) {
	handler := NewBrokerHandler(pubsub.NewMemoryBroker(), nil, "r1", "mindloom.executor")
	grouped, ok := handler.WithGroup("engine").(*BrokerHandler)
	if !ok {
		t.Fatalf("WithGroup must return a BrokerHandler")
	}
	if grouped.name != "mindloom.executor.engine" {
		t.Fatalf("unexpected name: %s", grouped.name)
	}
}

// testWriter routes handler output through the test log.
type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
