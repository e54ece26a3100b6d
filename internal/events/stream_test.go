package events

import (
	"context"
	"testing"
	"time"

	"github.com/nidhogg/taskforge/internal/executor"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container in -short mode")
	}
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("redis endpoint: %v", err)
	}
	return "redis://" + endpoint
}

func TestPublishSubscribe(t *testing.T) {
	url := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := Open(ctx, url, "", zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	sent := []executor.Event{
		{Type: executor.EventPlanStarted, RunID: "r1", Goal: "g", Steps: 2},
		{Type: executor.EventStepFinished, RunID: "r1", Step: 1, Status: "done"},
		{Type: executor.EventRunFinished, RunID: "r1", Success: true, Duration: time.Second},
	}
	for _, ev := range sent {
		s.Observe(ctx, ev)
	}

	ch := s.Subscribe(ctx, "0")
	for i, want := range sent {
		select {
		case got := <-ch:
			if got.Type != want.Type || got.RunID != want.RunID || got.Step != want.Step {
				t.Errorf("event %d = %+v, want %+v", i, got, want)
			}
		case <-ctx.Done():
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestOpenBadURL(t *testing.T) {
	if _, err := Open(context.Background(), "://nope", "", zap.NewNop()); err == nil {
		t.Fatal("expected parse error")
	}
}
