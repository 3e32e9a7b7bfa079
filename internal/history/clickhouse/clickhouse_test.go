package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/maestro/internal/history"
	"github.com/loykin/maestro/internal/job"
)

// setupClickHouseContainer starts a ClickHouse container for testing
func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	clickHouseContainer, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start ClickHouse container: %v", err)
	}

	host, err := clickHouseContainer.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := clickHouseContainer.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("Failed to get mapped port: %v", err)
	}
	return clickHouseContainer, host + ":" + port.Port()
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, addr := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink, err := New(addr, "job_history")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	b := job.NewBatch(11, "ch", []string{"a.sh"})
	p := b.Processes[0]
	if err := p.MarkRunning(777, []int{0, 1}, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(ctx, history.NewEvent(history.EventLaunched, b, p)); err != nil {
		t.Fatalf("Failed to send launched event: %v", err)
	}
	if err := p.MarkExited(777, 2, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := sink.Send(ctx, history.NewEvent(history.EventFailed, b, p)); err != nil {
		t.Fatalf("Failed to send failed event: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	n, err := sink.Count(ctx, 11)
	if err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 events, got %d", n)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New("invalid-host.invalid:9000", "job_history"); err == nil {
		t.Error("Expected error with invalid connection, got nil")
	}
}
