package crmbase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres returns a connection URL, from POSTGRES_URL when set or a
// throwaway container otherwise.
func startPostgres(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("POSTGRES_URL"); url != "" {
		return url
	}
	if testing.Short() {
		t.Skip("Skipping PostgreSQL integration test in short mode")
	}
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			t.Skipf("Docker daemon not available: %v", r)
		}
	}()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "crm",
				"POSTGRES_PASSWORD": "crm",
				"POSTGRES_DB":       "crm",
			},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container (Docker not available?): %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("Failed to terminate PostgreSQL container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get PostgreSQL host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get PostgreSQL port: %v", err)
	}
	return fmt.Sprintf("postgres://crm:crm@%s:%s/crm?sslmode=disable", host, port.Port())
}

func withTable(url, table string) string {
	if strings.Contains(url, "?") {
		return url + "&table=" + table
	}
	return url + "?table=" + table
}

func TestIntegration_PostgresSession(t *testing.T) {
	url := startPostgres(t)
	var tables atomic.Int64

	runSessionSuite(t, func(t *testing.T) Adapter {
		table := fmt.Sprintf("crm_test_%d_%d", time.Now().UnixNano()%1e6, tables.Add(1))
		adapter, err := NewPostgresAdapter(context.Background(), withTable(url, table))
		if err != nil {
			t.Fatalf("NewPostgresAdapter failed: %v", err)
		}
		return adapter
	})
}

func TestIntegration_PostgresOpenInitializes(t *testing.T) {
	url := startPostgres(t)
	ctx := context.Background()

	adapter, err := NewPostgresAdapter(ctx, withTable(url, "crm_open_init"))
	if err != nil {
		t.Fatalf("NewPostgresAdapter failed: %v", err)
	}
	defer adapter.Close()
	if err := Ping(ctx, adapter); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	err = WithSession(ctx, adapter, func(s Session) error {
		cfg, err := s.LoadConfig(ctx)
		if err != nil {
			return err
		}
		if len(cfg.SubscriptionPlans) == 0 {
			t.Error("expected default config on first open")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("session failed: %v", err)
	}
}

func TestSplitTableParam(t *testing.T) {
	tests := []struct {
		name      string
		url       string
		wantURL   string
		wantTable string
		wantErr   bool
	}{
		{"default table", "postgres://h/db", "postgres://h/db", DefaultPostgresTable, false},
		{"table only", "postgres://h/db?table=sales", "postgres://h/db", "sales", false},
		{"keeps other params", "postgres://h/db?sslmode=disable&table=sales", "postgres://h/db?sslmode=disable", "sales", false},
		{"rejects injection", "postgres://h/db?table=x;drop", "", "", true},
		{"rejects uppercase", "postgres://h/db?table=Sales", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, table, err := splitTableParam(tt.url)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Errorf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if url != tt.wantURL || table != tt.wantTable {
				t.Errorf("splitTableParam = %q, %q; want %q, %q", url, table, tt.wantURL, tt.wantTable)
			}
		})
	}
}

func TestNewPostgresAdapter_InvalidURL(t *testing.T) {
	_, err := NewPostgresAdapter(context.Background(), "postgres://h/db?pool_max_conns=many")
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}
