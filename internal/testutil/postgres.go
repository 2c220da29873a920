// Package testutil starts disposable databases for integration tests
package testutil

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/joho/godotenv"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// PostgresDSN starts a PostgreSQL container and returns its connection string.
// The test is skipped unless TEST_POSTGRES=1, since it needs a Docker daemon.
func PostgresDSN(t *testing.T) string {
	t.Helper()

	if err := godotenv.Load(); err != nil {
		t.Logf("No .env file found: %v. Proceeding with environment variables.", err)
	}
	if os.Getenv("TEST_POSTGRES") != "1" {
		t.Skip("set TEST_POSTGRES=1 to run PostgreSQL integration tests")
	}

	user := envOr("DB_USERNAME", "pas")
	password := envOr("DB_PASSWORD", "pwd")
	name := envOr("DB_NAME", "pas")

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     user,
			"POSTGRES_PASSWORD": password,
			"POSTGRES_DB":       name,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatal(err)
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable&schema=simple_action_test",
		user, password, host, port.Port(), name)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
