package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartMongo runs a disposable MongoDB container for the lifetime of t and
// returns its URI. It skips the test under -short.
func StartMongo(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	// Give generous timeout in CI environments
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	mongoC, err := testcontainers.Run(
		ctx, "mongo:7",
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	)
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() {
		testcontainers.CleanupContainer(t, mongoC)
	})

	endpoint, err := mongoC.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("mongo endpoint: %v", err)
	}
	return fmt.Sprintf("mongodb://%s", endpoint)
}
