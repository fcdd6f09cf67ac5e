// Package mongotest provides throwaway MongoDB databases for package tests.
//
// AGENTGATE_TEST_MONGO_URI points the tests at an existing server. Without it
// a mongo:7 container is started once per test binary through testcontainers;
// when Docker is unavailable the calling test is skipped.
package mongotest

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// URIEnv names the variable that overrides the container.
const URIEnv = "AGENTGATE_TEST_MONGO_URI"

var (
	once      sync.Once
	client    *mongo.Client
	unusable  error
	container testcontainers.Container
)

// Database returns an empty database that is dropped when t finishes.
func Database(t testing.TB) *mongo.Database {
	t.Helper()
	if testing.Short() {
		t.Skip("mongo tests skipped in -short mode")
	}
	once.Do(connect)
	if unusable != nil {
		t.Skipf("mongo unavailable: %v", unusable)
	}

	name := "agentgate_test_" + uuid.NewString()[:8]
	db := client.Database(name)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = db.Drop(ctx)
	})
	return db
}

func connect() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	uri := os.Getenv(URIEnv)
	if uri == "" {
		uri, unusable = startContainer(ctx)
		if unusable != nil {
			return
		}
	}

	c, err := mongo.Connect(options.Client().ApplyURI(uri).SetServerSelectionTimeout(10 * time.Second))
	if err != nil {
		unusable = fmt.Errorf("connect %s: %w", uri, err)
		return
	}
	if err := c.Ping(ctx, nil); err != nil {
		_ = c.Disconnect(ctx)
		unusable = fmt.Errorf("ping %s: %w", uri, err)
		return
	}
	client = c
}

func startContainer(ctx context.Context) (uri string, err error) {
	// testcontainers panics when no Docker daemon is reachable
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("docker not available: %v", r)
		}
	}()

	container, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForLog("Waiting for connections"),
			Tmpfs:        map[string]string{"/data/db": "rw"},
		},
		Started: true,
	})
	if err != nil {
		return "", fmt.Errorf("start mongo container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := container.MappedPort(ctx, "27017")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("mongodb://%s:%s", host, port.Port()), nil
}
