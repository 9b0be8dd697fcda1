package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/nodeflow/internal/testutil"
	"github.com/petrijr/nodeflow/pkg/api"
)

type MongoLogStoreTestSuite struct {
	suite.Suite
	client *mongo.Client
	store  *MongoLogStore
}

func TestMongoLogStoreSuite(t *testing.T) {
	uri := testutil.StartMongo(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo.Connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Disconnect(context.Background())
	})

	suite.Run(t, &MongoLogStoreTestSuite{client: client})
}

func (m *MongoLogStoreTestSuite) SetupTest() {
	ctx := context.Background()
	_ = m.client.Database("nodeflow_test").Collection("logs_test").Drop(ctx)

	store, err := NewMongoLogStore(ctx, m.client, "nodeflow_test", "logs_test")
	m.Require().NoError(err)
	m.store = store
}

func (m *MongoLogStoreTestSuite) TestAppendAndList() {
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	m.Require().NoError(m.store.AppendLog(ctx, &api.WorkflowLog{
		ID: "l1", InstanceID: "i1", Level: api.LogInfo, Event: "instance_started", At: at,
	}))
	m.Require().NoError(m.store.AppendLog(ctx, &api.WorkflowLog{
		ID: "l2", InstanceID: "i1", TaskID: "t1", Level: api.LogCritical, Event: "task_dead_lettered",
		Details: api.StateData{"reason": "RetriesExhausted"}, At: at.Add(time.Second),
	}))
	m.Require().NoError(m.store.AppendLog(ctx, &api.WorkflowLog{
		ID: "l3", InstanceID: "i2", Level: api.LogInfo, Event: "instance_started", At: at,
	}))

	logs, err := m.store.ListLogs(ctx, "i1")
	m.Require().NoError(err)
	m.Require().Len(logs, 2)
	m.Equal("instance_started", logs[0].Event)
	m.Equal(api.LogCritical, logs[1].Level)
	m.Equal("t1", logs[1].TaskID)
	m.Equal("RetriesExhausted", logs[1].Details["reason"])
	m.True(logs[1].At.Equal(at.Add(time.Second)))
}
