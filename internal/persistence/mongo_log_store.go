package persistence

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/petrijr/nodeflow/pkg/api"
)

// MongoLogStore keeps the workflow audit log in a MongoDB collection.
type MongoLogStore struct {
	coll *mongo.Collection
}

// Ensure it implements LogStore.
var _ LogStore = (*MongoLogStore)(nil)

// NewMongoLogStore creates a Mongo-backed log store.
// dbName defaults to "nodeflow" if empty, collName defaults to "workflow_logs".
func NewMongoLogStore(ctx context.Context, client *mongo.Client, dbName, collName string) (*MongoLogStore, error) {
	if dbName == "" {
		dbName = "nodeflow"
	}
	if collName == "" {
		collName = "workflow_logs"
	}

	coll := client.Database(dbName).Collection(collName)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "instance_id", Value: 1}, {Key: "at", Value: 1}, {Key: "seq", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return &MongoLogStore{coll: coll}, nil
}

type mongoLogDoc struct {
	ID             string         `bson:"_id"`
	InstanceID     string         `bson:"instance_id"`
	NodeInstanceID string         `bson:"node_instance_id,omitempty"`
	TaskID         string         `bson:"task_id,omitempty"`
	Level          string         `bson:"level"`
	Event          string         `bson:"event"`
	Message        string         `bson:"message,omitempty"`
	Details        map[string]any `bson:"details,omitempty"`
	At             time.Time      `bson:"at"`
	// Seq breaks ties between entries written within the same millisecond.
	Seq int64 `bson:"seq"`
}

func (s *MongoLogStore) AppendLog(ctx context.Context, entry *api.WorkflowLog) error {
	doc := mongoLogDoc{
		ID:             entry.ID,
		InstanceID:     entry.InstanceID,
		NodeInstanceID: entry.NodeInstanceID,
		TaskID:         entry.TaskID,
		Level:          string(entry.Level),
		Event:          entry.Event,
		Message:        entry.Message,
		Details:        entry.Details,
		At:             entry.At,
		Seq:            time.Now().UnixNano(),
	}
	_, err := s.coll.InsertOne(ctx, doc)
	return err
}

func (s *MongoLogStore) ListLogs(ctx context.Context, instanceID string) ([]*api.WorkflowLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}, {Key: "seq", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"instance_id": instanceID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.WorkflowLog
	for cur.Next(ctx) {
		var doc mongoLogDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, &api.WorkflowLog{
			ID:             doc.ID,
			InstanceID:     doc.InstanceID,
			NodeInstanceID: doc.NodeInstanceID,
			TaskID:         doc.TaskID,
			Level:          api.LogLevel(doc.Level),
			Event:          doc.Event,
			Message:        doc.Message,
			Details:        doc.Details,
			At:             doc.At.UTC(),
		})
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
