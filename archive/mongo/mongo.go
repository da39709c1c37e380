// Package mongo hosts the MongoDB-backed workflow archive used in
// production deployments.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/madsci-dev/workcell/archive"
	"github.com/madsci-dev/workcell/types"
)

const (
	defaultCollection = "archived_workflows"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "workflow-archive-mongo"
)

type (
	// Store is the MongoDB implementation of archive.Store. It also
	// implements health.Pinger so the hosting process can surface archive
	// connectivity on its health endpoint.
	Store struct {
		mongo   *mongodriver.Client
		coll    *mongodriver.Collection
		timeout time.Duration
	}

	// Options configures the Mongo archive.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	// workflowDocument is the persisted shape of an archived workflow. The
	// full workflow is kept as its canonical JSON so the archive is
	// schema-stable across engine versions; the indexed fields are lifted
	// out for querying.
	workflowDocument struct {
		WorkflowID    string     `bson:"workflow_id"`
		Name          string     `bson:"name"`
		Phase         string     `bson:"phase"`
		SubmittedTime time.Time  `bson:"submitted_time"`
		EndTime       *time.Time `bson:"end_time,omitempty"`
		Payload       []byte     `bson:"payload"`
	}
)

// Compile-time checks.
var (
	_ archive.Store = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New returns a Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)
	s := &Store{mongo: opts.Client, coll: coll, timeout: timeout}
	ctx, cancel := s.withTimeout(context.Background())
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name identifies the archive on health reports.
func (s *Store) Name() string { return clientName }

// Ping reports archive connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Archive stores or replaces a terminal workflow.
func (s *Store) Archive(ctx context.Context, wf *types.Workflow) error {
	if wf.WorkflowID == "" {
		return errors.New("workflow id is required")
	}
	payload, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow %q: %w", wf.WorkflowID, err)
	}
	doc := workflowDocument{
		WorkflowID:    wf.WorkflowID,
		Name:          wf.Name,
		Phase:         wf.Status.Phase(),
		SubmittedTime: wf.SubmittedTime,
		EndTime:       wf.EndTime,
		Payload:       payload,
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"workflow_id": wf.WorkflowID}
	update := bson.M{"$set": doc}
	_, err = s.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("archive workflow %q: %w", wf.WorkflowID, err)
	}
	return nil
}

// Get retrieves an archived workflow by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Workflow, error) {
	if id == "" {
		return nil, errors.New("workflow id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc workflowDocument
	if err := s.coll.FindOne(ctx, bson.M{"workflow_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, archive.ErrNotFound
		}
		return nil, fmt.Errorf("load workflow %q: %w", id, err)
	}
	return doc.workflow()
}

// ListRecent returns up to n archived workflows, most recently ended first.
func (s *Store) ListRecent(ctx context.Context, n int) ([]*types.Workflow, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "end_time", Value: -1}})
	if n > 0 {
		opts = opts.SetLimit(int64(n))
	}
	cursor, err := s.coll.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("list archived workflows: %w", err)
	}
	defer cursor.Close(ctx)
	var out []*types.Workflow
	for cursor.Next(ctx) {
		var doc workflowDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode archived workflow: %w", err)
		}
		wf, err := doc.workflow()
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("list archived workflows: %w", err)
	}
	return out, nil
}

// Delete removes a workflow from the archive.
func (s *Store) Delete(ctx context.Context, id string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.coll.DeleteOne(ctx, bson.M{"workflow_id": id}); err != nil {
		return fmt.Errorf("delete archived workflow %q: %w", id, err)
	}
	return nil
}

// Close disconnects the Mongo client.
func (s *Store) Close(ctx context.Context) error {
	return s.mongo.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "end_time", Value: -1}}},
	}
	if _, err := s.coll.Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("ensure archive indexes: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (d *workflowDocument) workflow() (*types.Workflow, error) {
	var wf types.Workflow
	if err := json.Unmarshal(d.Payload, &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %q: %w", d.WorkflowID, err)
	}
	return &wf, nil
}
