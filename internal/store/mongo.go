package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"taskmill/internal/domain"
	logx "taskmill/pkg/logx"
)

// Collection names match the chat host's Mongoose models so both sides see
// the same data.
const (
	tasksCollection      = "schedulertasks"
	executionsCollection = "schedulerexecutions"
)

type mongoStore struct {
	client *mongo.Client
	tasks  *mongo.Collection
	execs  *mongo.Collection
	log    logx.Logger
}

type taskDoc struct {
	ID             string    `bson:"id"`
	Owner          string    `bson:"user"`
	DisplayName    string    `bson:"name"`
	Trigger        string    `bson:"trigger_kind"`
	Type           string    `bson:"type"`
	Payload        []byte    `bson:"payload,omitempty"`
	Schedule       string    `bson:"schedule"`
	Recurring      bool      `bson:"recurring"`
	NextRunAt      time.Time `bson:"next_run"`
	LastRunAt      time.Time `bson:"last_run"`
	Status         string    `bson:"status"`
	Enabled        bool      `bson:"enabled"`
	ConversationID string    `bson:"conversation_id"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

type executionDoc struct {
	ID         string    `bson:"id"`
	TaskID     string    `bson:"task_id"`
	Owner      string    `bson:"user"`
	Status     string    `bson:"status"`
	StartTime  time.Time `bson:"start_time"`
	EndTime    time.Time `bson:"end_time"`
	DurationMS int64     `bson:"duration_ms"`
	Output     string    `bson:"output"`
	Error      string    `bson:"error"`
}

func openMongo(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	uri := strings.TrimSpace(cfg.URI)
	if uri == "" {
		return nil, errors.New("mongo uri is required")
	}

	client, err := mongo.Connect(
		options.Client().
			ApplyURI(uri).
			SetConnectTimeout(5 * time.Second).
			SetServerSelectionTimeout(5 * time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo ping: %w", err)
	}

	dbName := strings.TrimSpace(cfg.Database)
	if dbName == "" {
		dbName = databaseNameFromURI(uri)
	}
	db := client.Database(dbName)

	s := &mongoStore{
		client: client,
		tasks:  db.Collection(tasksCollection),
		execs:  db.Collection(executionsCollection),
		log:    log,
	}
	if err := s.createIndexes(ctx); err != nil {
		// Index creation failures are not fatal; queries still work.
		log.Warn("mongo index creation failed", logx.Err(err))
	}
	log.Info("connected to mongo", logx.String("db", dbName))
	return s, nil
}

// databaseNameFromURI extracts the database name from a mongo URI path,
// falling back to "scheduler".
func databaseNameFromURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "scheduler"
	}
	name := strings.TrimPrefix(u.Path, "/")
	if i := strings.IndexByte(name, '?'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "scheduler"
	}
	return name
}

func (s *mongoStore) createIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "enabled", Value: 1}, {Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "next_run", Value: 1}}},
		{Keys: bson.D{{Key: "user", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.execs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "start_time", Value: -1}}},
		{Keys: bson.D{{Key: "user", Value: 1}}},
	})
	return err
}

func (s *mongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *mongoStore) FetchReadyTasks(ctx context.Context, now time.Time) ([]domain.Task, error) {
	cur, err := s.tasks.Find(ctx, bson.M{
		"enabled":  true,
		"status":   bson.M{"$ne": string(domain.TaskRunning)},
		"next_run": bson.M{"$gt": time.Time{}, "$lte": now},
	}, options.Find().SetSort(bson.D{{Key: "next_run", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []taskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}

	claimed := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		// CAS claim: FindOneAndUpdate only matches if nobody else won first.
		res := s.tasks.FindOneAndUpdate(ctx,
			bson.M{"id": d.ID, "status": bson.M{"$ne": string(domain.TaskRunning)}},
			bson.M{"$set": bson.M{"status": string(domain.TaskRunning), "updated_at": now}},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		)
		var got taskDoc
		if err := res.Decode(&got); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				continue
			}
			return claimed, err
		}
		claimed = append(claimed, got.toDomain())
	}
	return claimed, nil
}

func (s *mongoStore) ClaimTask(ctx context.Context, id, owner string) error {
	filter := taskFilter(id, owner)
	filter["status"] = bson.M{"$ne": string(domain.TaskRunning)}
	res, err := s.tasks.UpdateOne(ctx, filter,
		bson.M{"$set": bson.M{"status": string(domain.TaskRunning), "updated_at": time.Now()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}
	// No match: distinguish a missing task from a lost claim race.
	if _, err := s.GetTask(ctx, id, owner); err != nil {
		return err
	}
	return ErrBusy
}

func (s *mongoStore) SaveTask(ctx context.Context, t domain.Task) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	_, err := s.tasks.ReplaceOne(ctx, bson.M{"id": t.ID}, taskDocFrom(t), options.Replace().SetUpsert(true))
	return err
}

func (s *mongoStore) GetTask(ctx context.Context, id, owner string) (domain.Task, error) {
	var d taskDoc
	err := s.tasks.FindOne(ctx, taskFilter(id, owner)).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	return d.toDomain(), nil
}

func (s *mongoStore) ListTasks(ctx context.Context, owner string) ([]domain.Task, error) {
	filter := bson.M{}
	if owner != "" {
		filter["user"] = owner
	}
	cur, err := s.tasks.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	var docs []taskDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func (s *mongoStore) DeleteTask(ctx context.Context, id, owner string) error {
	res, err := s.tasks.DeleteOne(ctx, taskFilter(id, owner))
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) UpdateTaskStatus(ctx context.Context, id, owner string, status domain.TaskStatus) error {
	res, err := s.tasks.UpdateOne(ctx, taskFilter(id, owner),
		bson.M{"$set": bson.M{"status": string(status), "updated_at": time.Now()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) CompleteTask(ctx context.Context, id, owner string, finishedAt time.Time) error {
	t, err := s.GetTask(ctx, id, owner)
	if err != nil {
		return err
	}

	set := bson.M{
		"last_run":   finishedAt,
		"updated_at": time.Now(),
	}
	if t.Recurring {
		next, err := NextRun(t.Schedule, finishedAt)
		if err != nil {
			return err
		}
		set["status"] = string(domain.TaskPending)
		set["next_run"] = next
	} else {
		set["status"] = string(domain.TaskCompleted)
		set["enabled"] = false
	}

	_, err = s.tasks.UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": set})
	return err
}

func (s *mongoStore) CreateExecution(ctx context.Context, e domain.Execution) error {
	_, err := s.execs.InsertOne(ctx, executionDocFrom(e))
	return err
}

func (s *mongoStore) UpdateExecution(ctx context.Context, e domain.Execution) error {
	res, err := s.execs.UpdateOne(ctx, bson.M{"id": e.ID}, bson.M{"$set": bson.M{
		"status":      string(e.Status),
		"end_time":    e.EndTime,
		"duration_ms": e.DurationMS,
		"output":      e.Output,
		"error":       e.Error,
	}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *mongoStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.Execution, error) {
	if limit <= 0 {
		limit = 10
	}
	cur, err := s.execs.Find(ctx, bson.M{"task_id": taskID},
		options.Find().SetSort(bson.D{{Key: "start_time", Value: -1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	var docs []executionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]domain.Execution, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.toDomain())
	}
	return out, nil
}

func taskFilter(id, owner string) bson.M {
	f := bson.M{"id": id}
	if owner != "" {
		f["user"] = owner
	}
	return f
}

func taskDocFrom(t domain.Task) taskDoc {
	return taskDoc{
		ID:             t.ID,
		Owner:          t.Owner,
		DisplayName:    t.DisplayName,
		Trigger:        string(t.Trigger),
		Type:           t.Type,
		Payload:        []byte(t.Payload),
		Schedule:       t.Schedule,
		Recurring:      t.Recurring,
		NextRunAt:      t.NextRunAt,
		LastRunAt:      t.LastRunAt,
		Status:         string(t.Status),
		Enabled:        t.Enabled,
		ConversationID: t.ConversationID,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
	}
}

func (d taskDoc) toDomain() domain.Task {
	return domain.Task{
		ID:             d.ID,
		Owner:          d.Owner,
		DisplayName:    d.DisplayName,
		Trigger:        domain.TriggerKind(d.Trigger),
		Type:           d.Type,
		Payload:        d.Payload,
		Schedule:       d.Schedule,
		Recurring:      d.Recurring,
		NextRunAt:      d.NextRunAt,
		LastRunAt:      d.LastRunAt,
		Status:         domain.TaskStatus(d.Status),
		Enabled:        d.Enabled,
		ConversationID: d.ConversationID,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func executionDocFrom(e domain.Execution) executionDoc {
	return executionDoc{
		ID:         e.ID,
		TaskID:     e.TaskID,
		Owner:      e.Owner,
		Status:     string(e.Status),
		StartTime:  e.StartTime,
		EndTime:    e.EndTime,
		DurationMS: e.DurationMS,
		Output:     e.Output,
		Error:      e.Error,
	}
}

func (d executionDoc) toDomain() domain.Execution {
	return domain.Execution{
		ID:         d.ID,
		TaskID:     d.TaskID,
		Owner:      d.Owner,
		Status:     domain.ExecutionStatus(d.Status),
		StartTime:  d.StartTime,
		EndTime:    d.EndTime,
		DurationMS: d.DurationMS,
		Output:     d.Output,
		Error:      d.Error,
	}
}
