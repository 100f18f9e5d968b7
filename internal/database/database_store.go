package database

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/life-stream-dev/life-stream-go-offline-client/internal/logger"
)

// MongoStore 共享 MongoDB 上的动作账本，适合多个客户端进程共用
type MongoStore struct {
	db               *mongo.Database
	actions          *mongo.Collection
	acknowledged     *mongo.Collection
	operationTimeout time.Duration
	maxAttempts      int
}

func NewMongoStore(db *mongo.Database, operationTimeout time.Duration, maxAttempts int) *MongoStore {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if operationTimeout <= 0 {
		operationTimeout = 5 * time.Second
	}
	return &MongoStore{
		db:               db,
		actions:          db.Collection(ActionCollectionName),
		acknowledged:     db.Collection(AcknowledgedCollectionName),
		operationTimeout: operationTimeout,
		maxAttempts:      maxAttempts,
	}
}

func handleErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %s: unique key conflicts: %w", ErrPersistence, op, err)
	}
	return fmt.Errorf("%w: %s: database operation failed: %w", ErrPersistence, op, err)
}

func (ds *MongoStore) Enqueue(ctx context.Context, action QueuedAction) error {
	if err := action.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "action_id", Value: action.ID}}
	err := ds.acknowledged.FindOne(ctx, filter).Err()
	if err == nil {
		logger.DebugF("Action %s already acknowledged, skip", action.ID)
		return nil
	}
	if !errors.Is(err, mongo.ErrNoDocuments) {
		return handleErr("enqueue", err)
	}

	action.Status = StatusPending
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	// $setOnInsert 保证同一 id 重复入队不会覆盖已有记录
	update := bson.D{{Key: "$setOnInsert", Value: action}}
	result, err := ds.actions.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return handleErr("enqueue", err)
	}
	logger.DebugF("Action enqueued: id=%s, upserted=%v", action.ID, result.UpsertedID != nil)
	return nil
}

func (ds *MongoStore) pendingFilter() bson.D {
	return bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "status", Value: StatusPending}},
		bson.D{
			{Key: "status", Value: StatusFailed},
			{Key: "attempts", Value: bson.D{{Key: "$lt", Value: ds.maxAttempts}}},
		},
	}}}
}

func (ds *MongoStore) ListPending(ctx context.Context) iter.Seq2[QueuedAction, error] {
	return func(yield func(QueuedAction, error) bool) {
		opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "action_id", Value: 1}})
		cursor, err := ds.actions.Find(ctx, ds.pendingFilter(), opts)
		if err != nil {
			yield(QueuedAction{}, handleErr("list pending", err))
			return
		}
		defer cursor.Close(context.WithoutCancel(ctx))

		for cursor.Next(ctx) {
			var action QueuedAction
			if err := cursor.Decode(&action); err != nil {
				yield(QueuedAction{}, handleErr("decode action", err))
				return
			}
			if !yield(action, nil) {
				return
			}
		}
		if err := cursor.Err(); err != nil {
			yield(QueuedAction{}, handleErr("list pending", err))
		}
	}
}

func (ds *MongoStore) ListFailed(ctx context.Context) ([]QueuedAction, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{
		{Key: "status", Value: StatusFailed},
		{Key: "attempts", Value: bson.D{{Key: "$gte", Value: ds.maxAttempts}}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := ds.actions.Find(ctx, filter, opts)
	if err != nil {
		return nil, handleErr("list failed", err)
	}
	var result []QueuedAction
	if err := cursor.All(ctx, &result); err != nil {
		return nil, handleErr("list failed", err)
	}
	return result, nil
}

func (ds *MongoStore) Get(ctx context.Context, id string) (*QueuedAction, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	var action QueuedAction
	startTime := time.Now()
	err := ds.actions.FindOne(ctx, bson.D{{Key: "action_id", Value: id}}).Decode(&action)
	logger.DebugF("action query cost: %v", time.Since(startTime))
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, handleErr("get", err)
	}
	return &action, nil
}

func (ds *MongoStore) updateOne(ctx context.Context, op string, id string, update bson.D) (*mongo.UpdateResult, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	result, err := ds.actions.UpdateOne(ctx, bson.D{{Key: "action_id", Value: id}}, update)
	if err != nil {
		return nil, handleErr(op, err)
	}
	return result, nil
}

func (ds *MongoStore) MarkInFlight(ctx context.Context, id string) error {
	_, err := ds.updateOne(ctx, "mark in-flight", id, bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: StatusInFlight}}}})
	return err
}

func (ds *MongoStore) MarkFailed(ctx context.Context, id string) error {
	_, err := ds.updateOne(ctx, "mark failed", id, bson.D{
		{Key: "$set", Value: bson.D{{Key: "status", Value: StatusFailed}}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
	})
	return err
}

func (ds *MongoStore) Retry(ctx context.Context, id string) error {
	result, err := ds.updateOne(ctx, "retry", id, bson.D{{Key: "$set", Value: bson.D{
		{Key: "status", Value: StatusPending},
		{Key: "attempts", Value: 0},
	}}})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrActionNotFound
	}
	return nil
}

func (ds *MongoStore) MarkAcknowledged(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()

	filter := bson.D{{Key: "action_id", Value: id}}
	result, err := ds.actions.DeleteOne(ctx, filter)
	if err != nil {
		return handleErr("mark acknowledged", err)
	}
	if result.DeletedCount == 0 {
		return nil
	}
	tombstone := bson.D{{Key: "$setOnInsert", Value: bson.D{
		{Key: "action_id", Value: id},
		{Key: "acknowledged_at", Value: time.Now().UTC()},
	}}}
	if _, err := ds.acknowledged.UpdateOne(ctx, filter, tombstone, options.Update().SetUpsert(true)); err != nil {
		return handleErr("mark acknowledged", err)
	}
	logger.DebugF("Action acknowledged: id=%s", id)
	return nil
}

func (ds *MongoStore) Cancel(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	result, err := ds.actions.DeleteOne(ctx, bson.D{{Key: "action_id", Value: id}})
	if err != nil {
		return handleErr("cancel", err)
	}
	logger.InfoF("Action cancelled: id=%s, deleted=%d", id, result.DeletedCount)
	return nil
}

func (ds *MongoStore) Recover(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ds.operationTimeout)
	defer cancel()
	result, err := ds.actions.UpdateMany(ctx,
		bson.D{{Key: "status", Value: StatusInFlight}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: StatusPending}}}},
	)
	if err != nil {
		return 0, handleErr("recover", err)
	}
	return int(result.ModifiedCount), nil
}

// Close 不关闭客户端，连接由 DBCloseCallback 统一释放
func (ds *MongoStore) Close() error {
	return nil
}
