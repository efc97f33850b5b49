package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hybridstream/internal/domain"
)

type playbackPositionDoc struct {
	ID          string  `bson:"_id"`
	SwarmID     string  `bson:"swarmId"`
	TimeSeconds float64 `bson:"timeSeconds"`
	UpdatedAt   int64   `bson:"updatedAt"`
}

// PlaybackHistoryRepository persists the last known playhead per stream so a
// returning client can resume where it left off.
type PlaybackHistoryRepository struct {
	collection *mongo.Collection
}

func NewPlaybackHistoryRepository(client *mongo.Client, dbName string) *PlaybackHistoryRepository {
	return &PlaybackHistoryRepository{collection: client.Database(dbName).Collection("playback_history")}
}

func (r *PlaybackHistoryRepository) Upsert(ctx context.Context, pos domain.PlaybackPosition) error {
	update := bson.M{
		"$set": bson.M{
			"swarmId":     string(pos.SwarmID),
			"timeSeconds": pos.TimeSeconds,
			"updatedAt":   time.Now().Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": string(pos.SwarmID)},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}

func (r *PlaybackHistoryRepository) Get(ctx context.Context, swarmID domain.SwarmID) (domain.PlaybackPosition, error) {
	var doc playbackPositionDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": string(swarmID)}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return domain.PlaybackPosition{}, domain.ErrNotFound
		}
		return domain.PlaybackPosition{}, err
	}
	return playbackDocToPosition(doc), nil
}

func (r *PlaybackHistoryRepository) ListRecent(ctx context.Context, limit int) ([]domain.PlaybackPosition, error) {
	if limit <= 0 {
		limit = 20
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "updatedAt", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []playbackPositionDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	positions := make([]domain.PlaybackPosition, 0, len(docs))
	for _, doc := range docs {
		positions = append(positions, playbackDocToPosition(doc))
	}
	return positions, nil
}

func playbackDocToPosition(doc playbackPositionDoc) domain.PlaybackPosition {
	return domain.PlaybackPosition{
		SwarmID:     domain.SwarmID(doc.SwarmID),
		TimeSeconds: doc.TimeSeconds,
		UpdatedAt:   time.Unix(doc.UpdatedAt, 0).UTC(),
	}
}
