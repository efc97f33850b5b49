package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hybridstream/internal/app"
)

const loaderSettingsID = "loader"

type loaderSettingsDoc struct {
	ID                        string  `bson:"_id"`
	HTTPDownloadProbability   float64 `bson:"httpDownloadProbability"`
	SimultaneousHTTPDownloads int     `bson:"simultaneousHttpDownloads"`
	SimultaneousP2PDownloads  int     `bson:"simultaneousP2pDownloads"`
	CachedSegmentsCount       int     `bson:"cachedSegmentsCount"`
	CachedSegmentExpirationMS int64   `bson:"cachedSegmentExpirationMs"`
	UpdatedAt                 int64   `bson:"updatedAt"`
}

type LoaderSettingsRepository struct {
	collection *mongo.Collection
}

func NewLoaderSettingsRepository(client *mongo.Client, dbName string) *LoaderSettingsRepository {
	return &LoaderSettingsRepository{collection: client.Database(dbName).Collection("settings")}
}

func (r *LoaderSettingsRepository) GetLoaderSettings(ctx context.Context) (app.LoaderSettings, bool, error) {
	var doc loaderSettingsDoc
	err := r.collection.FindOne(ctx, bson.M{"_id": loaderSettingsID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return app.LoaderSettings{}, false, nil
		}
		return app.LoaderSettings{}, false, err
	}
	return app.LoaderSettings{
		HTTPDownloadProbability:   doc.HTTPDownloadProbability,
		SimultaneousHTTPDownloads: doc.SimultaneousHTTPDownloads,
		SimultaneousP2PDownloads:  doc.SimultaneousP2PDownloads,
		CachedSegmentsCount:       doc.CachedSegmentsCount,
		CachedSegmentExpirationMS: doc.CachedSegmentExpirationMS,
	}, true, nil
}

func (r *LoaderSettingsRepository) SetLoaderSettings(ctx context.Context, settings app.LoaderSettings) error {
	update := bson.M{
		"$set": bson.M{
			"httpDownloadProbability":   settings.HTTPDownloadProbability,
			"simultaneousHttpDownloads": settings.SimultaneousHTTPDownloads,
			"simultaneousP2pDownloads":  settings.SimultaneousP2PDownloads,
			"cachedSegmentsCount":       settings.CachedSegmentsCount,
			"cachedSegmentExpirationMs": settings.CachedSegmentExpirationMS,
			"updatedAt":                 time.Now().Unix(),
		},
	}
	_, err := r.collection.UpdateOne(
		ctx,
		bson.M{"_id": loaderSettingsID},
		update,
		options.Update().SetUpsert(true),
	)
	return err
}
