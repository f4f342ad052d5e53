package docstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// mongoBlobDoc is the BSON document schema for blob storage.
type mongoBlobDoc struct {
	ID        string    `json:"_id" bson:"_id"`
	Version   string    `json:"version" bson:"version"`
	Content   []byte    `json:"content" bson:"content"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// MongoBlobStore implements BlobStore backed by a MongoDB collection keyed by
// path. The caller owns the mongo.Client lifecycle.
type MongoBlobStore struct {
	Collection *mongo.Collection
}

// NewMongoBlobStore creates a MongoBlobStore from a *mongo.Collection.
func NewMongoBlobStore(collection *mongo.Collection) *MongoBlobStore {
	return &MongoBlobStore{Collection: collection}
}

func (s *MongoBlobStore) Get(ctx context.Context, path string) (*Document, error) {
	path = normalizeKey(path)
	var doc mongoBlobDoc
	err := s.Collection.FindOne(ctx, bson.M{"_id": path}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	return &Document{Path: path, Content: doc.Content, Version: doc.Version}, nil
}

func (s *MongoBlobStore) Put(ctx context.Context, path string, content []byte, expectedVersion string) (string, error) {
	path = normalizeKey(path)
	newVersion := uuid.New().String()
	doc := mongoBlobDoc{
		ID:        path,
		Version:   newVersion,
		Content:   content,
		UpdatedAt: time.Now().UTC(),
	}

	if expectedVersion == "" {
		_, err := s.Collection.ReplaceOne(ctx, bson.M{"_id": path}, doc, options.Replace().SetUpsert(true))
		if err != nil {
			return "", err
		}
		return newVersion, nil
	}

	if expectedVersion == CreateOnly {
		if _, err := s.Collection.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return "", fmt.Errorf("%w: %s already exists", ErrConflict, path)
			}
			return "", err
		}
		return newVersion, nil
	}

	// CAS: only replace if current version matches.
	res, err := s.Collection.ReplaceOne(ctx,
		bson.M{"_id": path, "version": expectedVersion},
		doc,
	)
	if err != nil {
		return "", err
	}
	if res.MatchedCount == 0 {
		return "", fmt.Errorf("%w: %s", ErrConflict, path)
	}
	return newVersion, nil
}

func (s *MongoBlobStore) List(ctx context.Context, prefix string) ([]BlobEntry, error) {
	prefix = normalizeKey(prefix)
	filter := bson.M{}
	if prefix != "" {
		filter = bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix+"/")}}
	}

	cursor, err := s.Collection.Find(ctx, filter, options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	defer cursor.Close(ctx)

	keys := make([]string, 0)
	for cursor.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cursor.Decode(&row); err != nil {
			return nil, err
		}
		keys = append(keys, row.ID)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return immediateChildren(prefix, keys), nil
}
