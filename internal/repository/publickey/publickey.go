package publickey

import (
	"context"
	"errors"

	"e2e_callkey/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	PublicKeyRepo struct {
		collection *mongo.Collection
	}
)

func NewPublicKeyRepo(db *mongo.Database) *PublicKeyRepo {
	return &PublicKeyRepo{
		collection: db.Collection("public_keys"),
	}
}

// EnsureIndexes makes participant_id unique so that concurrent publishes for
// the same participant converge on one document.
func (r *PublicKeyRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participant_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// GetByParticipantID returns nil, nil when the participant never published.
func (r *PublicKeyRepo) GetByParticipantID(ctx context.Context, participantID string) (*model.PublicKeyRecord, error) {
	filter := bson.M{
		"participant_id": participantID,
	}

	var rec model.PublicKeyRecord
	err := r.collection.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// Upsert replaces the participant's key and bumps its version.
func (r *PublicKeyRepo) Upsert(ctx context.Context, rec *model.PublicKeyRecord) (*model.PublicKeyRecord, error) {
	filter := bson.M{
		"participant_id": rec.ParticipantID,
	}
	update := bson.M{
		"$set": bson.M{
			"algorithm":    rec.Algorithm,
			"key_material": rec.KeyMaterial,
			"signing_key":  rec.SigningKey,
		},
		"$inc": bson.M{"version": 1},
	}
	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var stored model.PublicKeyRecord
	if err := r.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&stored); err != nil {
		return nil, err
	}
	return &stored, nil
}
