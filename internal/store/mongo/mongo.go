// Package mongo is the MongoDB-backed Store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fathima-sithara/counsel-realtime/internal/domain"
	"github.com/fathima-sithara/counsel-realtime/internal/store"
)

const (
	opTimeout   = 3 * time.Second
	listTimeout = 5 * time.Second
)

type Repository struct {
	convCol    *mongo.Collection
	msgCol     *mongo.Collection
	counterCol *mongo.Collection
	logger     *zap.Logger
}

var _ store.Store = (*Repository)(nil)

func NewClient(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}
	return client, nil
}

// NewRepository ensures the indexes the queries rely on.
func NewRepository(ctx context.Context, db *mongo.Database, logger *zap.Logger) (*Repository, error) {
	r := newRepository(db, logger)
	if _, err := r.msgCol.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "seq", Value: -1}},
			Options: options.Index().SetName("conv_created_idx"),
		},
	}); err != nil {
		return nil, fmt.Errorf("message indexes: %w", err)
	}
	if _, err := r.convCol.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participant_key", Value: 1}, {Key: "appointment_id", Value: 1}},
		Options: options.Index().SetName("participants_appt_uniq").SetUnique(true),
	}); err != nil {
		return nil, fmt.Errorf("conversation indexes: %w", err)
	}
	return r, nil
}

func newRepository(db *mongo.Database, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{
		convCol:    db.Collection("conversations"),
		msgCol:     db.Collection("messages"),
		counterCol: db.Collection("conversation_counters"),
		logger:     logger,
	}
}

func (r *Repository) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var c domain.Conversation
	if err := r.convCol.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repository) FindOrCreateConversation(ctx context.Context, participants []string, appointmentID string) (*domain.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	participants = domain.NormalizeParticipants(participants)
	now := time.Now().UTC().Truncate(time.Millisecond)
	key := domain.ParticipantKey(participants)
	filter := bson.M{"participant_key": key, "appointment_id": appointmentID}
	update := bson.M{"$setOnInsert": bson.M{
		"_id":             uuid.NewString(),
		"participants":    participants,
		"participant_key": key,
		"appointment_id":  appointmentID,
		"created_at":      now,
		"updated_at":      now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var c domain.Conversation
	err := r.convCol.FindOneAndUpdate(ctx, filter, update, opts).Decode(&c)
	if mongo.IsDuplicateKeyError(err) {
		// lost an upsert race; the winner's document is there now
		err = r.convCol.FindOne(ctx, filter).Decode(&c)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// nextSeq bumps the per-conversation counter.
func (r *Repository) nextSeq(ctx context.Context, conversationID string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counterCol.FindOneAndUpdate(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	return doc.Seq, err
}

func (r *Repository) AppendMessage(ctx context.Context, m *domain.Message) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if n, err := r.convCol.CountDocuments(ctx, bson.M{"_id": m.ConversationID}); err != nil {
		return err
	} else if n == 0 {
		return store.ErrNotFound
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	// BSON dates hold milliseconds; the caller's copy must match a reread
	m.CreatedAt = m.CreatedAt.Truncate(time.Millisecond)
	if m.Attachments == nil {
		m.Attachments = []domain.Attachment{}
	}
	seq, err := r.nextSeq(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	m.Seq = seq

	if _, err := r.msgCol.UpdateOne(ctx,
		bson.M{"_id": m.ID},
		bson.M{"$setOnInsert": m},
		options.Update().SetUpsert(true),
	); err != nil {
		return err
	}
	if _, err := r.convCol.UpdateByID(ctx, m.ConversationID, bson.M{"$set": bson.M{"updated_at": m.CreatedAt}}); err != nil {
		// the message is stored; a stale updated_at only affects listings
		r.logger.Warn("touch conversation",
			zap.String("conversation_id", m.ConversationID),
			zap.Error(err))
	}
	return nil
}

func (r *Repository) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	var m domain.Message
	if err := r.msgCol.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	normalize(&m)
	return &m, nil
}

// EditMessage copies the current text into previous_text in the same update
// via an aggregation pipeline.
func (r *Repository) EditMessage(ctx context.Context, id, text string, at time.Time) (*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	at = at.Truncate(time.Millisecond)
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"previous_text": "$text",
			"text":          text,
			"edited":        true,
			"edited_at":     at,
		}}},
	}
	var m domain.Message
	err := r.msgCol.FindOneAndUpdate(ctx, bson.M{"_id": id}, pipeline,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&m)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	normalize(&m)
	return &m, nil
}

func (r *Repository) ListMessages(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "seq", Value: -1},
		{Key: "_id", Value: -1},
	})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.msgCol.Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	out := []*domain.Message{}
	for cur.Next(ctx) {
		var m domain.Message
		if err := cur.Decode(&m); err != nil {
			return nil, err
		}
		normalize(&m)
		out = append(out, &m)
	}
	return out, cur.Err()
}

func normalize(m *domain.Message) {
	if m.Attachments == nil {
		m.Attachments = []domain.Attachment{}
	}
}
