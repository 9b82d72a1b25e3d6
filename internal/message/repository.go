package message

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// CollectionName is the Mongo collection messages are stored in.
const CollectionName = "messages"

// messageDoc is the on-disk BSON shape. User and message ids are stored as their string form since the Go Mongo
// driver has no native UUID codec registered by default; MongoRepository converts at the boundary.
type messageDoc struct {
	ID                string                `bson:"_id"`
	ConversationID    string                `bson:"conversation_id"`
	SenderID          string                `bson:"sender_id"`
	SenderDisplayName string                `bson:"sender_display_name"`
	Content           string                `bson:"content"`
	Type              string                `bson:"type"`
	Timestamp         time.Time             `bson:"timestamp"`
	RecipientsAtSend  []string              `bson:"recipients_at_send"`
	DeliveredTo       map[string]time.Time  `bson:"delivered_to"`
	ReadBy            map[string]time.Time  `bson:"read_by"`
	Deleted           bool                  `bson:"deleted"`
}

func toDoc(m *Message) messageDoc {
	delivered := make(map[string]time.Time, len(m.DeliveredTo))
	for uid, at := range m.DeliveredTo {
		delivered[uid.String()] = at
	}
	read := make(map[string]time.Time, len(m.ReadBy))
	for uid, at := range m.ReadBy {
		read[uid.String()] = at
	}
	recipients := make([]string, len(m.RecipientsAtSend))
	for i, uid := range m.RecipientsAtSend {
		recipients[i] = uid.String()
	}
	return messageDoc{
		ID: m.ID.String(), ConversationID: m.ConversationID, SenderID: m.SenderID.String(),
		SenderDisplayName: m.SenderDisplayName, Content: m.Content, Type: string(m.Type),
		Timestamp: m.Timestamp, RecipientsAtSend: recipients, DeliveredTo: delivered, ReadBy: read, Deleted: m.Deleted,
	}
}

func fromDoc(d messageDoc) (*Message, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, fmt.Errorf("parse message id: %w", err)
	}
	sender, err := uuid.Parse(d.SenderID)
	if err != nil {
		return nil, fmt.Errorf("parse sender id: %w", err)
	}
	delivered := make(map[uuid.UUID]time.Time, len(d.DeliveredTo))
	for s, at := range d.DeliveredTo {
		uid, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		delivered[uid] = at
	}
	read := make(map[uuid.UUID]time.Time, len(d.ReadBy))
	for s, at := range d.ReadBy {
		uid, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		read[uid] = at
	}
	recipients := make([]uuid.UUID, 0, len(d.RecipientsAtSend))
	for _, s := range d.RecipientsAtSend {
		uid, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		recipients = append(recipients, uid)
	}
	return &Message{
		ID: id, ConversationID: d.ConversationID, SenderID: sender, SenderDisplayName: d.SenderDisplayName,
		Content: d.Content, Type: Type(d.Type), Timestamp: d.Timestamp,
		RecipientsAtSend: recipients, DeliveredTo: delivered, ReadBy: read, Deleted: d.Deleted,
	}, nil
}

// MongoRepository implements Repository using MongoDB.
type MongoRepository struct {
	coll *mongo.Collection
	log  zerolog.Logger
}

// NewMongoRepository creates a new MongoDB-backed message repository against db.
func NewMongoRepository(db *mongo.Database, logger zerolog.Logger) *MongoRepository {
	return &MongoRepository{coll: db.Collection(CollectionName), log: logger}
}

// EnsureIndexes creates the (conversation_id, timestamp) compound index used by List/Window and the text index on
// content used by SearchText. Safe to call on every startup; index creation is idempotent.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "content", Value: "text"}}},
	})
	if err != nil {
		return fmt.Errorf("ensure message indexes: %w", err)
	}
	return nil
}

// Create inserts a new message, minting its opaque id and timestamp at insert time.
func (r *MongoRepository) Create(ctx context.Context, params CreateParams) (*Message, error) {
	msg := &Message{
		ID: uuid.New(), ConversationID: params.ConversationID, SenderID: params.SenderID,
		SenderDisplayName: params.SenderDisplayName, Content: params.Content, Type: params.Type,
		Timestamp: time.Now().UTC(), RecipientsAtSend: params.RecipientsAtSend,
		DeliveredTo: map[uuid.UUID]time.Time{}, ReadBy: map[uuid.UUID]time.Time{},
	}
	if msg.Type == "" {
		msg.Type = TypeText
	}
	if _, err := r.coll.InsertOne(ctx, toDoc(msg)); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (r *MongoRepository) GetByID(ctx context.Context, conversationID string, id uuid.UUID) (*Message, error) {
	var doc messageDoc
	err := r.coll.FindOne(ctx, bson.M{"_id": id.String(), "conversation_id": conversationID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find message by id: %w", err)
	}
	return fromDoc(doc)
}

// List returns non-deleted messages in conversationID ordered newest first. When before is non-nil, only messages
// older than the referenced one are returned (cursor-based pagination).
func (r *MongoRepository) List(ctx context.Context, conversationID string, before *uuid.UUID, limit int) ([]Message, error) {
	filter := bson.M{"conversation_id": conversationID, "deleted": false}
	if before != nil {
		cursor, err := r.GetByID(ctx, conversationID, *before)
		if err != nil {
			return nil, err
		}
		filter["timestamp"] = bson.M{"$lt": cursor.Timestamp}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer cur.Close(ctx)
	return decodeAll(ctx, cur)
}

// MarkDelivered records that userID received the message, unless already recorded (idempotent).
func (r *MongoRepository) MarkDelivered(ctx context.Context, conversationID string, id uuid.UUID, userID uuid.UUID, at time.Time) error {
	field := "delivered_to." + userID.String()
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id.String(), "conversation_id": conversationID, field: bson.M{"$exists": false}},
		bson.M{"$set": bson.M{field: at}},
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRead records that userID read the message, and implies MarkDelivered for the same user in the same update so
// the invariant delivered-to ⊇ read-by never observes an intermediate violating state.
func (r *MongoRepository) MarkRead(ctx context.Context, conversationID string, id uuid.UUID, userID uuid.UUID, at time.Time) error {
	readField := "read_by." + userID.String()
	deliveredField := "delivered_to." + userID.String()
	_, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id.String(), "conversation_id": conversationID, readField: bson.M{"$exists": false}},
		bson.M{"$set": bson.M{readField: at, deliveredField: at}},
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (r *MongoRepository) SoftDelete(ctx context.Context, conversationID string, id uuid.UUID) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"_id": id.String(), "conversation_id": conversationID},
		bson.M{"$set": bson.M{"deleted": true}},
	)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversationMessages hard-deletes every message belonging to conversationID, regardless of deleted status.
// Called by the Conversation Service's deleteConversation cascade and by the Cleanup Reconciler.
func (r *MongoRepository) DeleteConversationMessages(ctx context.Context, conversationID string) error {
	if _, err := r.coll.DeleteMany(ctx, bson.M{"conversation_id": conversationID}); err != nil {
		return fmt.Errorf("delete conversation messages: %w", err)
	}
	return nil
}

// DeleteOrphanedMessages removes every message whose conversation id is not in activeConversationIDs, returning the
// number of documents removed.
func (r *MongoRepository) DeleteOrphanedMessages(ctx context.Context, activeConversationIDs []string) (int64, error) {
	res, err := r.coll.DeleteMany(ctx, bson.M{"conversation_id": bson.M{"$nin": activeConversationIDs}})
	if err != nil {
		return 0, fmt.Errorf("delete orphaned messages: %w", err)
	}
	return res.DeletedCount, nil
}

// SearchText runs a full-text search against the content text index, scoped to conversationID.
func (r *MongoRepository) SearchText(ctx context.Context, conversationID, query string, limit int) ([]Message, error) {
	filter := bson.M{"conversation_id": conversationID, "deleted": false, "$text": bson.M{"$search": query}}
	opts := options.Find().
		SetProjection(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("text search messages: %w", err)
	}
	defer cur.Close(ctx)
	return decodeAll(ctx, cur)
}

// SearchRegex runs a case-insensitive regex search against content, scoped to conversationID. Used as the fallback
// path when the text index is unavailable or errors.
func (r *MongoRepository) SearchRegex(ctx context.Context, conversationID, pattern string, limit int) ([]Message, error) {
	filter := bson.M{
		"conversation_id": conversationID, "deleted": false,
		"content": bson.M{"$regex": pattern, "$options": "i"},
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}).SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("regex search messages: %w", err)
	}
	defer cur.Close(ctx)
	return decodeAll(ctx, cur)
}

// Window returns every message in conversationID within ±radius of center, sorted ascending, for Search's context
// operation.
func (r *MongoRepository) Window(ctx context.Context, conversationID string, center time.Time, radius time.Duration) ([]Message, error) {
	filter := bson.M{
		"conversation_id": conversationID, "deleted": false,
		"timestamp": bson.M{"$gte": center.Add(-radius), "$lte": center.Add(radius)},
	}
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("window messages: %w", err)
	}
	defer cur.Close(ctx)
	return decodeAll(ctx, cur)
}

func decodeAll(ctx context.Context, cur *mongo.Cursor) ([]Message, error) {
	var out []Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msg, err := fromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, *msg)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}
