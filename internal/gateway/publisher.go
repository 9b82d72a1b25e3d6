package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/message"
)

// eventsChannel is the cross-instance event bus every gateway instance subscribes to.
const eventsChannel = "relaychat.gateway.events"

// envelope is the JSON structure published to the gateway events channel. ConversationID lets every subscribing
// instance filter to its locally-connected participants without a second round trip.
type envelope struct {
	ConversationID string          `json:"conversation_id"`
	Type           DispatchEvent   `json:"type"`
	Data           json.RawMessage `json:"data"`
}

// messageCreateData is the dispatch payload for EventMessageCreate.
type messageCreateData struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	SenderID          string    `json:"sender_id"`
	SenderDisplayName string    `json:"sender_display_name"`
	Content           string    `json:"content"`
	Type              string    `json:"type"`
	Timestamp         time.Time `json:"timestamp"`
}

// receiptUpdateData is the dispatch payload for EventReceiptUpdate.
type receiptUpdateData struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	UserID         string `json:"user_id"`
	Kind           string `json:"kind"`
}

// Publisher serialises dispatch events and publishes them to the gateway's Valkey pub/sub channel. It implements
// pipeline.Distributor so the Message Pipeline can hand it freshly-persisted messages directly.
type Publisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewPublisher creates a new gateway event publisher.
func NewPublisher(rdb *redis.Client, logger zerolog.Logger) *Publisher {
	return &Publisher{rdb: rdb, log: logger.With().Str("component", "gateway.publisher").Logger()}
}

// Distribute publishes msg as a MESSAGE_CREATE dispatch event. It satisfies pipeline.Distributor, which has no error
// return: a publish failure is logged, not propagated, since the message is already durably persisted by the time
// Distribute runs.
func (p *Publisher) Distribute(ctx context.Context, msg *message.Message) {
	data, err := json.Marshal(messageCreateData{
		ID:                msg.ID.String(),
		ConversationID:    msg.ConversationID,
		SenderID:          msg.SenderID.String(),
		SenderDisplayName: msg.SenderDisplayName,
		Content:           msg.Content,
		Type:              string(msg.Type),
		Timestamp:         msg.Timestamp,
	})
	if err != nil {
		p.log.Error().Err(err).Str("message_id", msg.ID.String()).Msg("marshal message create event")
		return
	}
	p.publish(ctx, msg.ConversationID, EventMessageCreate, data)
}

// PublishReceiptUpdate publishes a RECEIPT_UPDATE dispatch event for a single delivery/read transition.
func (p *Publisher) PublishReceiptUpdate(ctx context.Context, conversationID, messageID, userID, kind string) {
	data, err := json.Marshal(receiptUpdateData{
		ConversationID: conversationID,
		MessageID:      messageID,
		UserID:         userID,
		Kind:           kind,
	})
	if err != nil {
		p.log.Error().Err(err).Str("message_id", messageID).Msg("marshal receipt update event")
		return
	}
	p.publish(ctx, conversationID, EventReceiptUpdate, data)
}

func (p *Publisher) publish(ctx context.Context, conversationID string, eventType DispatchEvent, data json.RawMessage) {
	payload, err := json.Marshal(envelope{ConversationID: conversationID, Type: eventType, Data: data})
	if err != nil {
		p.log.Error().Err(err).Msg("marshal gateway event envelope")
		return
	}
	if err := p.rdb.Publish(ctx, eventsChannel, payload).Err(); err != nil {
		p.log.Error().Err(err).Str("conversation_id", conversationID).Msg("publish gateway event")
	}
}
