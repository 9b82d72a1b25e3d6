// Package pipeline implements the Message Pipeline (C8): a bounded multi-producer/single-consumer queue that
// decouples ingress latency (gateway frames, REST sends) from persistence latency, with a synchronous fallback when
// the queue is full.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relaychat/relaychat-server/internal/conversation"
	"github.com/relaychat/relaychat-server/internal/message"
)

// DefaultCapacity is the queue bound applied when New is given a negative capacity.
const DefaultCapacity = 10000

// Draft is a message awaiting persistence and fanout.
type Draft struct {
	ConversationID    string
	SenderID          uuid.UUID
	SenderDisplayName string
	Content           string
	Type              message.Type
}

// MessageCreator is the slice of the Message Store Adapter the pipeline needs to persist a draft and initialize its
// delivered-to vector.
type MessageCreator interface {
	Create(ctx context.Context, params message.CreateParams) (*message.Message, error)
	MarkDelivered(ctx context.Context, conversationID string, id, userID uuid.UUID, at time.Time) error
}

// ParticipantLister is the slice of the Conversation Service's repository the pipeline needs to snapshot recipients
// at send time.
type ParticipantLister interface {
	ActiveParticipants(ctx context.Context, conversationID string) ([]conversation.Participant, error)
}

// Distributor fans a persisted message out to its conversation's live connections (C9/C10). Distribute is expected
// to handle its own errors; the pipeline does not treat a distribution failure as a processing failure.
type Distributor interface {
	Distribute(ctx context.Context, msg *message.Message)
}

// Pipeline is the single-consumer message processor.
type Pipeline struct {
	queue        chan Draft
	messages     MessageCreator
	participants ParticipantLister
	distributor  Distributor
	log          zerolog.Logger
	stopped      atomic.Bool
}

// New builds a Pipeline with the given queue capacity (DefaultCapacity if negative; 0 means unbuffered, which in
// practice forces every Submit without an active Run consumer onto the synchronous fallback path — useful in tests).
func New(capacity int, messages MessageCreator, participants ParticipantLister, distributor Distributor, logger zerolog.Logger) *Pipeline {
	if capacity < 0 {
		capacity = DefaultCapacity
	}
	return &Pipeline{
		queue:        make(chan Draft, capacity),
		messages:     messages,
		participants: participants,
		distributor:  distributor,
		log:          logger.With().Str("component", "pipeline").Logger(),
	}
}

// Submit enqueues draft for asynchronous processing and returns (nil, nil) once it is queued. If the queue is full (or
// the pipeline is shutting down), it falls back to processing draft synchronously in the caller's goroutine, at the
// cost of ingress latency; on that path the call returns the persisted message only after persistence and fanout
// have been attempted.
func (p *Pipeline) Submit(ctx context.Context, draft Draft) (*message.Message, error) {
	if !p.stopped.Load() {
		select {
		case p.queue <- draft:
			return nil, nil
		default:
		}
	}
	return p.process(ctx, draft)
}

// Run dequeues and processes drafts in FIFO order until ctx is cancelled. It is meant to run as the sole pipeline
// consumer goroutine for the life of the process.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case draft := <-p.queue:
			if _, err := p.process(ctx, draft); err != nil {
				p.log.Error().Err(err).Str("conversation_id", draft.ConversationID).Msg("process message failed")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown stops accepting new asynchronous submissions (Submit falls back to synchronous processing from this
// point on) and drains whatever is already queued, within deadline.
func (p *Pipeline) Shutdown(ctx context.Context, deadline time.Duration) {
	p.stopped.Store(true)
	cutoff := time.Now().Add(deadline)
	for {
		if time.Now().After(cutoff) {
			if n := len(p.queue); n > 0 {
				p.log.Warn().Int("dropped", n).Msg("pipeline shutdown deadline exceeded, drafts left unprocessed")
			}
			return
		}
		select {
		case draft := <-p.queue:
			if _, err := p.process(ctx, draft); err != nil {
				p.log.Error().Err(err).Str("conversation_id", draft.ConversationID).Msg("drain: process message failed")
			}
		default:
			return
		}
	}
}

// process runs the four persistence/fanout steps spec.md §4.5 describes, in order.
func (p *Pipeline) process(ctx context.Context, draft Draft) (*message.Message, error) {
	content, err := message.ValidateContent(draft.Content)
	if err != nil {
		return nil, err
	}

	recipients, err := p.recipientsAtSend(ctx, draft.ConversationID, draft.SenderID)
	if err != nil {
		return nil, err
	}

	msg, err := p.messages.Create(ctx, message.CreateParams{
		ConversationID:    draft.ConversationID,
		SenderID:          draft.SenderID,
		SenderDisplayName: draft.SenderDisplayName,
		Content:           content,
		Type:              draft.Type,
		RecipientsAtSend:  recipients,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if msg.DeliveredTo == nil {
		msg.DeliveredTo = make(map[uuid.UUID]time.Time, len(recipients))
	}
	for _, uid := range recipients {
		if err := p.messages.MarkDelivered(ctx, draft.ConversationID, msg.ID, uid, now); err != nil {
			p.log.Warn().Err(err).Str("user_id", uid.String()).Msg("delivered-to initialization failed")
			continue
		}
		msg.DeliveredTo[uid] = now
	}

	if p.distributor != nil {
		p.distributor.Distribute(ctx, msg)
	}
	return msg, nil
}

func (p *Pipeline) recipientsAtSend(ctx context.Context, conversationID string, sender uuid.UUID) ([]uuid.UUID, error) {
	participants, err := p.participants.ActiveParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	out := make([]uuid.UUID, 0, len(participants))
	for _, participant := range participants {
		if participant.UserID == sender {
			continue
		}
		out = append(out, participant.UserID)
	}
	return out, nil
}
