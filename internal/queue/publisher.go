package queue

import (
	"context"

	"github.com/relaymesh/delivery-engine/internal/model"
	"github.com/relaymesh/delivery-engine/pkg/redis"
)

// Envelope is what travels on the dispatch streams. Durable state lives in
// Postgres; the stream only carries the pointer to it. RecordID is zero for
// a fresh enqueue (dispatch every record of the message) and set for a
// scheduled retry of one record.
type Envelope struct {
	MessageID      int64          `json:"message_id"`
	RecordID       int64          `json:"record_id,omitempty"`
	ConversationID string         `json:"conversation_id"`
	Priority       model.Priority `json:"priority"`
}

// Publisher routes envelopes to the right partition stream, or to the MAX
// lane for safety traffic.
type Publisher struct {
	partitions Partitions
	queues     map[string]*Queue
}

// NewPublisher builds one Queue per partition plus the MAX lane, sharing the
// consumer-group configuration.
func NewPublisher(adapter redis.RedisAdapter, partitions Partitions, config QueueConfig) (*Publisher, error) {
	queues := make(map[string]*Queue, partitions.Count+1)

	names := append(partitions.All(), partitions.MaxLane())
	for _, name := range names {
		cfg := config
		cfg.Name = name
		q, err := NewQueue(adapter, cfg)
		if err != nil {
			return nil, err
		}
		queues[name] = q
	}

	return &Publisher{
		partitions: partitions,
		queues:     queues,
	}, nil
}

// Publish sends an envelope to the stream that owns its conversation.
func (p *Publisher) Publish(ctx context.Context, env Envelope) error {
	q := p.queues[p.laneFor(env)]
	_, err := q.PublishJSON(ctx, env, map[string]string{
		"conversation_id": env.ConversationID,
		"priority":        string(env.Priority),
	})
	return err
}

func (p *Publisher) laneFor(env Envelope) string {
	if env.Priority == model.PriorityMax {
		return p.partitions.MaxLane()
	}
	return p.partitions.For(env.ConversationID)
}

// Queues exposes the underlying per-partition queues for consumers.
func (p *Publisher) Queues() map[string]*Queue {
	return p.queues
}

// Stats aggregates total and pending message counts across all lanes.
func (p *Publisher) Stats() (total, pending int64) {
	for _, q := range p.queues {
		if s, err := q.GetStats(); err == nil {
			total += s.TotalMessages
			pending += s.PendingMessages
		}
	}
	return total, pending
}
