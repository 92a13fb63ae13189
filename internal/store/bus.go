package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/craftroom/relay/internal/events"
)

const presenceChannel = "relay:presence"

// PresenceBus carries presence updates between relay instances over
// Redis pub/sub, so every instance's room members see the same view.
type PresenceBus struct {
	r        *Redis
	instance string
}

type busMessage struct {
	Instance string                        `json:"instance"`
	Update   events.PresenceUpdatePayload `json:"update"`
}

func NewPresenceBus(r *Redis, instance string) *PresenceBus {
	return &PresenceBus{r: r, instance: instance}
}

func (b *PresenceBus) Publish(ctx context.Context, update events.PresenceUpdatePayload) error {
	data, err := json.Marshal(busMessage{Instance: b.instance, Update: update})
	if err != nil {
		return fmt.Errorf("marshal presence update: %w", err)
	}
	if err := b.r.client.Publish(ctx, presenceChannel, data).Err(); err != nil {
		return fmt.Errorf("publish presence update: %w", err)
	}
	return nil
}

// Subscribe applies updates published by other instances until ctx is
// cancelled. Updates from this instance are skipped: the local tracker
// already broadcast them.
func (b *PresenceBus) Subscribe(ctx context.Context, apply func(events.PresenceUpdatePayload)) {
	sub := b.r.client.Subscribe(ctx, presenceChannel)
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var m busMessage
				if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
					log.Printf("Dropping malformed presence bus message: %v", err)
					continue
				}
				if m.Instance == b.instance {
					continue
				}
				apply(m.Update)
			}
		}
	}()
}
