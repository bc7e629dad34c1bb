package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/haatos/pushdeploy/internal/store"
	"github.com/redis/go-redis/v9"
)

// StatusEvent is the fan-out payload published on every pipeline status
// change. Subscribers see the same shape over SSE and websocket.
type StatusEvent struct {
	ConfigID  int64           `json:"config_id"`
	RunID     int64           `json:"pipeline_id"`
	Status    store.RunStatus `json:"status"`
	CommitSHA string          `json:"commit_sha"`
	Timestamp string          `json:"timestamp"`
}

func UserChannel(userID int64) string {
	return fmt.Sprintf("user-notifications-%d", userID)
}

func ConfigChannel(configID int64) string {
	return fmt.Sprintf("config-notifications-%d", configID)
}

type Notifier interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
	SubscribeUser(ctx context.Context, userID int64) (<-chan StatusEvent, func(), error)
	SubscribeConfig(ctx context.Context, configID int64) (<-chan StatusEvent, func(), error)
}

// RedisNotifier bridges pipeline status changes onto redis pub/sub so
// every process serving SSE or websocket clients sees them, not just the
// one that ran the pipeline.
type RedisNotifier struct {
	client      *redis.Client
	configStore store.ConfigStore
}

func NewRedisNotifier(client *redis.Client, configStore store.ConfigStore) *RedisNotifier {
	return &RedisNotifier{client: client, configStore: configStore}
}

func (n *RedisNotifier) PublishStatus(ctx context.Context, ev StatusEvent) error {
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	if err := n.client.Publish(ctx, ConfigChannel(ev.ConfigID), b).Err(); err != nil {
		return err
	}

	users, err := n.configStore.ListConfigUsers(ctx, ev.ConfigID)
	if err != nil {
		return err
	}
	for _, u := range users {
		if err := n.client.Publish(ctx, UserChannel(u.UserID), b).Err(); err != nil {
			log.Printf("err publishing status to %s: %+v\n", UserChannel(u.UserID), err)
		}
	}
	return nil
}

func (n *RedisNotifier) SubscribeUser(
	ctx context.Context, userID int64,
) (<-chan StatusEvent, func(), error) {
	return n.subscribe(ctx, UserChannel(userID))
}

func (n *RedisNotifier) SubscribeConfig(
	ctx context.Context, configID int64,
) (<-chan StatusEvent, func(), error) {
	return n.subscribe(ctx, ConfigChannel(configID))
}

func (n *RedisNotifier) subscribe(
	ctx context.Context, channel string,
) (<-chan StatusEvent, func(), error) {
	sub := n.client.Subscribe(ctx, channel)
	// force the subscription onto the wire before returning
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan StatusEvent)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			var ev StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("err unmarshaling status event: %+v\n", err)
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}
