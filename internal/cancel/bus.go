package cancel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Request asks whoever runs TaskID to stop.
// JobID lets the worker pool terminate the job if the run does not stop on its own.
type Request struct {
	TaskID int64  `json:"task_id"`
	JobID  string `json:"job_id,omitempty"`
}

// Bus delivers cancellation requests to every subscriber.
type Bus interface {
	Publish(ctx context.Context, req Request) error
	// Subscribe calls fn for each request until ctx is done.
	// It returns once the subscription is active.
	Subscribe(ctx context.Context, fn func(Request)) error
}

// LocalBus delivers requests within one process.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Request)
}

// NewLocalBus creates an in-process bus
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]func(Request))}
}

// Publish calls every subscriber synchronously
func (b *LocalBus) Publish(ctx context.Context, req Request) error {
	b.mu.RLock()
	fns := make([]func(Request), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(req)
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, fn func(Request)) error {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}()
	return nil
}

// RedisBus delivers requests across processes over Redis pub/sub.
type RedisBus struct {
	client  *redis.Client
	channel string
}

// NewRedisBus publishes on <prefix>:control
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	return &RedisBus{client: client, channel: prefix + ":control"}
}

func (b *RedisBus) Publish(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal cancel request: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish cancel request: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, fn func(Request)) error {
	ps := b.client.Subscribe(ctx, b.channel)
	// wait for the subscription confirmation so no request published after we return is missed
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var req Request
				if err := json.Unmarshal([]byte(msg.Payload), &req); err != nil {
					continue
				}
				fn(req)
			}
		}
	}()
	return nil
}
