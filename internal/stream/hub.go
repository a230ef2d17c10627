package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// Channel is the single broadcast channel every task update goes to.
// There is no per-task topic; subscribers filter on the task id themselves.
const Channel = "task_updates"

// TypeTaskUpdate is the message type of a task record update
const TypeTaskUpdate = "task.update"

// clientBuffer is how many encoded messages a slow client may fall behind by
const clientBuffer = 64

// Message is the envelope published on every task mutation
type Message struct {
	Type    string `json:"type"`
	Message any    `json:"message"`
	// TaskID routes the message for sinks that use per-task topics; it is not serialized
	TaskID int64 `json:"-"`
}

// TaskUpdate wraps a full task record
func TaskUpdate(taskID int64, task any) Message {
	return Message{Type: TypeTaskUpdate, Message: task, TaskID: taskID}
}

// Publisher delivers messages to subscribers
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Client is a subscriber of the Hub
type Client struct {
	ID       string
	Messages chan []byte
	Done     chan struct{}
}

// Hub fans out encoded messages to in-process subscribers, such as websocket connections
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	dropped atomic.Int64
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Subscribe registers a client for all messages
func (h *Hub) Subscribe(clientID string) *Client {
	client := &Client{
		ID:       clientID,
		Messages: make(chan []byte, clientBuffer),
		Done:     make(chan struct{}),
	}

	h.mu.Lock()
	if old, ok := h.clients[clientID]; ok {
		close(old.Done)
	}
	h.clients[clientID] = client
	h.mu.Unlock()
	return client
}

// Unsubscribe removes a client
func (h *Hub) Unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[clientID]; ok {
		close(client.Done)
		delete(h.clients, clientID)
	}
}

// Publish encodes msg and broadcasts it
func (h *Hub) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	h.Broadcast(data)
	return nil
}

// Broadcast sends already encoded data to every client without blocking.
// A client whose buffer is full misses the message.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients {
		select {
		case client.Messages <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// ClientCount returns the number of subscribers
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many deliveries were skipped because a client was full
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Multi publishes to every publisher in turn; one failing does not stop the others
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
