package storage

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"k8s.io/klog/v2"
)

const (
	eventsStream = "meta:events"
	eventsGroup  = "stremio-consumer"
)

// interestingFields are the metadata fields whose changes invalidate
// cached catalog responses. Everything else on the stream is noise to
// this gateway.
var interestingFields = []string{
	"tmdb", "tmdbId", "title", "poster", "backdrop",
	"imdbId", "imdbid", "year", "type", "rating",
	"description", "plot", "genres", "fileType",
}

// EventConsumer tails the meta:events stream the metadata writer
// publishes, using a consumer group for reliable delivery. It filters
// events down to interesting field changes and fans them out to change
// callbacks. The consumer is restartable: it is started on every
// store-ready and stopped on disconnect.
type EventConsumer struct {
	consumerName string

	mu        sync.Mutex
	client    *redis.Client
	callbacks []func(key, eventType string)
	running   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewEventConsumer creates a consumer identified by consumerName within
// the shared group.
func NewEventConsumer(consumerName string) *EventConsumer {
	if consumerName == "" {
		consumerName = "stremio-1"
	}
	return &EventConsumer{consumerName: consumerName}
}

// OnChange registers a callback invoked with the changed key (for
// example "file:abc123/tmdb") and the operation type.
func (e *EventConsumer) OnChange(cb func(key, eventType string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callbacks = append(e.callbacks, cb)
}

// Start begins consuming on the given connection. Creating the group is
// idempotent; an existing group is fine. Starting with a different client
// while running rebinds the loop: the old loop is stopped first so it can
// never keep polling a swapped-out connection.
func (e *EventConsumer) Start(client *redis.Client) {
	e.mu.Lock()
	if e.running {
		if e.client == client {
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
		e.Stop()
		e.mu.Lock()
		if e.running {
			// Lost a race with a concurrent Start.
			e.mu.Unlock()
			return
		}
	}
	e.running = true
	e.client = client
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	ctx := context.Background()
	err := client.XGroupCreateMkStream(ctx, eventsStream, eventsGroup, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		klog.InfoS("Event consumer group creation failed", "group", eventsGroup, "error", err)
	}

	go e.consumeLoop(client, stopCh, doneCh)
	klog.InfoS("Started consuming metadata events", "stream", eventsStream, "consumer", e.consumerName)
}

// Stop halts consumption with a bounded join.
func (e *EventConsumer) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	stopCh, doneCh := e.stopCh, e.doneCh
	e.client = nil
	e.mu.Unlock()

	close(stopCh)
	// The group read blocks for up to 2s, so the loop notices the stop
	// signal within one block plus a little slack.
	select {
	case <-doneCh:
	case <-time.After(2500 * time.Millisecond):
		klog.Warning("Event consumer did not stop in time")
	}
	klog.Info("Stopped consuming metadata events")
}

// Running reports whether the consume loop is active.
func (e *EventConsumer) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *EventConsumer) consumeLoop(client *redis.Client, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ctx := context.Background()

	for {
		select {
		case <-stopCh:
			return
		default:
		}

		entries, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    eventsGroup,
			Consumer: e.consumerName,
			Streams:  []string{eventsStream, ">"},
			Count:    100,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue // block timeout, nothing new
			}
			select {
			case <-stopCh:
				return
			default:
			}
			klog.V(2).InfoS("Error consuming metadata events", "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range entries {
			for _, msg := range stream.Messages {
				e.processEvent(msg)
				if err := client.XAck(ctx, eventsStream, eventsGroup, msg.ID).Err(); err != nil {
					klog.V(2).InfoS("Failed to ack event", "id", msg.ID, "error", err)
				}
			}
		}
	}
}

func (e *EventConsumer) processEvent(msg redis.XMessage) {
	key, _ := msg.Values["key"].(string)
	eventType, _ := msg.Values["type"].(string)
	if key == "" || eventType == "" {
		return
	}
	if !isInterestingField(key) {
		return
	}

	e.mu.Lock()
	callbacks := append([]func(string, string){}, e.callbacks...)
	e.mu.Unlock()

	for _, cb := range callbacks {
		cb(key, eventType)
	}
}

// isInterestingField matches keys of the form file:{hash}/{field}.
func isInterestingField(key string) bool {
	for _, field := range interestingFields {
		if strings.HasSuffix(key, "/"+field) {
			return true
		}
	}
	return false
}
