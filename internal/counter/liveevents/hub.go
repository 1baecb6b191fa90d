package liveevents

import (
	"context"
	"errors"
	"strings"
	"sync"

	counterdomain "github.com/smallbiznis/clickrank/internal/counter/domain"
	obsmetrics "github.com/smallbiznis/clickrank/internal/observability/metrics"
)

// TopicLeaderboard receives every committed batch; country codes are topics too.
const TopicLeaderboard = "leaderboard"

const (
	DefaultBufferSize       = 50
	DefaultSubscriberBuffer = 16
)

var (
	ErrHubUnavailable = errors.New("hub_unavailable")
	ErrInvalidTopic   = errors.New("invalid_topic")
)

// Hub fans committed click batches out to live subscribers. Each topic
// keeps a short replay buffer while it has subscribers; slow subscribers
// miss events instead of blocking writers.
type Hub struct {
	mu               sync.RWMutex
	streams          map[string]*stream
	bufferSize       int
	subscriberBuffer int
	metrics          *obsmetrics.Metrics
}

type stream struct {
	mu     sync.Mutex
	buffer []counterdomain.ClickEvent
	subs   map[uint64]chan counterdomain.ClickEvent
	nextID uint64
}

type Subscription struct {
	hub   *Hub
	topic string
	id    uint64
	ch    chan counterdomain.ClickEvent
	once  sync.Once
}

func NewHub(metrics *obsmetrics.Metrics) *Hub {
	return &Hub{
		streams:          make(map[string]*stream),
		bufferSize:       DefaultBufferSize,
		subscriberBuffer: DefaultSubscriberBuffer,
		metrics:          metrics,
	}
}

// Publish delivers event to the leaderboard topic and to its country topic.
func (h *Hub) Publish(ctx context.Context, event counterdomain.ClickEvent) {
	if h == nil {
		return
	}
	h.publish(ctx, TopicLeaderboard, event)
	if code := normalizeTopic(event.CountryCode); code != "" && code != TopicLeaderboard {
		h.publish(ctx, code, event)
	}
}

func (h *Hub) publish(ctx context.Context, topic string, event counterdomain.ClickEvent) {
	h.mu.RLock()
	stream := h.streams[topic]
	h.mu.RUnlock()
	if stream == nil {
		return
	}

	stream.mu.Lock()
	stream.buffer = append(stream.buffer, event)
	if len(stream.buffer) > h.bufferSize {
		stream.buffer = stream.buffer[len(stream.buffer)-h.bufferSize:]
	}
	subs := make([]chan counterdomain.ClickEvent, 0, len(stream.subs))
	for _, ch := range stream.subs {
		subs = append(subs, ch)
	}
	stream.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			h.metrics.RecordLiveEventDropped(ctx)
		}
	}
}

// Subscribe registers on topic and returns the buffered backlog.
func (h *Hub) Subscribe(topic string) (*Subscription, []counterdomain.ClickEvent, error) {
	if h == nil {
		return nil, nil, ErrHubUnavailable
	}
	topic = normalizeTopic(topic)
	if topic == "" {
		return nil, nil, ErrInvalidTopic
	}

	// Registration happens under h.mu so a concurrent unsubscribe of the
	// last subscriber cannot drop the stream between lookup and insert.
	h.mu.Lock()
	current := h.streams[topic]
	if current == nil {
		current = &stream{subs: make(map[uint64]chan counterdomain.ClickEvent)}
		h.streams[topic] = current
	}
	current.mu.Lock()
	id := current.nextID
	current.nextID++
	ch := make(chan counterdomain.ClickEvent, h.subscriberBuffer)
	current.subs[id] = ch
	backlog := append([]counterdomain.ClickEvent(nil), current.buffer...)
	current.mu.Unlock()
	h.mu.Unlock()

	return &Subscription{hub: h, topic: topic, id: id, ch: ch}, backlog, nil
}

func (h *Hub) unsubscribe(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	stream := h.streams[topic]
	if stream == nil {
		return
	}
	stream.mu.Lock()
	delete(stream.subs, id)
	empty := len(stream.subs) == 0
	stream.mu.Unlock()
	if empty {
		delete(h.streams, topic)
	}
}

func (h *Hub) topics() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams)
}

func (s *Subscription) Events() <-chan counterdomain.ClickEvent {
	if s == nil {
		return nil
	}
	return s.ch
}

func (s *Subscription) Topic() string {
	if s == nil {
		return ""
	}
	return s.topic
}

func (s *Subscription) Close() {
	if s == nil || s.hub == nil {
		return
	}
	s.once.Do(func() {
		s.hub.unsubscribe(s.topic, s.id)
	})
}

func normalizeTopic(topic string) string {
	return strings.ToLower(strings.TrimSpace(topic))
}

var _ counterdomain.EventPublisher = (*Hub)(nil)
