package service

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
)

// EventSink receives every committed transition, in commit order, while the
// run lock is still held. Publish must return promptly; sinks that talk to
// external systems queue the event and do the I/O on their own goroutine.
type EventSink interface {
	Publish(ctx context.Context, evt models.Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, evt models.Event)

func (f EventSinkFunc) Publish(ctx context.Context, evt models.Event) { f(ctx, evt) }

// allRuns is the subscription key for the firehose.
const allRuns = ""

// EventHub is an in-memory pub/sub keyed by run id. It keeps a small replay
// buffer per run so late subscribers still see the run's recent history.
// Only the most recently created buffers are kept.
type EventHub struct {
	mu        sync.Mutex
	subs      map[string]map[chan models.Event]struct{}
	replay    map[string][]models.Event
	order     *list.List // run ids, oldest buffer first
	orderIdx  map[string]*list.Element
	maxReplay int
	maxRuns   int
}

type HubOption func(*EventHub)

// WithReplayRuns caps how many runs keep a replay buffer.
func WithReplayRuns(n int) HubOption {
	return func(h *EventHub) { h.maxRuns = n }
}

func NewEventHub(opts ...HubOption) *EventHub {
	h := &EventHub{
		subs:      map[string]map[chan models.Event]struct{}{},
		replay:    map[string][]models.Event{},
		order:     list.New(),
		orderIdx:  map[string]*list.Element{},
		maxReplay: 200,
		maxRuns:   1000,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe returns a channel of events for runID, or for every run when
// runID is empty, and a cancel func that closes the channel.
func (h *EventHub) Subscribe(runID string) (<-chan models.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var replay []models.Event
	if runID != allRuns {
		replay = h.replay[runID]
	}
	ch := make(chan models.Event, 64+len(replay))
	for _, evt := range replay {
		ch <- evt
	}
	if _, ok := h.subs[runID]; !ok {
		h.subs[runID] = map[chan models.Event]struct{}{}
	}
	h.subs[runID][ch] = struct{}{}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if m, ok := h.subs[runID]; ok {
				delete(m, ch)
				if len(m) == 0 {
					delete(h.subs, runID)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (h *EventHub) Publish(_ context.Context, evt models.Event) {
	if evt.At.IsZero() {
		evt.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.orderIdx[evt.RunID]; !ok {
		h.orderIdx[evt.RunID] = h.order.PushBack(evt.RunID)
		for h.maxRuns > 0 && h.order.Len() > h.maxRuns {
			h.drop(h.order.Front().Value.(string))
		}
	}
	h.replay[evt.RunID] = append(h.replay[evt.RunID], evt)
	if len(h.replay[evt.RunID]) > h.maxReplay {
		h.replay[evt.RunID] = h.replay[evt.RunID][len(h.replay[evt.RunID])-h.maxReplay:]
	}
	for _, key := range []string{evt.RunID, allRuns} {
		for ch := range h.subs[key] {
			select {
			case ch <- evt:
			default:
				// Drop if subscriber is slow.
			}
		}
	}
}

// Forget drops the replay buffer of a run, e.g. once it is archived.
func (h *EventHub) Forget(runID string) {
	h.mu.Lock()
	h.drop(runID)
	h.mu.Unlock()
}

// drop must be called with h.mu held.
func (h *EventHub) drop(runID string) {
	if el, ok := h.orderIdx[runID]; ok {
		h.order.Remove(el)
		delete(h.orderIdx, runID)
	}
	delete(h.replay, runID)
}
