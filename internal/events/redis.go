package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ignatij/campaignflow/pkg/models"
	"github.com/ignatij/campaignflow/pkg/service"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultChannel is the pub/sub channel events are published on.
	DefaultChannel = "campaignflow:events"
	publishTimeout = 2 * time.Second
	lastEventTTL   = 24 * time.Hour
	queueSize      = 1024
)

func lastEventKey(runID string) string { return "campaignflow:run:last:" + runID }

// RedisPublisher forwards committed transitions to a Redis channel and keeps
// the latest event per run under a key, so dashboards can read a run's
// current progress without subscribing. Events are queued and written by a
// single goroutine in commit order; Publish never waits on Redis.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	logger  service.Logger

	queue     chan models.Event
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewRedisPublisher parses url and returns a publisher bound to channel.
func NewRedisPublisher(url, channel string, logger service.Logger) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse redis url")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	p := &RedisPublisher{
		rdb:     redis.NewClient(opts),
		channel: channel,
		logger:  logger,
		queue:   make(chan models.Event, queueSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.loop()
	return p, nil
}

func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Publish implements service.EventSink. The event is dropped with an error
// log when the queue is full or the publisher is closed: the transition is
// already committed.
func (p *RedisPublisher) Publish(_ context.Context, evt models.Event) {
	select {
	case <-p.stop:
		p.logger.Errorf("Dropping event for run %s: redis publisher closed", evt.RunID)
		return
	default:
	}
	select {
	case p.queue <- evt:
	default:
		p.logger.Errorf("Dropping event for run %s: redis queue full", evt.RunID)
	}
}

func (p *RedisPublisher) loop() {
	defer close(p.done)
	for {
		select {
		case evt := <-p.queue:
			p.write(evt)
		case <-p.stop:
			for {
				select {
				case evt := <-p.queue:
					p.write(evt)
				default:
					return
				}
			}
		}
	}
}

func (p *RedisPublisher) write(evt models.Event) {
	body, err := json.Marshal(evt)
	if err != nil {
		p.logger.Errorf("Failed to encode event for run %s: %v", evt.RunID, err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	pipe := p.rdb.TxPipeline()
	pipe.Publish(ctx, p.channel, body)
	pipe.Set(ctx, lastEventKey(evt.RunID), body, lastEventTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Errorf("Failed to publish event for run %s to redis: %v", evt.RunID, err)
	}
}

// LastEvent returns the most recent event published for runID, or nil when
// none is cached.
func (p *RedisPublisher) LastEvent(ctx context.Context, runID string) (*models.Event, error) {
	b, err := p.rdb.Get(ctx, lastEventKey(runID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read last event for run %s", runID)
	}
	var evt models.Event
	if err := json.Unmarshal(b, &evt); err != nil {
		return nil, errors.Wrap(err, "failed to decode cached event")
	}
	return &evt, nil
}

// Close writes out the queued events and closes the client.
func (p *RedisPublisher) Close() error {
	p.closeOnce.Do(func() { close(p.stop) })
	<-p.done
	return p.rdb.Close()
}
