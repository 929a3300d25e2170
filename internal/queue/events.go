package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/adverant/nexus/visual-triage-worker/internal/errors"
	"github.com/adverant/nexus/visual-triage-worker/internal/processor"
)

const (
	publishTimeout     = 2 * time.Second
	defaultEventBuffer = 1024
)

// Publisher is the slice of the Redis client used for event streaming
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

type event struct {
	name   string
	jobID  string
	fields map[string]interface{}
}

// EventPublisher streams triage events to <queue>:events from a single
// background goroutine. Callers only enqueue; when the buffer is full the
// event is dropped and counted, so a slow Redis never stalls triage workers.
type EventPublisher struct {
	publisher Publisher
	channel   string
	events    chan event
	dropped   atomic.Int64
	done      chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewEventPublisher starts the publishing loop. buffer <= 0 uses the default.
func NewEventPublisher(publisher Publisher, queueName string, buffer int) *EventPublisher {
	if buffer <= 0 {
		buffer = defaultEventBuffer
	}
	p := &EventPublisher{
		publisher: publisher,
		channel:   eventChannel(queueName),
		events:    make(chan event, buffer),
		done:      make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *EventPublisher) loop() {
	defer close(p.done)
	for ev := range p.events {
		p.send(ev)
	}
}

func (p *EventPublisher) send(ev event) {
	msg := map[string]interface{}{
		"event":     ev.name,
		"jobId":     ev.jobID,
		"timestamp": time.Now().Format(time.RFC3339),
	}
	for k, v := range ev.fields {
		msg[k] = v
	}

	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[Job %s] WARNING: failed to encode %s event: %v", ev.jobID, ev.name, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.publisher.Publish(ctx, p.channel, data).Err(); err != nil {
		log.Printf("[Job %s] WARNING: failed to publish %s event: %v", ev.jobID, ev.name, err)
	}
}

// Emit queues an event without blocking. Emit after Close, or on a nil
// publisher, is a no-op.
func (p *EventPublisher) Emit(name, jobID string, fields map[string]interface{}) {
	if p == nil {
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	select {
	case p.events <- event{name: name, jobID: jobID, fields: fields}:
	default:
		if n := p.dropped.Add(1); n == 1 || n%100 == 0 {
			log.Printf("[Job %s] WARNING: event buffer full, dropped %d events so far", jobID, n)
		}
	}
}

// EmitJob announces a job lifecycle change as job:<status>
func (p *EventPublisher) EmitJob(jobID, status string, fields map[string]interface{}) {
	p.Emit("job:"+status, jobID, fields)
}

// Dropped returns how many events were discarded because the buffer was full
func (p *EventPublisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close stops accepting events and waits until the queued ones are sent
// or ctx is done
func (p *EventPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ObserverFactory adapts the publisher to ProcessorConfig.JobObserver
func (p *EventPublisher) ObserverFactory() func(jobID string) processor.Observer {
	return func(jobID string) processor.Observer {
		return NewRedisEventObserver(p, jobID)
	}
}

// RedisEventObserver reports the per-image triage events of one job
type RedisEventObserver struct {
	events *EventPublisher
	jobID  string
}

// NewRedisEventObserver creates an observer for jobID
func NewRedisEventObserver(events *EventPublisher, jobID string) *RedisEventObserver {
	return &RedisEventObserver{events: events, jobID: jobID}
}

func (o *RedisEventObserver) OnDecision(img *processor.ImageRecord, kept bool, reason string) {
	name := "image:discarded"
	if kept {
		name = "image:kept"
	}
	o.emit(name, img, map[string]interface{}{"reason": reason})
}

func (o *RedisEventObserver) OnCompositeDetected(img *processor.ImageRecord, confidence float64) {
	o.emit("image:composite", img, map[string]interface{}{"confidence": confidence})
}

func (o *RedisEventObserver) OnAnomaly(img *processor.ImageRecord, err error) {
	fields := map[string]interface{}{"error": err.Error()}
	var te *errors.TriageError
	if stderrors.As(err, &te) {
		fields["code"] = string(te.Code)
	}
	o.emit("image:anomaly", img, fields)
}

func (o *RedisEventObserver) emit(name string, img *processor.ImageRecord, fields map[string]interface{}) {
	if img != nil {
		fields["filename"] = img.Filename
		fields["page"] = img.Page
	}
	o.events.Emit(name, o.jobID, fields)
}

func eventChannel(queueName string) string {
	return queueName + ":events"
}
