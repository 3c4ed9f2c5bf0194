package jobs

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"forgeyard/internal/bus"
)

var brokerTracer = otel.Tracer("forgeyard/internal/jobs/broker")

// jobStream is the Broker's per-job bookkeeping: the current write
// offset and a broadcast channel subscribers wait on for new data.
type jobStream struct {
	mu       sync.Mutex
	offset   int64
	terminal bool
	wake     chan struct{}
}

func newJobStream() *jobStream {
	return &jobStream{wake: make(chan struct{})}
}

// snapshot returns the stream's current offset/terminal flag and the
// wake channel to select on for the next change.
func (s *jobStream) snapshot() (offset int64, terminal bool, wake chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset, s.terminal, s.wake
}

func (s *jobStream) advance(offset int64) {
	s.mu.Lock()
	if offset > s.offset {
		s.offset = offset
	}
	old := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

func (s *jobStream) markTerminal() {
	s.mu.Lock()
	s.terminal = true
	old := s.wake
	s.wake = make(chan struct{})
	s.mu.Unlock()
	close(old)
}

// Subscription is an iterator over one job's output bytes: replay from
// the beginning, then live-tail until the job reaches a terminal status.
type Subscription struct {
	Events chan []byte
	cancel context.CancelFunc
}

// Close stops delivering further events to this subscription. It does
// not affect the job, the broker, or any other subscriber.
func (s *Subscription) Close() {
	s.cancel()
}

// Broker multiplexes each running job's append-only output log to any
// number of independently progressing subscribers.
type Broker struct {
	store *Store
	bus   *bus.Bus

	mu      sync.Mutex
	streams map[string]*jobStream
}

// NewBroker constructs a Broker reading bytes from store. notifyBus may
// be nil: when present, every new chunk of output is additionally
// published on "jobs.<id>.output" for out-of-process subscribers,
// alongside the broker's own in-process fan-out.
func NewBroker(store *Store, notifyBus *bus.Bus) *Broker {
	return &Broker{
		store:   store,
		bus:     notifyBus,
		streams: make(map[string]*jobStream),
	}
}

func (b *Broker) streamFor(jobID string) *jobStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.streams[jobID]
	if !ok {
		s = newJobStream()
		b.streams[jobID] = s
	}
	return s
}

// Notify informs the broker that a job's output log has grown to
// newOffset bytes, waking every subscriber blocked waiting for data.
func (b *Broker) Notify(ctx context.Context, jobID string, newOffset int64) {
	_, span := brokerTracer.Start(ctx, "broker.notify", trace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int64("broker.offset", newOffset),
	))
	defer span.End()

	stream := b.streamFor(jobID)
	prevOffset, _, _ := stream.snapshot()
	stream.advance(newOffset)

	if b.bus != nil && newOffset > prevOffset {
		if chunk, err := b.store.readOutputFrom(jobID, prevOffset); err == nil && len(chunk) > 0 {
			_ = b.bus.Publish(fmt.Sprintf("jobs.%s.output", jobID), chunk)
		}
	}
}

// MarkTerminal signals that a job has reached a terminal status: every
// subscriber delivers its final flush and then closes.
func (b *Broker) MarkTerminal(ctx context.Context, jobID string) {
	_, span := brokerTracer.Start(ctx, "broker.mark_terminal", trace.WithAttributes(
		attribute.String("job.id", jobID),
	))
	defer span.End()
	b.streamFor(jobID).markTerminal()
}

// Forget drops the broker's bookkeeping for a job once it has been
// destroyed and no further subscribers are expected.
func (b *Broker) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.streams, jobID)
}

// Subscribe returns a Subscription that first yields all bytes already
// written for jobID, then subsequent appends as they occur, and closes
// its Events channel once the job is terminal and fully flushed.
func (b *Broker) Subscribe(ctx context.Context, jobID string) *Subscription {
	ctx, span := brokerTracer.Start(ctx, "broker.subscribe", trace.WithAttributes(
		attribute.String("job.id", jobID),
	))
	defer span.End()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		Events: make(chan []byte, 16),
		cancel: cancel,
	}

	stream := b.streamFor(jobID)
	go b.pump(subCtx, jobID, stream, sub)
	return sub
}

func (b *Broker) pump(ctx context.Context, jobID string, stream *jobStream, sub *Subscription) {
	defer close(sub.Events)

	var pos int64
	for {
		offset, terminal, wake := stream.snapshot()

		if pos < offset {
			data, err := b.store.readOutputFrom(jobID, pos)
			if err == nil && len(data) > 0 {
				select {
				case sub.Events <- data:
					pos += int64(len(data))
				case <-ctx.Done():
					return
				}
				continue
			}
			pos = offset
		}

		if terminal && pos >= offset {
			return
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return
		}
	}
}
