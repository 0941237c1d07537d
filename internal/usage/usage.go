// Package usage emits per-request usage records to an external sink
// through a bounded queue. Emission is best-effort: when the consumer
// falls behind, the oldest pending record is dropped and counted, never
// buffered without bound.
package usage

import (
	"log/slog"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/metrics"
)

// Payload is the normalized post-call record handed to logging sinks.
type Payload struct {
	ModelGroup       string     `json:"model_group"`
	RequestID        string     `json:"request_id"`
	DeploymentID     string     `json:"deployment_id"`
	Provider         string     `json:"provider"`
	ModelID          string     `json:"model_id"`
	PromptTokens     int        `json:"prompt_tokens"`
	CompletionTokens int        `json:"completion_tokens"`
	Cost             *float64   `json:"cost,omitempty"`
	CacheHit         bool       `json:"cache_hit"`
	StartTime        time.Time  `json:"start_time"`
	EndTime          time.Time  `json:"end_time"`
	Error            string     `json:"error,omitempty"`
}

// Latency returns the wall duration of the call.
func (p *Payload) Latency() time.Duration {
	return p.EndTime.Sub(p.StartTime)
}

// Consumer receives usage payloads. Implementations may block; the queue
// absorbs that without back-pressuring request paths.
type Consumer func(Payload)

// Sink is a bounded drop-oldest queue in front of a consumer.
type Sink struct {
	mu      sync.Mutex
	buf     []Payload
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}

	capacity int
	consumer Consumer
	logger   *slog.Logger

	dropped int64
}

// DefaultCapacity bounds pending usage records when the consumer stalls.
const DefaultCapacity = 4096

// NewSink starts a sink draining into consumer. capacity <= 0 uses the
// default. Call Close to flush and stop.
func NewSink(capacity int, consumer Consumer, logger *slog.Logger) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		capacity: capacity,
		consumer: consumer,
		logger:   logger,
	}
	go s.drain()
	return s
}

// Emit enqueues a payload without blocking. When the queue is full the
// oldest pending record is discarded and the drop counted.
func (s *Sink) Emit(p Payload) {
	s.mu.Lock()
	if len(s.buf) >= s.capacity {
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.dropped++
		metrics.UsageEventsDropped.Inc()
	}
	s.buf = append(s.buf, p)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Dropped reports how many records were discarded since startup.
func (s *Sink) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Pending reports the queue depth.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Close stops the drain loop after flushing pending records.
func (s *Sink) Close() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	<-s.stopped
}

func (s *Sink) drain() {
	defer close(s.stopped)
	for {
		select {
		case <-s.notify:
			s.flush()
		case <-s.done:
			s.flush()
			return
		}
	}
}

func (s *Sink) flush() {
	for {
		s.mu.Lock()
		if len(s.buf) == 0 {
			s.mu.Unlock()
			return
		}
		p := s.buf[0]
		copy(s.buf, s.buf[1:])
		s.buf = s.buf[:len(s.buf)-1]
		s.mu.Unlock()

		if s.consumer != nil {
			s.consumer(p)
		}
	}
}
