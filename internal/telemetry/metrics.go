// Package telemetry provides injected metrics sinks for indexing and
// retrieval counters. The core holds no process-wide mutable state:
// callers wire a Sink, tests wire a RecordingSink.
package telemetry

import "sync"

// Sink receives per-handler indexing counters and retrieval events.
type Sink interface {
	// ItemsProcessed records n items successfully embedded and upserted
	// by the named handler.
	ItemsProcessed(handler string, n int)

	// ItemsFailed records n items that failed during a pass.
	ItemsFailed(handler string, n int)

	// BackoffEvent records a rate-limit pause for the named handler.
	BackoffEvent(handler string)

	// RetrievalServed records one completed Retrieve call with the number
	// of fused hits returned.
	RetrievalServed(hits int)
}

// NoopSink discards all metrics.
type NoopSink struct{}

func (NoopSink) ItemsProcessed(string, int) {}
func (NoopSink) ItemsFailed(string, int)    {}
func (NoopSink) BackoffEvent(string)        {}
func (NoopSink) RetrievalServed(int)        {}

var _ Sink = NoopSink{}

// HandlerCounters is a snapshot of one handler's counters.
type HandlerCounters struct {
	Processed int
	Failed    int
	Backoffs  int
}

// RecordingSink accumulates counters in memory. Safe for concurrent use.
type RecordingSink struct {
	mu         sync.Mutex
	handlers   map[string]*HandlerCounters
	retrievals int
	totalHits  int
}

// NewRecordingSink creates an empty recording sink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{handlers: make(map[string]*HandlerCounters)}
}

func (s *RecordingSink) counters(handler string) *HandlerCounters {
	c, ok := s.handlers[handler]
	if !ok {
		c = &HandlerCounters{}
		s.handlers[handler] = c
	}
	return c
}

// ItemsProcessed implements Sink.
func (s *RecordingSink) ItemsProcessed(handler string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(handler).Processed += n
}

// ItemsFailed implements Sink.
func (s *RecordingSink) ItemsFailed(handler string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(handler).Failed += n
}

// BackoffEvent implements Sink.
func (s *RecordingSink) BackoffEvent(handler string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(handler).Backoffs++
}

// RetrievalServed implements Sink.
func (s *RecordingSink) RetrievalServed(hits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retrievals++
	s.totalHits += hits
}

// Handler returns a snapshot of the named handler's counters.
func (s *RecordingSink) Handler(handler string) HandlerCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.handlers[handler]; ok {
		return *c
	}
	return HandlerCounters{}
}

// Retrievals returns the number of Retrieve calls served and total hits.
func (s *RecordingSink) Retrievals() (count, hits int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retrievals, s.totalHits
}

var _ Sink = (*RecordingSink)(nil)
