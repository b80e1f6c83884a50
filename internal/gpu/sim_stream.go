package gpu

import (
	"sync"
	"time"

	"github.com/23skdu/bpmstage/internal/metrics"
)

// simStream executes queued operations in order on its own goroutine.
type simStream struct {
	ops     chan func() error
	pending sync.WaitGroup
	done    chan struct{}
	latency time.Duration
	device  string

	mu       sync.Mutex
	err      error
	injected error
}

func newSimStream(depth int, latency time.Duration, device string) *simStream {
	s := &simStream{
		ops:     make(chan func() error, depth),
		done:    make(chan struct{}),
		latency: latency,
		device:  device,
	}
	go s.loop()
	return s
}

func (s *simStream) loop() {
	defer close(s.done)
	for op := range s.ops {
		s.run(op)
		s.pending.Done()
	}
}

func (s *simStream) run(op func() error) {
	s.mu.Lock()
	failed := s.err != nil
	injected := s.injected
	s.injected = nil
	s.mu.Unlock()

	// A failed stream skips the rest of its queue.
	if failed {
		metrics.DeviceOpsTotal.WithLabelValues(s.device, "skipped").Inc()
		return
	}
	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	err := injected
	if err == nil {
		err = op()
	}
	if err != nil {
		metrics.DeviceOpsTotal.WithLabelValues(s.device, "failed").Inc()
		s.mu.Lock()
		if s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		return
	}
	metrics.DeviceOpsTotal.WithLabelValues(s.device, "ok").Inc()
}

func (s *simStream) enqueue(op func() error) {
	s.pending.Add(1)
	s.ops <- op
}

func (s *simStream) failNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injected == nil {
		s.injected = err
	}
}

func (s *simStream) synchronize() error {
	s.pending.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *simStream) close() {
	s.pending.Wait()
	close(s.ops)
	<-s.done
}
