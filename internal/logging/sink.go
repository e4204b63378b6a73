package logging

import (
	"errors"
	"sync"

	"go.uber.org/zap/zapcore"
)

// ErrSinkClosed is returned by Write after Close.
var ErrSinkClosed = errors.New("log sink closed")

// Sink is an append-only log queue drained by a single background consumer.
// Write never waits on the underlying output; the consumer blocks only while
// the queue is empty.
type Sink struct {
	out zapcore.WriteSyncer

	mu       sync.Mutex
	cond     *sync.Cond
	queue    [][]byte
	inFlight bool
	closed   bool
	done     chan struct{}
	writeErr error
}

// NewSink starts the consumer goroutine writing to out.
func NewSink(out zapcore.WriteSyncer) *Sink {
	s := &Sink{out: out, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

// Write enqueues a copy of p. zap reuses its buffers, so the bytes are copied.
func (s *Sink) Write(p []byte) (int, error) {
	entry := make([]byte, len(p))
	copy(entry, p)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrSinkClosed
	}
	s.queue = append(s.queue, entry)
	s.cond.Broadcast()
	return len(p), nil
}

// Sync waits until every queued entry has been written, then syncs the output.
func (s *Sink) Sync() error {
	s.mu.Lock()
	for len(s.queue) > 0 || s.inFlight {
		s.cond.Wait()
	}
	err := s.writeErr
	s.writeErr = nil
	s.mu.Unlock()

	if syncErr := s.out.Sync(); syncErr != nil && err == nil {
		err = syncErr
	}
	return err
}

// Close flushes the queue and stops the consumer. Later writes fail.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	<-s.done
	return s.out.Sync()
}

func (s *Sink) drain() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		batch := s.queue
		s.queue = nil
		s.inFlight = true
		s.mu.Unlock()

		var firstErr error
		for _, entry := range batch {
			if _, err := s.out.Write(entry); err != nil && firstErr == nil {
				firstErr = err
			}
		}

		s.mu.Lock()
		s.inFlight = false
		if firstErr != nil && s.writeErr == nil {
			s.writeErr = firstErr
		}
		s.cond.Broadcast()
		s.mu.Unlock()
	}
}
