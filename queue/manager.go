// Package queue hands accepted messages to a fixed pool of forwarding
// workers. It holds messages in memory only; nothing survives a restart and
// failed deliveries are not retried.
package queue

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"smtprelay/delivery"
	"smtprelay/internal/email"
)

var (
	// ErrFull is returned by Enqueue when every slot is taken.
	ErrFull = errors.New("queue full")
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("queue stopped")
)

// Handler forwards one message. *delivery.Forwarder implements it.
type Handler interface {
	Handle(ctx context.Context, msg *email.Message) []delivery.Report
}

// Manager runs messages through a Handler on a bounded set of workers.
type Manager struct {
	handler Handler
	log     *zap.Logger
	jobs    chan *email.Message

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

// NewManager creates a manager holding up to depth waiting messages.
func NewManager(h Handler, depth int, log *zap.Logger) *Manager {
	if depth < 1 {
		depth = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		handler: h,
		log:     log,
		jobs:    make(chan *email.Message, depth),
	}
}

// Start launches workers goroutines. ctx is passed to every Handle call.
func (m *Manager) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for msg := range m.jobs {
				m.process(ctx, msg)
			}
		}()
	}
}

// Enqueue adds a message without blocking.
func (m *Manager) Enqueue(msg *email.Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return ErrStopped
	}
	select {
	case m.jobs <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Depth returns the number of messages waiting for a worker.
func (m *Manager) Depth() int {
	return len(m.jobs)
}

// Stop refuses new messages and waits until the waiting ones are handled.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	close(m.jobs)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) process(ctx context.Context, msg *email.Message) {
	for _, rep := range m.handler.Handle(ctx, msg) {
		if rep.Delivered {
			m.log.Info("forwarded",
				zap.String("rcpt", rep.Recipient),
				zap.String("remote_server", rep.Host),
				zap.Stringer("mode", rep.Mode),
				zap.Int("attempts", len(rep.Attempts)))
			continue
		}
		m.log.Error("forwarding failed",
			zap.String("rcpt", rep.Recipient),
			zap.Int("attempts", len(rep.Attempts)),
			zap.Error(rep.Err))
	}
}
