// Package ipc provides synchronous request/response transports for the
// TNR control channel. A request is one command code plus one segment
// handle; the reply is success or failure.
package ipc

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/Nativu5/gpu-tnr-client/pkg/metrics"
	"github.com/Nativu5/gpu-tnr-client/pkg/types"
)

var (
	// ErrRejected is returned when the remote side answers a request
	// with failure.
	ErrRejected = errors.New("request rejected by remote")
	// ErrClosed is returned when the channel has been shut down.
	ErrClosed = errors.New("transport closed")
)

// Handler is the remote end of the channel.
type Handler interface {
	Handle(cmd types.Command, h types.Handle) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(cmd types.Command, h types.Handle) error

// Handle calls f(cmd, h).
func (f HandlerFunc) Handle(cmd types.Command, h types.Handle) error { return f(cmd, h) }

// ───────────────────────────────────────────
//  Loopback
// ───────────────────────────────────────────

// Loopback delivers requests to an in-process Handler, one at a time.
type Loopback struct {
	mu      sync.Mutex
	handler Handler
	closed  bool
}

// NewLoopback returns a transport that dispatches to handler.
func NewLoopback(handler Handler) *Loopback {
	return &Loopback{handler: handler}
}

// Send blocks until the handler returns. Any handler error is reported
// as ErrRejected.
func (l *Loopback) Send(cmd types.Command, h types.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return fmt.Errorf("%s: %w", cmd, ErrClosed)
	}
	if err := l.handler.Handle(cmd, h); err != nil {
		return fmt.Errorf("%s handle %d: %w: %v", cmd, h, ErrRejected, err)
	}
	return nil
}

// Close shuts the channel down; later Sends fail with ErrClosed.
func (l *Loopback) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// ───────────────────────────────────────────
//  Instrumented
// ───────────────────────────────────────────

// Instrumented wraps a transport, counting and logging every request.
type Instrumented struct {
	next    types.Transport
	metrics *metrics.Collector
}

// Instrument wraps next. A nil collector disables counting.
func Instrument(next types.Transport, m *metrics.Collector) *Instrumented {
	return &Instrumented{next: next, metrics: m}
}

// Send forwards to the wrapped transport.
func (i *Instrumented) Send(cmd types.Command, h types.Handle) error {
	err := i.next.Send(cmd, h)
	i.metrics.RequestSent(cmd, err)
	if err != nil {
		log.WithFields(log.Fields{"cmd": cmd.String(), "handle": h}).Debugf("request failed: %v", err)
		return err
	}
	log.WithFields(log.Fields{"cmd": cmd.String(), "handle": h}).Trace("request done")
	return nil
}
