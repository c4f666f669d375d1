// Package signals provides OS signal utilities for graceful shutdown and
// emergency teardown. This is a leaf package: stdlib only, no internal
// imports, no logging.
package signals

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// InterruptedExitCode is the conventional status for a process stopped by a
// termination request.
const InterruptedExitCode = 130

// SetupSignalContext creates a context that's canceled on SIGINT/SIGTERM.
func SetupSignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// TerminationHandler runs a callback at most once when SIGINT or SIGTERM
// arrives. The callback may run at any point of the main flow, so it must
// only touch state that is safe for concurrent use.
type TerminationHandler struct {
	sigChan  chan os.Signal
	onSignal func(os.Signal)
	done     chan struct{}
	fired    sync.Once
	stopOnce sync.Once
}

// NewTerminationHandler creates a handler that invokes onSignal on the first
// termination signal.
func NewTerminationHandler(onSignal func(os.Signal)) *TerminationHandler {
	return &TerminationHandler{
		sigChan:  make(chan os.Signal, 1),
		onSignal: onSignal,
		done:     make(chan struct{}),
	}
}

// Start begins listening for termination signals.
func (h *TerminationHandler) Start() {
	signal.Notify(h.sigChan, syscall.SIGINT, syscall.SIGTERM)

	go h.handle()
}

// Stop stops listening. Safe to call multiple times.
func (h *TerminationHandler) Stop() {
	h.stopOnce.Do(func() {
		signal.Stop(h.sigChan)
		close(h.done)
	})
}

func (h *TerminationHandler) handle() {
	select {
	case <-h.done:
	case sig := <-h.sigChan:
		h.Trigger(sig)
	}
}

// Trigger runs the callback as if sig had been delivered. Later calls are
// no-ops.
func (h *TerminationHandler) Trigger(sig os.Signal) {
	if h.onSignal == nil {
		return
	}
	h.fired.Do(func() { h.onSignal(sig) })
}
