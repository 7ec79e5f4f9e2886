package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Handler cancels a shared context on SIGINT/SIGTERM. Registered cleanups
// run once, most recently added first, when Shutdown is called.
type Handler struct {
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	once       sync.Once
	cleanupFns []func()
	mu         sync.Mutex
}

// New creates a new shutdown handler
func New() *Handler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context returns the shutdown context
func (h *Handler) Context() context.Context {
	return h.ctx
}

// AddCleanup registers a cleanup function to be called on shutdown
func (h *Handler) AddCleanup(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cleanupFns = append(h.cleanupFns, fn)
}

// Listen cancels the context on the first shutdown signal. Work watching
// the context winds down and the caller then runs Shutdown. The returned
// function stops listening.
func (h *Handler) Listen() (stop func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	quit := make(chan struct{})
	go func() {
		select {
		case <-sigChan:
			h.cancel()
		case <-quit:
		}
	}()

	var stopOnce sync.Once
	return func() {
		stopOnce.Do(func() {
			signal.Stop(sigChan)
			close(quit)
		})
	}
}

// Shutdown cancels the context, waits for work registered with Add and
// then runs the cleanups. Later calls are no-ops.
func (h *Handler) Shutdown() {
	h.once.Do(func() {
		h.cancel()
		h.wg.Wait()

		h.mu.Lock()
		fns := h.cleanupFns
		h.mu.Unlock()

		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	})
}

// Wait waits for all work to complete
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Add increments the work counter
func (h *Handler) Add(delta int) {
	h.wg.Add(delta)
}

// Done decrements the work counter
func (h *Handler) Done() {
	h.wg.Done()
}
