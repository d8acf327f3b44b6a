package manager

import (
	"context"
	"errors"
	"sync"
)

// RouterService wraps a Router to implement the lifecycle.Service
// interface, enabling coordinated startup and shutdown with other services.
type RouterService struct {
	router  *Router
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewRouterService creates a service wrapper for the router.
func NewRouterService(router *Router) *RouterService {
	return &RouterService{
		router: router,
		stopCh: make(chan struct{}),
	}
}

// Name returns the service identifier.
func (s *RouterService) Name() string {
	return "message-router"
}

// Router returns the wrapped router.
func (s *RouterService) Router() *Router {
	return s.router
}

// Start begins message processing and blocks until ctx is cancelled.
func (s *RouterService) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	if err := s.router.Start(); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	// Block until context cancelled or Stop called
	select {
	case <-ctx.Done():
	case <-s.stopCh:
	}

	return nil
}

// Stop gracefully stops message processing.
func (s *RouterService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.router.Stop()
	s.running = false

	// Signal Start to return
	select {
	case <-s.stopCh:
		// Already closed
	default:
		close(s.stopCh)
	}

	return nil
}

// Health returns nil if the router is running.
func (s *RouterService) Health() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("router not running")
	}
	return nil
}

// Pause stops the broker consumers but leaves the pools running so
// in-flight work drains normally. Used by the standby service on demotion.
func (s *RouterService) Pause() {
	s.router.StopConsumers()
}

// Resume restarts the broker consumers. Used by the standby service on
// promotion.
func (s *RouterService) Resume() {
	s.router.StartConsumers()
}
