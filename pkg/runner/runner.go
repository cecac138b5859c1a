// Package runner manages the lifecycle of the daemon's long-running parts:
// projectors, the bus and anything else that starts, serves and drains. It
// starts services in registration order and stops them in reverse.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Service is one managed lifecycle.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start brings the service up and returns once it is ready. It must
	// respect ctx cancellation.
	Start(ctx context.Context) error

	// Stop drains and shuts the service down within the ctx deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is optionally implemented by services that can report
// health.
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}

const (
	defaultStartupTimeout  = time.Minute
	defaultShutdownTimeout = 30 * time.Second
)

// Runner starts a set of services and keeps them up until a shutdown signal
// or context cancellation.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	startupTimeout  time.Duration
	shutdownTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithStartupTimeout bounds each service's Start. Default 1 minute.
func WithStartupTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.startupTimeout = d
		}
	}
}

// WithShutdownTimeout bounds the whole shutdown. Default 30 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.shutdownTimeout = d
		}
	}
}

// New creates a Runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		startupTimeout:  defaultStartupTimeout,
		shutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service in order, then blocks until ctx is cancelled or a
// termination signal arrives, and shuts down in reverse order. A failed start
// stops the services already running before returning the error.
func (r *Runner) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.logger.Info("starting services", "count", len(r.services))

	var started []Service
	for _, service := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := service.Start(startCtx)
		cancel()

		if err != nil {
			r.logger.Error("service failed to start", "service", service.Name(), "error", err)
			r.stopAll(started)
			return fmt.Errorf("start %s: %w", service.Name(), err)
		}

		started = append(started, service)
		r.logger.Info("service started", "service", service.Name())
	}

	<-ctx.Done()
	r.logger.Info("shutting down", "timeout", r.shutdownTimeout)

	return r.stopAll(started)
}

// HealthCheck polls every service that reports health.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		checker, ok := service.(HealthChecker)
		if !ok {
			continue
		}
		if err := checker.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
		}
	}
	return nil
}

// stopAll stops the services concurrently in reverse registration order,
// bounded by the shutdown timeout.
func (r *Runner) stopAll(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))

	for i := len(services) - 1; i >= 0; i-- {
		service := services[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := service.Stop(ctx); err != nil {
				r.logger.Error("service failed to stop", "service", service.Name(), "error", err)
				errCh <- fmt.Errorf("stop %s: %w", service.Name(), err)
				return
			}
			r.logger.Info("service stopped", "service", service.Name())
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timed out after %s", r.shutdownTimeout)
	}
}
