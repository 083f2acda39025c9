package util

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ShutdownResource is one component that needs an orderly stop
type ShutdownResource struct {
	Name     string
	Priority int // lower numbers shut down first
	Shutdown func(context.Context) error
}

// GracefulShutdown stops registered resources in priority order. The
// HTTP server goes first so no new calls arrive while stores and
// publishers drain.
type GracefulShutdown struct {
	mu        sync.Mutex
	resources []ShutdownResource
	logger    *logrus.Logger
	timeout   time.Duration
}

// NewGracefulShutdown creates a shutdown manager with a total timeout
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	gs.resources = append(gs.resources, resource)

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// Shutdown stops every registered resource in priority order and
// reports the first errors encountered
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	sort.SliceStable(resources, func(i, j int) bool {
		return resources[i].Priority < resources[j].Priority
	})

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	var errs []error
	for _, resource := range resources {
		if shutdownCtx.Err() != nil {
			errs = append(errs, fmt.Errorf("shutdown timeout before stopping %s", resource.Name))
			break
		}

		if err := resource.Shutdown(shutdownCtx); err != nil {
			gs.logger.WithError(err).WithField("resource", resource.Name).Error("Error shutting down resource")
			errs = append(errs, fmt.Errorf("shutdown of %s: %w", resource.Name, err))
			continue
		}
		gs.logger.WithField("resource", resource.Name).Debug("Resource shut down")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d resources failed to shut down cleanly: %v", len(errs), errs)
	}

	gs.logger.Info("Graceful shutdown completed")
	return nil
}
