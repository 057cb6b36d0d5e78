// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines the middleware system, which allows cross-cutting concerns
// (logging, metrics, auditing) to be applied to every persister call a commit
// issues.
package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Operation represents the type of persister call being executed.
//
// It is used within middlewares to distinguish between inserts, updates,
// deletes, and lock acquisitions.
type Operation string

const (
	// OperationInsert corresponds to an insert flush.
	OperationInsert Operation = "insert"
	// OperationUpdate corresponds to an update flush.
	OperationUpdate Operation = "update"
	// OperationDelete corresponds to a delete flush.
	OperationDelete Operation = "delete"
	// OperationLock corresponds to a lock acquisition.
	OperationLock Operation = "lock"
)

// OperationPayload carries the subject of a persister call through the
// middleware chain.
type OperationPayload struct {
	Meta    *EntityMeta
	Entity  any
	Changes ChangeSet // nil except for updates
}

// Handler is the function signature executed by the persistence pipeline.
//
// It receives a context, the operation type, and the operation payload.
// Handlers are composed by middlewares to add cross-cutting logic.
type Handler func(ctx context.Context, op Operation, payload OperationPayload) error

// Middleware is a function that wraps a Handler with additional logic.
//
// Middlewares are chained globally and executed for every persister call.
// They follow the decorator pattern.
type Middleware func(next Handler) Handler

var globalMiddlewareList []Middleware

// Use registers a new global middleware, applied to all persister calls.
//
// Middlewares are executed in reverse registration order: the most
// recently registered middleware is executed first.
func Use(mw Middleware) {
	globalMiddlewareList = append(globalMiddlewareList, mw)
}

// runMiddlewares applies the chain of middlewares to the final handler.
func runMiddlewares(final Handler) Handler {
	h := final
	// Apply in reverse order (last registered runs first).
	for i := len(globalMiddlewareList) - 1; i >= 0; i-- {
		h = globalMiddlewareList[i](h)
	}
	return h
}

// dispatchOperation executes a persister call through the global middleware
// chain.
//
// The exec function contains the actual persister invocation and is wrapped
// by the registered middlewares.
func dispatchOperation(ctx context.Context, op Operation, payload OperationPayload, exec func() error) error {
	handler := runMiddlewares(func(ctx context.Context, op Operation, payload OperationPayload) error {
		return exec()
	})
	return handler(ctx, op, payload)
}

// LoggingMiddleware logs every persister call with its entity type, outcome,
// and duration.
//
// Example:
//
//	core.Use(core.LoggingMiddleware(log.Logger))
func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, op Operation, payload OperationPayload) error {
			start := time.Now()
			err := next(ctx, op, payload)
			event := logger.Debug()
			if err != nil {
				event = logger.Error().Err(err)
			}
			event.
				Str("op", string(op)).
				Str("entity", payload.Meta.Name).
				Dur("took", time.Since(start)).
				Msg("persister call")
			return err
		}
	}
}

// MetricsMiddleware counts persister calls and observes their durations,
// labeled by operation and entity type. The collectors are registered on the
// given registerer.
//
// Example:
//
//	core.Use(core.MetricsMiddleware(prometheus.DefaultRegisterer))
func MetricsMiddleware(registerer prometheus.Registerer) Middleware {
	operationCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orm_persister_operations_total",
		Help: "Persister calls issued by commits, by operation and entity.",
	}, []string{"operation", "entity", "status"})
	operationDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orm_persister_operation_seconds",
		Help:    "Duration of persister calls, by operation and entity.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "entity"})
	registerer.MustRegister(operationCounter, operationDuration)

	return func(next Handler) Handler {
		return func(ctx context.Context, op Operation, payload OperationPayload) error {
			start := time.Now()
			err := next(ctx, op, payload)
			status := "ok"
			if err != nil {
				status = "error"
			}
			operationCounter.WithLabelValues(string(op), payload.Meta.Name, status).Inc()
			operationDuration.WithLabelValues(string(op), payload.Meta.Name).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
