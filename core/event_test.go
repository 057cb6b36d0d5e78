package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookForRejectsWrongEntityType(t *testing.T) {
	hook := HookFor(func(p *pairEntity) error { return nil })

	err := hook(&tagEntity{})
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.NoError(t, hook(&pairEntity{}))
}

func TestHooksRunInRegistrationOrderAndStopOnError(t *testing.T) {
	meta := pairMeta()
	callLog := []string{}
	meta.RegisterHook(PrePersist, func(entity any) error {
		callLog = append(callLog, "first")
		return nil
	})
	meta.RegisterHook(PrePersist, func(entity any) error {
		callLog = append(callLog, "second")
		return fmt.Errorf("stop here")
	})
	meta.RegisterHook(PrePersist, func(entity any) error {
		callLog = append(callLog, "third")
		return nil
	})

	err := meta.runHooks(PrePersist, &pairEntity{})
	require.Error(t, err)
	assert.Equal(t, []string{"first", "second"}, callLog)
}

func TestEventDispatcherDeliversAsync(t *testing.T) {
	received := make(chan any, 4)
	off := On(EventCommit, func(payload any) {
		// The dispatcher is process-global, so this handler may also see
		// commits emitted elsewhere in the binary; never block on them.
		select {
		case received <- payload:
		default:
		}
	})
	defer off()

	Emit(EventCommit, CommitPayload{InsertCount: 2})

	deadline := time.After(5 * time.Second)
	for {
		select {
		case payload := <-received:
			if commit, ok := payload.(CommitPayload); ok && commit.InsertCount == 2 {
				return
			}
		case <-deadline:
			t.Fatal("commit event was not delivered")
		}
	}
}

func TestEventHandlerDeregistration(t *testing.T) {
	before := handlerCount(EventCommit)

	off := On(EventCommit, func(payload any) {})
	assert.Equal(t, before+1, handlerCount(EventCommit))

	off()
	assert.Equal(t, before, handlerCount(EventCommit))
	off()
	assert.Equal(t, before, handlerCount(EventCommit), "removing twice is harmless")
}

func handlerCount(event Event) int {
	globalDispatcher.mutex.RLock()
	defer globalDispatcher.mutex.RUnlock()
	return len(globalDispatcher.handlerList[event])
}

func TestLoggingMiddlewarePassesThrough(t *testing.T) {
	mw := LoggingMiddleware(zerolog.Nop())
	calls := 0
	handler := mw(func(ctx context.Context, op Operation, payload OperationPayload) error {
		calls++
		return fmt.Errorf("downstream failure")
	})

	err := handler(context.Background(), OperationInsert, OperationPayload{Meta: pairMeta()})
	require.EqualError(t, err, "downstream failure")
	assert.Equal(t, 1, calls)
}

func TestMetricsMiddlewareRegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	mw := MetricsMiddleware(registry)

	handler := mw(func(ctx context.Context, op Operation, payload OperationPayload) error {
		return nil
	})
	require.NoError(t, handler(context.Background(), OperationUpdate, OperationPayload{Meta: pairMeta()}))

	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	names := []string{}
	for _, family := range metricFamilies {
		names = append(names, family.GetName())
	}
	assert.Contains(t, names, "orm_persister_operations_total")
	assert.Contains(t, names, "orm_persister_operation_seconds")
}
