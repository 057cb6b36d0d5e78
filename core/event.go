// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines the two callback mechanisms: per-entity lifecycle hooks,
// whose errors abort the operation that fired them, and the global async
// event dispatcher for observers that only watch.
package core

import (
	"fmt"
	"sync"
)

//region Lifecycle hooks

// HookStage identifies a point in an entity's persistence lifecycle.
//
// Pre-stages run before the corresponding persister call; post-stages run
// after it succeeded. PrePersist fires when the entity transitions into the
// managed state, not at flush time. PreRemove fires when the entity is
// scheduled for removal.
type HookStage string

const (
	// PrePersist is executed once when an entity becomes managed.
	PrePersist HookStage = "pre:persist"
	// PostPersist is executed after the entity's insert was flushed.
	PostPersist HookStage = "post:persist"
	// PreUpdate is executed before a change set is flushed.
	PreUpdate HookStage = "pre:update"
	// PostUpdate is executed after a change set was flushed.
	PostUpdate HookStage = "post:update"
	// PreRemove is executed when an entity is scheduled for removal.
	PreRemove HookStage = "pre:remove"
	// PostRemove is executed after the entity's delete was flushed.
	PostRemove HookStage = "post:remove"
)

// Hook is a lifecycle callback. A non-nil error aborts the surrounding
// operation and, during commit, the whole commit.
type Hook func(entity any) error

// HookFor adapts a typed callback to a Hook. Entities of a different type
// fail instead of being silently skipped, since a hook registered on one
// entity's metadata only ever sees that entity type.
func HookFor[T any](fn func(*T) error) Hook {
	return func(entity any) error {
		typed, ok := entity.(*T)
		if !ok {
			return fmt.Errorf("%w: hook received %T", ErrInvalidArgument, entity)
		}
		return fn(typed)
	}
}

func (meta *EntityMeta) runHooks(stage HookStage, entity any) error {
	for _, hook := range meta.hookList[stage] {
		if err := hook(entity); err != nil {
			return err
		}
	}
	return nil
}

//endregion

//region Event dispatcher

// Event represents an observability event emitted by the unit of work.
//
// Events are fire-and-forget: handlers run on their own goroutines and their
// outcome never influences the operation that emitted them. Use lifecycle
// hooks when failures must propagate.
type Event string

const (
	// EventInsert is emitted after an entity's insert was flushed.
	EventInsert Event = "insert"
	// EventUpdate is emitted after an entity's change set was flushed.
	EventUpdate Event = "update"
	// EventDelete is emitted after an entity's delete was flushed.
	EventDelete Event = "delete"
	// EventCommit is emitted after a commit finished successfully.
	EventCommit Event = "commit"
)

// EventHandler defines the callback signature for event listeners. The
// payload is one of InsertPayload, UpdatePayload, DeletePayload, or
// CommitPayload depending on the event.
type EventHandler func(payload any)

// EventDispatcher manages a list of event handlers and dispatches them
// asynchronously.
type EventDispatcher struct {
	mutex       sync.RWMutex
	nextID      uint64
	handlerList map[Event][]handlerEntry
}

type handlerEntry struct {
	id      uint64
	handler EventHandler
}

var globalDispatcher = &EventDispatcher{
	handlerList: make(map[Event][]handlerEntry),
}

// On registers a handler for the given event. The returned function removes
// the handler again; calling it more than once is harmless.
func On(event Event, handler EventHandler) func() {
	dispatcher := globalDispatcher
	dispatcher.mutex.Lock()
	dispatcher.nextID++
	id := dispatcher.nextID
	dispatcher.handlerList[event] = append(dispatcher.handlerList[event], handlerEntry{id: id, handler: handler})
	dispatcher.mutex.Unlock()

	return func() {
		dispatcher.mutex.Lock()
		defer dispatcher.mutex.Unlock()
		entryList := dispatcher.handlerList[event]
		for i, entry := range entryList {
			if entry.id == id {
				dispatcher.handlerList[event] = append(entryList[:i], entryList[i+1:]...)
				return
			}
		}
	}
}

// Emit dispatches an event to all registered handlers, each on its own
// goroutine.
func Emit(event Event, payload any) {
	globalDispatcher.mutex.RLock()
	defer globalDispatcher.mutex.RUnlock()
	for _, entry := range globalDispatcher.handlerList[event] {
		go entry.handler(payload)
	}
}

// InsertPayload accompanies EventInsert.
type InsertPayload struct {
	Meta   *EntityMeta
	Entity any
}

// UpdatePayload accompanies EventUpdate.
type UpdatePayload struct {
	Meta    *EntityMeta
	Entity  any
	Changes ChangeSet
}

// DeletePayload accompanies EventDelete.
type DeletePayload struct {
	Meta   *EntityMeta
	Entity any
}

// CommitPayload accompanies EventCommit with the write counts of the
// finished commit.
type CommitPayload struct {
	InsertCount int
	UpdateCount int
	DeleteCount int
}

//endregion
