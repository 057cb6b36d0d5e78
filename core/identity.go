// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines the handle arena and the identity map: the per-session
// registry guaranteeing at most one live object per persisted identity.
package core

import (
	"fmt"
	"strings"
)

// handle is a stable per-session key for one tracked object. Handles are
// allocated monotonically and never reused within a session, so a handle seen
// twice always refers to the same object, even after the object itself has
// been released.
type handle uint64

// entityArena assigns handles to tracked objects and resolves them in both
// directions. Objects are keyed by reference identity (the entity pointer),
// never by value equality.
type entityArena struct {
	nextHandle     handle
	handleByEntity map[any]handle
	entityByHandle map[handle]any
}

func newEntityArena() *entityArena {
	return &entityArena{
		nextHandle:     1,
		handleByEntity: make(map[any]handle),
		entityByHandle: make(map[handle]any),
	}
}

// obtain returns the handle already assigned to the entity, or assigns the
// next one.
func (arena *entityArena) obtain(entity any) handle {
	if h, ok := arena.handleByEntity[entity]; ok {
		return h
	}
	h := arena.nextHandle
	arena.nextHandle++
	arena.handleByEntity[entity] = h
	arena.entityByHandle[h] = entity
	return h
}

func (arena *entityArena) lookup(entity any) (handle, bool) {
	h, ok := arena.handleByEntity[entity]
	return h, ok
}

func (arena *entityArena) entity(h handle) any {
	return arena.entityByHandle[h]
}

// release forgets the entity on both sides. The handle itself is retired, not
// recycled.
func (arena *entityArena) release(h handle) {
	if entity, ok := arena.entityByHandle[h]; ok {
		delete(arena.handleByEntity, entity)
		delete(arena.entityByHandle, h)
	}
}

// reset drops every mapping but keeps the handle counter running, so handles
// from before a Clear can never collide with handles assigned after it.
func (arena *entityArena) reset() {
	arena.handleByEntity = make(map[any]handle)
	arena.entityByHandle = make(map[handle]any)
}

// idHashSeparator joins the formatted components of a composite identifier.
const idHashSeparator = " "

// IdentifierHash builds the identity-map key for an entity from its current
// identifier field values. Every component must be set: a nil component fails
// with an InvalidIdentifierError. An empty string is a legal component; only
// nil (an unset pointer field) is rejected.
func IdentifierHash(meta *EntityMeta, entity any) (string, error) {
	partList := make([]string, 0, len(meta.IDFieldList))
	for _, fieldName := range meta.IDFieldList {
		value := fieldValue(entity, fieldName)
		if value == nil {
			return "", &InvalidIdentifierError{Entity: meta.Name, Field: fieldName}
		}
		partList = append(partList, fmt.Sprintf("%v", value))
	}
	return strings.Join(partList, idHashSeparator), nil
}

// IdentifierOf collects the ordered identifier values of an entity. It fails
// with an InvalidIdentifierError when any component is unset.
func IdentifierOf(meta *EntityMeta, entity any) (Identifier, error) {
	id := make(Identifier, 0, len(meta.IDFieldList))
	for _, fieldName := range meta.IDFieldList {
		value := fieldValue(entity, fieldName)
		if value == nil {
			return nil, &InvalidIdentifierError{Entity: meta.Name, Field: fieldName}
		}
		id = append(id, value)
	}
	return id, nil
}

// hasAssignedIdentifier reports whether every identifier component is set and,
// for store-generated identifiers, non-zero.
func hasAssignedIdentifier(meta *EntityMeta, entity any) bool {
	for _, fieldName := range meta.IDFieldList {
		value := fieldValue(entity, fieldName)
		if value == nil {
			return false
		}
		if meta.Strategy == IDGenerated && isZeroValue(value) {
			return false
		}
	}
	return true
}

// identityMap maps (entity type, identifier hash) to the single live tracked
// object holding that identity. It is mutated only by the owning Session.
type identityMap struct {
	slotList map[string]map[string]handle // entity name → id hash → handle
	keyList  map[handle]slotKey           // reverse index for eviction
}

type slotKey struct {
	entityName string
	idHash     string
}

func newIdentityMap() *identityMap {
	return &identityMap{
		slotList: make(map[string]map[string]handle),
		keyList:  make(map[handle]slotKey),
	}
}

// register claims the (entityName, idHash) slot for the given handle. A slot
// already held by a different handle fails with a DuplicateIdentityError;
// re-registering the same handle is a no-op.
func (m *identityMap) register(entityName, idHash string, h handle) error {
	slots, ok := m.slotList[entityName]
	if !ok {
		slots = make(map[string]handle)
		m.slotList[entityName] = slots
	}
	if existing, occupied := slots[idHash]; occupied {
		if existing == h {
			return nil
		}
		return &DuplicateIdentityError{Entity: entityName, IDHash: idHash}
	}
	// An object re-registered under a new identity (post-insert id
	// resolution) leaves its temporary slot first.
	m.removeHandle(h)
	slots[idHash] = h
	m.keyList[h] = slotKey{entityName: entityName, idHash: idHash}
	return nil
}

func (m *identityMap) lookup(entityName, idHash string) (handle, bool) {
	h, ok := m.slotList[entityName][idHash]
	return h, ok
}

func (m *identityMap) contains(h handle) bool {
	_, ok := m.keyList[h]
	return ok
}

func (m *identityMap) removeHandle(h handle) {
	key, ok := m.keyList[h]
	if !ok {
		return
	}
	delete(m.slotList[key.entityName], key.idHash)
	delete(m.keyList, h)
}

// removeType evicts every identity of one entity type and returns the evicted
// handles.
func (m *identityMap) removeType(entityName string) []handle {
	slots := m.slotList[entityName]
	removed := make([]handle, 0, len(slots))
	for _, h := range slots {
		delete(m.keyList, h)
		removed = append(removed, h)
	}
	delete(m.slotList, entityName)
	return removed
}

func (m *identityMap) clear() {
	m.slotList = make(map[string]map[string]handle)
	m.keyList = make(map[handle]slotKey)
}
