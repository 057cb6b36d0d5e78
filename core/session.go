// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines the Session: the lifecycle controller that tracks managed
// entities, schedules inserts, updates, and deletes, and drives the commit
// pipeline against the external persisters.
package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one unit of work: it tracks the identity and lifecycle state of
// every entity it manages, detects changes since the last synchronization,
// and commits a dependency-ordered execution plan through the persisters.
//
// A Session is a single-writer object. It performs no I/O outside Commit,
// Refresh, and Lock, and it is not safe for concurrent mutation without
// external synchronization: one Session per logical transaction.
type Session struct {
	metadata MetadataProvider
	provider PersisterProvider
	logger   zerolog.Logger

	arena    *entityArena
	identity *identityMap

	stateList    map[handle]EntityState
	metaList     map[handle]*EntityMeta
	snapshotList map[handle]map[string]any
	versionList  map[handle]int64

	insertSet   map[handle]struct{}
	insertOrder []handle
	deleteSet   map[handle]struct{}
	deleteOrder []handle

	dirtyCheckSet    map[handle]struct{}
	notifyChangeList map[handle]ChangeSet

	persisterList map[string]Persister // resolved per entity name, lazily
}

var _ ChangeListener = (*Session)(nil)

// SessionOption customizes a Session at construction.
type SessionOption func(*Session)

// WithLogger sets the logger used by the Session. The default discards
// everything.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(session *Session) { session.logger = logger }
}

// NewSession creates a unit of work over the given metadata and persisters.
// Both collaborators are required and immutable for the Session's lifetime.
func NewSession(metadata MetadataProvider, provider PersisterProvider, options ...SessionOption) *Session {
	if metadata == nil {
		panic("core: NewSession requires a metadata provider")
	}
	if provider == nil {
		panic("core: NewSession requires a persister provider")
	}
	session := &Session{
		metadata:         metadata,
		provider:         provider,
		logger:           zerolog.Nop(),
		arena:            newEntityArena(),
		identity:         newIdentityMap(),
		stateList:        make(map[handle]EntityState),
		metaList:         make(map[handle]*EntityMeta),
		snapshotList:     make(map[handle]map[string]any),
		versionList:      make(map[handle]int64),
		insertSet:        make(map[handle]struct{}),
		deleteSet:        make(map[handle]struct{}),
		dirtyCheckSet:    make(map[handle]struct{}),
		notifyChangeList: make(map[handle]ChangeSet),
		persisterList:    make(map[string]Persister),
	}
	for _, option := range options {
		option(session)
	}
	return session
}

//region Persist

// Persist transitions a NEW entity to MANAGED and schedules its insert.
// Persisting an already managed entity is idempotent; persisting a REMOVED
// entity before its delete was flushed cancels the removal. The persist
// cascades along every association carrying CascadePersist.
func (s *Session) Persist(entity any) error {
	if entity == nil {
		return fmt.Errorf("%w: cannot persist nil entity", ErrInvalidArgument)
	}
	return s.persistEntity(entity, "", make(map[any]struct{}))
}

func (s *Session) persistEntity(entity any, path string, visited map[any]struct{}) error {
	if _, seen := visited[entity]; seen {
		return nil
	}
	visited[entity] = struct{}{}

	meta, err := s.metadata.MetaOf(entity)
	if err != nil {
		return err
	}

	h, tracked := s.arena.lookup(entity)
	switch {
	case tracked && s.stateList[h] == StateDetached:
		if path != "" {
			return &InvalidAssociationError{
				Entity: meta.Name,
				Path:   path,
				Reason: "persist cascade reached a detached entity",
			}
		}
		return &IllegalStateError{Entity: meta.Name, State: StateDetached, Operation: "persist"}
	case tracked && s.stateList[h] == StateRemoved:
		if path != "" {
			return &InvalidAssociationError{
				Entity: meta.Name,
				Path:   path,
				Reason: "persist cascade reached an entity scheduled for removal",
			}
		}
		// Re-persist before the delete executes: REMOVED goes back to MANAGED.
		s.stateList[h] = StateManaged
		delete(s.deleteSet, h)
		s.deleteOrder = removeFromOrder(s.deleteOrder, h)
	case tracked:
		// Already managed; nothing to schedule, but cascades still run.
	default:
		if err := s.validateAssociationValues(meta, entity, path); err != nil {
			return err
		}
		if meta.Policy == TrackNotify {
			notifier, ok := entity.(ChangeNotifier)
			if !ok {
				return fmt.Errorf("%w: %s uses notify tracking but does not implement ChangeNotifier",
					ErrInvalidArgument, meta.Name)
			}
			notifier.AttachChangeListener(s)
		}
		if meta.Strategy == IDUUID {
			idField := meta.IDFieldList[0]
			if fieldValue(entity, idField) == nil || isZeroValue(fieldValue(entity, idField)) {
				setFieldValue(entity, idField, uuid.NewString())
			}
		}
		// PrePersist runs before the identifier hash is taken so hooks may
		// still assign identifier fields; a duplicate identity is therefore
		// detected only after the hooks ran.
		if err := meta.runHooks(PrePersist, entity); err != nil {
			return err
		}

		// Entities with a deferred identifier are tracked under their handle
		// alone until the insert resolves the real identifier.
		idHash := ""
		if meta.Strategy != IDGenerated {
			if idHash, err = IdentifierHash(meta, entity); err != nil {
				return err
			}
		}
		h = s.arena.obtain(entity)
		if idHash != "" {
			if err := s.identity.register(meta.Name, idHash, h); err != nil {
				s.arena.release(h)
				return err
			}
		}
		s.stateList[h] = StateManaged
		s.metaList[h] = meta
		s.insertSet[h] = struct{}{}
		s.insertOrder = append(s.insertOrder, h)
	}

	for _, assoc := range meta.AssociationList {
		if assoc.Cascade&CascadePersist == 0 {
			continue
		}
		for _, target := range associationTargets(entity, assoc) {
			if err := s.persistEntity(target, joinPath(path, meta.Name, assoc.FieldName), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Session) validateAssociationValues(meta *EntityMeta, entity any, path string) error {
	for _, assoc := range meta.AssociationList {
		for _, target := range associationTargets(entity, assoc) {
			if target == nil {
				return &InvalidAssociationError{
					Entity: meta.Name,
					Path:   joinPath(path, meta.Name, assoc.FieldName),
					Reason: "collection contains a nil element",
				}
			}
			targetMeta, err := s.metadata.MetaOf(target)
			if err != nil || targetMeta.Name != assoc.Target {
				return &InvalidAssociationError{
					Entity: meta.Name,
					Path:   joinPath(path, meta.Name, assoc.FieldName),
					Reason: fmt.Sprintf("value of type %T is not a mapped %s", target, assoc.Target),
				}
			}
		}
	}
	return nil
}

//endregion

//region Remove

// Remove schedules a MANAGED entity for deletion, cascading along every
// association carrying CascadeRemove. Removing an entity that was never
// persisted is a no-op; removing one whose insert is still pending cancels
// the insert and leaves no trace in any scheduled set.
func (s *Session) Remove(entity any) error {
	if entity == nil {
		return fmt.Errorf("%w: cannot remove nil entity", ErrInvalidArgument)
	}
	return s.removeEntity(entity, make(map[any]struct{}))
}

func (s *Session) removeEntity(entity any, visited map[any]struct{}) error {
	if _, seen := visited[entity]; seen {
		return nil
	}
	visited[entity] = struct{}{}

	meta, err := s.metadata.MetaOf(entity)
	if err != nil {
		return err
	}

	h, tracked := s.arena.lookup(entity)
	if !tracked {
		return nil // never persisted, nothing to undo
	}
	switch s.stateList[h] {
	case StateDetached:
		return &IllegalStateError{Entity: meta.Name, State: StateDetached, Operation: "remove"}
	case StateRemoved:
		return nil
	}

	if _, pendingInsert := s.insertSet[h]; pendingInsert {
		// The insert never flushed; cancel it completely. The entity goes back
		// to NEW, so releasing the arena entry lets a later persist start over.
		delete(s.insertSet, h)
		s.insertOrder = removeFromOrder(s.insertOrder, h)
		s.identity.removeHandle(h)
		s.arena.release(h)
		s.forgetHandle(h)
	} else {
		if err := meta.runHooks(PreRemove, entity); err != nil {
			return err
		}
		s.stateList[h] = StateRemoved
		s.deleteSet[h] = struct{}{}
		s.deleteOrder = append(s.deleteOrder, h)
	}

	for _, assoc := range meta.AssociationList {
		if assoc.Cascade&CascadeRemove == 0 {
			continue
		}
		for _, target := range associationTargets(entity, assoc) {
			if err := s.removeEntity(target, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

//endregion

//region Merge

// Merge copies the state of the given entity onto the managed instance with
// the same identity and returns the managed instance; the argument itself is
// never promoted to managed. When no instance with that identity is tracked
// but the store holds a matching row, the row is loaded and registered as
// managed first, so the argument's differences flush as an update. Otherwise
// Merge constructs a managed copy, fires the persist hooks once on the copy,
// and schedules its insert.
func (s *Session) Merge(ctx context.Context, entity any) (any, error) {
	if entity == nil {
		return nil, fmt.Errorf("%w: cannot merge nil entity", ErrInvalidArgument)
	}
	return s.mergeEntity(ctx, entity, make(map[any]any))
}

// MergeAs is a typed convenience wrapper around Session.Merge.
func MergeAs[T any](ctx context.Context, s *Session, entity *T) (*T, error) {
	merged, err := s.Merge(ctx, entity)
	if err != nil {
		return nil, err
	}
	return merged.(*T), nil
}

func (s *Session) mergeEntity(ctx context.Context, entity any, visited map[any]any) (any, error) {
	if managed, seen := visited[entity]; seen {
		return managed, nil
	}

	meta, err := s.metadata.MetaOf(entity)
	if err != nil {
		return nil, err
	}

	if h, tracked := s.arena.lookup(entity); tracked {
		switch s.stateList[h] {
		case StateManaged:
			visited[entity] = entity
			return entity, nil
		default:
			return nil, &IllegalStateError{Entity: meta.Name, State: s.stateList[h], Operation: "merge"}
		}
	}

	if hasAssignedIdentifier(meta, entity) {
		// An identity match adopts the argument's state onto the managed copy.
		if idHash, err := IdentifierHash(meta, entity); err == nil {
			if h, ok := s.identity.lookup(meta.Name, idHash); ok {
				managed := s.arena.entity(h)
				visited[entity] = managed
				s.copyEntityState(ctx, meta, entity, managed, visited)
				return managed, nil
			}
		}
		managed, found, err := s.mergeFromStore(ctx, meta, entity, visited)
		if err != nil {
			return nil, err
		}
		if found {
			return managed, nil
		}
	}

	// No tracked identity and no stored row: build a managed copy and schedule
	// its insert. The argument object stays untouched, so creation hooks fire
	// exactly once, on the copy.
	managed := newInstanceOf(meta)
	visited[entity] = managed
	s.copyEntityState(ctx, meta, entity, managed, visited)
	if err := s.persistEntity(managed, "", make(map[any]struct{})); err != nil {
		return nil, err
	}
	return managed, nil
}

// mergeFromStore loads the row matching the argument's identity, registers it
// as a managed instance, and copies the argument's state onto it. found is
// false when the store holds no such row; Exists is probed before Load so a
// merge of a genuinely new entity transfers no row.
func (s *Session) mergeFromStore(ctx context.Context, meta *EntityMeta, entity any, visited map[any]any) (any, bool, error) {
	id, err := IdentifierOf(meta, entity)
	if err != nil {
		return nil, false, nil
	}
	persister, err := s.persisterFor(meta)
	if err != nil {
		return nil, false, err
	}
	found, err := persister.Exists(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	row, err := persister.Load(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if row == nil {
		return nil, false, nil
	}

	managed := newInstanceOf(meta)
	applyRow(meta, row, managed)
	if err := s.RegisterManaged(managed); err != nil {
		return nil, false, err
	}
	visited[entity] = managed
	s.copyEntityState(ctx, meta, entity, managed, visited)
	return managed, true, nil
}

// copyEntityState writes the source's scalar fields onto the destination and
// resolves association fields: cascading targets are merged recursively,
// non-cascading targets are carried over by reference. The version field is
// session bookkeeping and is never overwritten by the argument.
func (s *Session) copyEntityState(ctx context.Context, meta *EntityMeta, source, destination any, visited map[any]any) {
	for _, field := range meta.Fields {
		if meta.versionField != nil && field.Name == meta.versionField.Name {
			continue
		}
		setFieldValue(destination, field.Name, fieldValue(source, field.Name))
	}
	for _, assoc := range meta.AssociationList {
		targetList := associationTargets(source, assoc)
		if len(targetList) == 0 {
			continue
		}
		if assoc.Cascade&CascadeMerge != 0 {
			mergedList := make([]any, 0, len(targetList))
			for _, target := range targetList {
				merged, err := s.mergeEntity(ctx, target, visited)
				if err != nil {
					merged = target // leave the reference; commit validation reports it
				}
				mergedList = append(mergedList, merged)
			}
			setAssociationTargets(destination, assoc, mergedList)
			continue
		}
		setAssociationTargets(destination, assoc, targetList)
	}
}

//endregion

//region Detach / Clear / Refresh

// Detach removes the entity from all tracking tables and the identity map.
// The entity keeps its in-memory state but the Session no longer observes
// it; reusing it with this Session is invalid. The detach cascades along
// associations carrying CascadeDetach.
func (s *Session) Detach(entity any) error {
	if entity == nil {
		return fmt.Errorf("%w: cannot detach nil entity", ErrInvalidArgument)
	}
	return s.detachEntity(entity, make(map[any]struct{}))
}

func (s *Session) detachEntity(entity any, visited map[any]struct{}) error {
	if _, seen := visited[entity]; seen {
		return nil
	}
	visited[entity] = struct{}{}

	meta, err := s.metadata.MetaOf(entity)
	if err != nil {
		return err
	}
	h, tracked := s.arena.lookup(entity)
	if !tracked {
		return nil
	}

	delete(s.insertSet, h)
	s.insertOrder = removeFromOrder(s.insertOrder, h)
	delete(s.deleteSet, h)
	s.deleteOrder = removeFromOrder(s.deleteOrder, h)
	s.identity.removeHandle(h)
	delete(s.snapshotList, h)
	delete(s.versionList, h)
	delete(s.dirtyCheckSet, h)
	delete(s.notifyChangeList, h)
	s.stateList[h] = StateDetached

	for _, assoc := range meta.AssociationList {
		if assoc.Cascade&CascadeDetach == 0 {
			continue
		}
		for _, target := range associationTargets(entity, assoc) {
			if err := s.detachEntity(target, visited); err != nil {
				return err
			}
		}
	}
	return nil
}

// Clear detaches everything the Session tracks. With entity type names given,
// it clears only those types: their identities leave the identity map and
// their scheduled operations are dropped, while other types' scheduled
// operations stay untouched.
func (s *Session) Clear(entityNames ...string) error {
	if len(entityNames) == 0 {
		s.identity.clear()
		s.arena.reset()
		s.stateList = make(map[handle]EntityState)
		s.metaList = make(map[handle]*EntityMeta)
		s.snapshotList = make(map[handle]map[string]any)
		s.versionList = make(map[handle]int64)
		s.insertSet = make(map[handle]struct{})
		s.insertOrder = nil
		s.deleteSet = make(map[handle]struct{})
		s.deleteOrder = nil
		s.dirtyCheckSet = make(map[handle]struct{})
		s.notifyChangeList = make(map[handle]ChangeSet)
		return nil
	}

	for _, name := range entityNames {
		if _, err := s.metadata.MetaByName(name); err != nil {
			return err
		}
		for h, meta := range s.metaList {
			if meta.Name != name {
				continue
			}
			delete(s.insertSet, h)
			s.insertOrder = removeFromOrder(s.insertOrder, h)
			delete(s.deleteSet, h)
			s.deleteOrder = removeFromOrder(s.deleteOrder, h)
			s.identity.removeHandle(h)
			s.arena.release(h)
			s.forgetHandle(h)
		}
	}
	return nil
}

// Refresh overwrites the entity's in-memory state with its current row and
// resets the snapshot, discarding unflushed changes. It cascades along
// associations carrying CascadeRefresh.
func (s *Session) Refresh(ctx context.Context, entity any) error {
	if entity == nil {
		return fmt.Errorf("%w: cannot refresh nil entity", ErrInvalidArgument)
	}
	return s.refreshEntity(ctx, entity, make(map[any]struct{}))
}

func (s *Session) refreshEntity(ctx context.Context, entity any, visited map[any]struct{}) error {
	if _, seen := visited[entity]; seen {
		return nil
	}
	visited[entity] = struct{}{}

	meta, err := s.metadata.MetaOf(entity)
	if err != nil {
		return err
	}
	h, tracked := s.arena.lookup(entity)
	if !tracked || s.stateList[h] != StateManaged {
		state := StateNew
		if tracked {
			state = s.stateList[h]
		}
		return &IllegalStateError{Entity: meta.Name, State: state, Operation: "refresh"}
	}

	id, err := IdentifierOf(meta, entity)
	if err != nil {
		return err
	}
	persister, err := s.persisterFor(meta)
	if err != nil {
		return err
	}
	row, err := persister.Load(ctx, id)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("%w: refresh: no row for %s %v", ErrInvalidArgument, meta.Name, id)
	}

	applyRow(meta, row, entity)
	s.snapshotList[h] = takeSnapshot(meta, entity)
	delete(s.dirtyCheckSet, h)
	delete(s.notifyChangeList, h)
	if meta.versionField != nil {
		if version, ok := fieldValue(entity, meta.versionField.Name).(int64); ok {
			s.versionList[h] = version
		}
	}

	for _, assoc := range meta.AssociationList {
		if assoc.Cascade&CascadeRefresh == 0 {
			continue
		}
		for _, target := range associationTargets(entity, assoc) {
			if th, ok := s.arena.lookup(target); ok && s.stateList[th] == StateManaged {
				if err := s.refreshEntity(ctx, target, visited); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

//endregion

//region RegisterManaged / Lock

// RegisterManaged tracks an entity loaded from the store as MANAGED, taking
// its snapshot from the current field values. The entity must carry its full
// identifier.
func (s *Session) RegisterManaged(entity any) error {
	if entity == nil {
		return fmt.Errorf("%w: cannot register nil entity", ErrInvalidArgument)
	}
	meta, err := s.metadata.MetaOf(entity)
	if err != nil {
		return err
	}
	if h, tracked := s.arena.lookup(entity); tracked {
		if s.stateList[h] == StateManaged {
			return nil
		}
		return &IllegalStateError{Entity: meta.Name, State: s.stateList[h], Operation: "register"}
	}
	idHash, err := IdentifierHash(meta, entity)
	if err != nil {
		return err
	}
	if meta.Policy == TrackNotify {
		notifier, ok := entity.(ChangeNotifier)
		if !ok {
			return fmt.Errorf("%w: %s uses notify tracking but does not implement ChangeNotifier",
				ErrInvalidArgument, meta.Name)
		}
		notifier.AttachChangeListener(s)
	}
	h := s.arena.obtain(entity)
	if err := s.identity.register(meta.Name, idHash, h); err != nil {
		s.arena.release(h)
		return err
	}
	s.stateList[h] = StateManaged
	s.metaList[h] = meta
	s.snapshotList[h] = takeSnapshot(meta, entity)
	if meta.versionField != nil {
		if version, ok := fieldValue(entity, meta.versionField.Name).(int64); ok {
			s.versionList[h] = version
		}
	}
	return nil
}

// Lock enforces the requested lock on a managed entity. Optimistic locks
// compare the given version against the tracked one before delegating to the
// persister; pessimistic modes delegate directly.
func (s *Session) Lock(ctx context.Context, entity any, mode LockMode, version int64) error {
	if entity == nil {
		return fmt.Errorf("%w: cannot lock nil entity", ErrInvalidArgument)
	}
	meta, err := s.metadata.MetaOf(entity)
	if err != nil {
		return err
	}
	h, tracked := s.arena.lookup(entity)
	if !tracked || s.stateList[h] != StateManaged {
		state := StateNew
		if tracked {
			state = s.stateList[h]
		}
		return &IllegalStateError{Entity: meta.Name, State: state, Operation: "lock"}
	}
	if mode == LockOptimistic {
		if meta.versionField == nil {
			return fmt.Errorf("%w: %s carries no version field", ErrInvalidArgument, meta.Name)
		}
		if current := s.versionList[h]; current != version {
			return &LockConflictError{Entity: meta.Name, Expected: version, Actual: current}
		}
	}
	persister, err := s.persisterFor(meta)
	if err != nil {
		return err
	}
	return dispatchOperation(ctx, OperationLock, OperationPayload{Meta: meta, Entity: entity}, func() error {
		return persister.Lock(ctx, entity, mode, version)
	})
}

//endregion

//region Introspection

// IsInIdentityMap reports whether the entity currently occupies an
// identity-map slot of this Session.
func (s *Session) IsInIdentityMap(entity any) bool {
	h, tracked := s.arena.lookup(entity)
	return tracked && s.identity.contains(h)
}

// StateOf returns the entity's lifecycle state relative to this Session.
// Unknown entities are NEW.
func (s *Session) StateOf(entity any) EntityState {
	if h, tracked := s.arena.lookup(entity); tracked {
		return s.stateList[h]
	}
	return StateNew
}

// ChangeSetOf computes the entity's pending change set against its last
// synchronized snapshot. It fails with ErrIllegalState for entities that are
// not MANAGED.
func (s *Session) ChangeSetOf(entity any) (ChangeSet, error) {
	meta, err := s.metadata.MetaOf(entity)
	if err != nil {
		return nil, err
	}
	h, tracked := s.arena.lookup(entity)
	if !tracked || s.stateList[h] != StateManaged {
		state := StateNew
		if tracked {
			state = s.stateList[h]
		}
		return nil, &IllegalStateError{Entity: meta.Name, State: state, Operation: "compute change set for"}
	}
	return s.pendingChanges(h, meta, entity), nil
}

// IsScheduledForInsert reports whether the entity's insert is pending.
func (s *Session) IsScheduledForInsert(entity any) bool {
	h, tracked := s.arena.lookup(entity)
	if !tracked {
		return false
	}
	_, scheduled := s.insertSet[h]
	return scheduled
}

// IsScheduledForDelete reports whether the entity's delete is pending.
func (s *Session) IsScheduledForDelete(entity any) bool {
	h, tracked := s.arena.lookup(entity)
	if !tracked {
		return false
	}
	_, scheduled := s.deleteSet[h]
	return scheduled
}

// IsScheduledForUpdate reports whether the entity carries changes the next
// commit would flush as an update.
func (s *Session) IsScheduledForUpdate(entity any) bool {
	h, tracked := s.arena.lookup(entity)
	if !tracked || s.stateList[h] != StateManaged {
		return false
	}
	if _, pendingInsert := s.insertSet[h]; pendingInsert {
		return false
	}
	meta := s.metaList[h]
	return len(s.pendingChanges(h, meta, s.arena.entity(h))) > 0
}

// pendingChanges computes the entity's current change set under its tracking
// policy. Notify-tracked entities that reported nothing are clean by
// definition.
func (s *Session) pendingChanges(h handle, meta *EntityMeta, entity any) ChangeSet {
	if _, pendingInsert := s.insertSet[h]; pendingInsert {
		return computeChangeSet(meta, entity, map[string]any{})
	}
	if meta.Policy == TrackNotify {
		if _, dirty := s.dirtyCheckSet[h]; !dirty {
			return ChangeSet{}
		}
	}
	snapshot, ok := s.snapshotList[h]
	if !ok {
		return ChangeSet{}
	}
	return computeChangeSet(meta, entity, snapshot)
}

// EntityFieldChanged is the ChangeListener callback invoked by notify-tracked
// entities on every field mutation. It records the change and schedules the
// entity for the dirty check of the next commit.
func (s *Session) EntityFieldChanged(entity any, field string, oldValue, newValue any) {
	h, tracked := s.arena.lookup(entity)
	if !tracked || s.stateList[h] != StateManaged {
		return
	}
	changes, ok := s.notifyChangeList[h]
	if !ok {
		changes = make(ChangeSet)
		s.notifyChangeList[h] = changes
	}
	if prior, recorded := changes[field]; recorded {
		changes[field] = FieldChange{Old: prior.Old, New: newValue}
	} else {
		changes[field] = FieldChange{Old: oldValue, New: newValue}
	}
	s.dirtyCheckSet[h] = struct{}{}
}

//endregion

//region Commit

// Commit synchronizes the tracked object graph with the store. With no
// arguments it flushes every managed entity; with arguments it flushes only
// the given entities (plus whatever their persist cascades reach), leaving
// the pending change sets of everything else untouched.
//
// The execution order is: inserts in dependency order, then updates, then
// deletes in reverse dependency order, all inside one transaction obtained
// from the persister provider (or reused from the context). A failure aborts
// the commit; entities whose writes already flushed keep their new in-memory
// state, since rolling back rows is the transaction's job, not the
// Session's.
func (s *Session) Commit(ctx context.Context, entities ...any) error {
	scope, err := s.commitScope(entities)
	if err != nil {
		return err
	}
	if err := s.expandAndValidateScope(scope); err != nil {
		return err
	}

	pendingUpdates, updateOrder := s.collectUpdates(scope)

	scopedInserts := filterOrder(s.insertOrder, scope)
	insertOrdered, err := orderByDependencies(scopedInserts, s.insertDependencyEdges(scopedInserts), s.nameOf)
	if err != nil {
		return err
	}
	scopedDeletes := filterOrder(s.deleteOrder, scope)
	deleteOrdered, err := orderByDependencies(scopedDeletes, s.deleteDependencyEdges(scopedDeletes), s.nameOf)
	if err != nil {
		return err
	}
	reverseOrder(deleteOrdered)

	if len(insertOrdered) == 0 && len(updateOrder) == 0 && len(deleteOrdered) == 0 {
		return nil
	}

	tx := TransactionFrom(ctx)
	ownTransaction := tx == nil
	if ownTransaction {
		if tx, err = s.provider.Transaction(ctx); err != nil {
			return err
		}
		ctx = WithTransaction(ctx, tx)
	}
	fail := func(err error) error {
		if ownTransaction {
			_ = tx.Rollback(ctx)
		}
		return err
	}

	for _, h := range insertOrdered {
		if err := s.flushInsert(ctx, h); err != nil {
			return fail(err)
		}
	}
	for _, h := range updateOrder {
		if err := s.flushUpdate(ctx, h, pendingUpdates[h]); err != nil {
			return fail(err)
		}
	}
	for _, h := range deleteOrdered {
		if err := s.flushDelete(ctx, h); err != nil {
			return fail(err)
		}
	}

	if ownTransaction {
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	for h := range scope {
		delete(s.dirtyCheckSet, h)
		delete(s.notifyChangeList, h)
	}
	s.logger.Debug().
		Int("inserts", len(insertOrdered)).
		Int("updates", len(updateOrder)).
		Int("deletes", len(deleteOrdered)).
		Msg("commit finished")
	Emit(EventCommit, CommitPayload{
		InsertCount: len(insertOrdered),
		UpdateCount: len(updateOrder),
		DeleteCount: len(deleteOrdered),
	})
	return nil
}

// commitScope resolves which handles this commit covers.
func (s *Session) commitScope(entities []any) (map[handle]struct{}, error) {
	scope := make(map[handle]struct{})
	if len(entities) == 0 {
		for h, state := range s.stateList {
			if state == StateManaged || state == StateRemoved {
				scope[h] = struct{}{}
			}
		}
		return scope, nil
	}
	for _, entity := range entities {
		if entity == nil {
			return nil, fmt.Errorf("%w: cannot commit nil entity", ErrInvalidArgument)
		}
		h, tracked := s.arena.lookup(entity)
		if !tracked {
			return nil, fmt.Errorf("%w: cannot commit untracked entity %T", ErrInvalidArgument, entity)
		}
		scope[h] = struct{}{}
	}
	return scope, nil
}

// danglingRef is a non-cascaded reference to a NEW entity observed during
// scope expansion. It only becomes an error if no cascade path schedules the
// target before the walk finishes.
type danglingRef struct {
	owner  *EntityMeta
	assoc  *Association
	target any
}

// expandAndValidateScope walks the associations of every scoped entity:
// persist cascades implicitly persist reachable NEW entities into the scope,
// and non-cascaded references to NEW entities are collected and re-validated
// once the walk has settled. All of this happens before the first persister
// call, so a validation failure issues zero writes.
func (s *Session) expandAndValidateScope(scope map[handle]struct{}) error {
	queue := make([]handle, 0, len(scope))
	for h := range scope {
		queue = append(queue, h)
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i] < queue[j] })

	danglingList := []danglingRef{}
	for len(queue) > 0 {
		h := queue[0]
		queue = queue[1:]
		if s.stateList[h] != StateManaged {
			continue
		}
		meta := s.metaList[h]
		entity := s.arena.entity(h)

		for _, assoc := range meta.AssociationList {
			for _, target := range associationTargets(entity, assoc) {
				th, tracked := s.arena.lookup(target)
				if assoc.Cascade&CascadePersist != 0 {
					if tracked && s.stateList[th] == StateRemoved {
						return &InvalidAssociationError{
							Entity: meta.Name,
							Path:   meta.Name + "." + assoc.FieldName,
							Reason: "persist cascade reached an entity scheduled for removal",
						}
					}
					if !tracked {
						if err := s.persistEntity(target, meta.Name+"."+assoc.FieldName, make(map[any]struct{})); err != nil {
							return err
						}
						th, _ = s.arena.lookup(target)
					}
					if _, inScope := scope[th]; !inScope {
						scope[th] = struct{}{}
						queue = append(queue, th)
					}
					continue
				}
				if !tracked {
					danglingList = append(danglingList, danglingRef{owner: meta, assoc: assoc, target: target})
				}
			}
		}
	}

	// Re-validate: a target is only missing if no cascade path scheduled it
	// during the walk.
	for _, dangling := range danglingList {
		if _, tracked := s.arena.lookup(dangling.target); tracked {
			continue
		}
		return &MissingAssociationError{
			Owner:       dangling.owner.Name,
			Association: dangling.assoc.FieldName,
			Target:      dangling.assoc.Target,
		}
	}
	return nil
}

// collectUpdates computes the change set of every scoped managed entity that
// is not pending an insert or delete, in handle order.
func (s *Session) collectUpdates(scope map[handle]struct{}) (map[handle]ChangeSet, []handle) {
	scopedHandles := make([]handle, 0, len(scope))
	for h := range scope {
		scopedHandles = append(scopedHandles, h)
	}
	sort.Slice(scopedHandles, func(i, j int) bool { return scopedHandles[i] < scopedHandles[j] })

	pendingUpdates := make(map[handle]ChangeSet)
	updateOrder := []handle{}
	for _, h := range scopedHandles {
		if s.stateList[h] != StateManaged {
			continue
		}
		if _, pendingInsert := s.insertSet[h]; pendingInsert {
			continue
		}
		meta := s.metaList[h]
		changes := s.pendingChanges(h, meta, s.arena.entity(h))
		if len(changes) == 0 {
			continue
		}
		pendingUpdates[h] = changes
		updateOrder = append(updateOrder, h)
	}
	return pendingUpdates, updateOrder
}

func (s *Session) flushInsert(ctx context.Context, h handle) error {
	meta := s.metaList[h]
	entity := s.arena.entity(h)
	persister, err := s.persisterFor(meta)
	if err != nil {
		return err
	}

	now := time.Now()
	stampTime(entity, meta.createdAtField, now)
	stampTime(entity, meta.updatedAtField, now)
	if meta.versionField != nil {
		setFieldValue(entity, meta.versionField.Name, int64(1))
		s.versionList[h] = 1
	}

	var generated Identifier
	err = dispatchOperation(ctx, OperationInsert, OperationPayload{Meta: meta, Entity: entity}, func() error {
		var execErr error
		generated, execErr = persister.Insert(ctx, entity)
		return execErr
	})
	if err != nil {
		return err
	}

	if meta.Strategy == IDGenerated && len(generated) > 0 {
		for i, fieldName := range meta.IDFieldList {
			if i < len(generated) {
				setFieldValue(entity, fieldName, generated[i])
			}
		}
	}
	idHash, err := IdentifierHash(meta, entity)
	if err != nil {
		return err
	}
	if err := s.identity.register(meta.Name, idHash, h); err != nil {
		return err
	}

	s.snapshotList[h] = takeSnapshot(meta, entity)
	delete(s.insertSet, h)
	s.insertOrder = removeFromOrder(s.insertOrder, h)

	if err := meta.runHooks(PostPersist, entity); err != nil {
		return err
	}
	Emit(EventInsert, InsertPayload{Meta: meta, Entity: entity})
	return nil
}

func (s *Session) flushUpdate(ctx context.Context, h handle, changes ChangeSet) error {
	meta := s.metaList[h]
	entity := s.arena.entity(h)
	persister, err := s.persisterFor(meta)
	if err != nil {
		return err
	}

	if err := meta.runHooks(PreUpdate, entity); err != nil {
		return err
	}
	// Hooks may mutate the entity; recompute so the flushed change set
	// matches what is actually written.
	changes = computeChangeSet(meta, entity, s.snapshotList[h])
	if len(changes) == 0 {
		return nil
	}
	if meta.updatedAtField != nil {
		previous := fieldValue(entity, meta.updatedAtField.Name)
		stampTime(entity, meta.updatedAtField, time.Now())
		changes[meta.updatedAtField.Name] = FieldChange{Old: previous, New: fieldValue(entity, meta.updatedAtField.Name)}
	}

	expected := s.versionList[h]
	err = dispatchOperation(ctx, OperationUpdate, OperationPayload{Meta: meta, Entity: entity, Changes: changes}, func() error {
		return persister.Update(ctx, entity, changes, expected)
	})
	if err != nil {
		return err
	}

	if meta.versionField != nil {
		s.versionList[h] = expected + 1
		setFieldValue(entity, meta.versionField.Name, expected+1)
	}
	s.snapshotList[h] = takeSnapshot(meta, entity)
	delete(s.dirtyCheckSet, h)
	delete(s.notifyChangeList, h)

	if err := meta.runHooks(PostUpdate, entity); err != nil {
		return err
	}
	Emit(EventUpdate, UpdatePayload{Meta: meta, Entity: entity, Changes: changes})
	return nil
}

func (s *Session) flushDelete(ctx context.Context, h handle) error {
	meta := s.metaList[h]
	entity := s.arena.entity(h)
	persister, err := s.persisterFor(meta)
	if err != nil {
		return err
	}

	err = dispatchOperation(ctx, OperationDelete, OperationPayload{Meta: meta, Entity: entity}, func() error {
		return persister.Delete(ctx, entity)
	})
	if err != nil {
		return err
	}

	s.identity.removeHandle(h)
	delete(s.deleteSet, h)
	s.deleteOrder = removeFromOrder(s.deleteOrder, h)
	s.arena.release(h)
	s.forgetHandle(h)

	if err := meta.runHooks(PostRemove, entity); err != nil {
		return err
	}
	Emit(EventDelete, DeletePayload{Meta: meta, Entity: entity})
	return nil
}

//endregion

//region Internal plumbing

func (s *Session) persisterFor(meta *EntityMeta) (Persister, error) {
	if persister, ok := s.persisterList[meta.Name]; ok {
		return persister, nil
	}
	persister, err := s.provider.PersisterFor(meta)
	if err != nil {
		return nil, err
	}
	s.persisterList[meta.Name] = persister
	return persister, nil
}

func (s *Session) nameOf(h handle) string {
	if meta, ok := s.metaList[h]; ok {
		return meta.Name
	}
	return "unknown"
}

func (s *Session) forgetHandle(h handle) {
	delete(s.stateList, h)
	delete(s.metaList, h)
	delete(s.snapshotList, h)
	delete(s.versionList, h)
	delete(s.dirtyCheckSet, h)
	delete(s.notifyChangeList, h)
}

// insertDependencyEdges derives ordering constraints among pending inserts:
// the target of an owning reference must be inserted before the entity whose
// row will point at it.
func (s *Session) insertDependencyEdges(nodeList []handle) []dependencyEdge {
	inSet := make(map[handle]bool, len(nodeList))
	for _, h := range nodeList {
		inSet[h] = true
	}
	edgeList := []dependencyEdge{}
	for _, h := range nodeList {
		meta := s.metaList[h]
		entity := s.arena.entity(h)
		for _, assoc := range meta.AssociationList {
			if !assoc.Owning {
				continue
			}
			for _, target := range associationTargets(entity, assoc) {
				th, tracked := s.arena.lookup(target)
				if !tracked || !inSet[th] {
					continue
				}
				edgeList = append(edgeList, dependencyEdge{
					from:     th,
					to:       h,
					required: assoc.Kind == ToOne && assoc.Required,
				})
			}
		}
	}
	return edgeList
}

// deleteDependencyEdges mirrors insertDependencyEdges for pending deletes,
// reading references from the last synchronized snapshot: the rows about to
// disappear are the ones the database saw last.
func (s *Session) deleteDependencyEdges(nodeList []handle) []dependencyEdge {
	inSet := make(map[handle]bool, len(nodeList))
	for _, h := range nodeList {
		inSet[h] = true
	}
	edgeList := []dependencyEdge{}
	for _, h := range nodeList {
		meta := s.metaList[h]
		entity := s.arena.entity(h)
		snapshot := s.snapshotList[h]
		for _, assoc := range meta.AssociationList {
			if !assoc.Owning || assoc.Kind != ToOne {
				continue
			}
			target := snapshot[assoc.FieldName]
			if target == nil {
				target = rawFieldValue(entity, assoc.FieldName)
			}
			if target == nil {
				continue
			}
			th, tracked := s.arena.lookup(target)
			if !tracked || !inSet[th] {
				continue
			}
			edgeList = append(edgeList, dependencyEdge{from: th, to: h, required: assoc.Required})
		}
	}
	return edgeList
}

//endregion
