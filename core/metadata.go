// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines the mapping metadata consumed by the Session: entity
// descriptors, field descriptors, associations with cascade flags, identifier
// strategies, and the reflection-driven builder used to declare them.
package core

import (
	"fmt"
	"reflect"
)

//region IDStrategy / TrackingPolicy / Cascade

// IDStrategy selects how an entity obtains its identifier.
type IDStrategy int

const (
	// IDAssigned expects the application to set every identifier field before
	// the entity is committed.
	IDAssigned IDStrategy = iota
	// IDGenerated defers identifier assignment to the store: the persister
	// returns the generated identifier from Insert and the Session writes it
	// back into the entity.
	IDGenerated
	// IDUUID assigns a random UUID string to the identifier field when the
	// entity is persisted.
	IDUUID
)

// TrackingPolicy selects how changes to a managed entity are detected.
type TrackingPolicy int

const (
	// TrackDeferred compares current field values against the snapshot taken
	// at the last synchronization. Every managed entity is scanned on commit.
	TrackDeferred TrackingPolicy = iota
	// TrackNotify requires entities to implement ChangeNotifier and report
	// every field mutation synchronously. Only entities that reported at
	// least one change are scanned on commit.
	TrackNotify
)

// Cascade is a bit set of lifecycle operations propagated across an
// association to the related entities.
type Cascade uint8

const (
	// CascadePersist propagates persist: reachable NEW entities are
	// implicitly persisted together with the root.
	CascadePersist Cascade = 1 << iota
	// CascadeRemove propagates remove.
	CascadeRemove
	// CascadeMerge propagates merge.
	CascadeMerge
	// CascadeDetach propagates detach.
	CascadeDetach
	// CascadeRefresh propagates refresh.
	CascadeRefresh
)

// CascadeAll propagates every lifecycle operation.
const CascadeAll = CascadePersist | CascadeRemove | CascadeMerge | CascadeDetach | CascadeRefresh

//endregion

//region Field and Association descriptors

// FieldMeta describes one persistent scalar field of an entity.
type FieldMeta struct {
	Name         string       // Go struct field name
	Column       string       // database column name
	Type         reflect.Type // declared Go type of the field
	IsID         bool
	IsVersion    bool
	IsCreatedAt  bool
	IsUpdatedAt  bool
	MemoryOffset uintptr
}

// AssociationKind distinguishes single-valued from collection-valued
// associations.
type AssociationKind int

const (
	// ToOne is a single reference to another entity (a *Target field).
	ToOne AssociationKind = iota + 1
	// ToMany is a collection of references to other entities (a []*Target field).
	ToMany
)

// Association describes one relation from an entity to another entity type.
//
// Only the owning side of an association produces writes: changes to an
// inverse-side collection never dirty the entity holding it.
type Association struct {
	FieldName string          // Go struct field holding the reference(s)
	Target    string          // target entity type name
	Kind      AssociationKind // ToOne or ToMany
	Cascade   Cascade         // operations propagated to the target(s)
	Owning    bool            // whether this side holds the foreign-key representation
	Required  bool            // whether the reference is non-nullable (ToOne only)
}

//endregion

//region EntityMeta

// EntityMeta is the complete mapping description of one entity type.
//
// Instances are built once with Entity and treated as immutable afterwards,
// except for hook registration. A set of EntityMeta values forms a Registry,
// which the Session consumes through the MetadataProvider interface.
type EntityMeta struct {
	Name            string
	Table           string
	Fields          []*FieldMeta // persistent scalar fields, association fields excluded
	IDFieldList     []string     // identifier field names, ordered for composite keys
	Strategy        IDStrategy
	Policy          TrackingPolicy
	AssociationList []*Association

	goType         reflect.Type
	fieldByName    map[string]*FieldMeta
	fieldsByOffset map[uintptr]*FieldMeta
	assocByField   map[string]*Association
	versionField   *FieldMeta
	createdAtField *FieldMeta
	updatedAtField *FieldMeta

	hookList map[HookStage][]Hook
}

// FieldByName returns the scalar field descriptor for a Go field name, or nil.
func (meta *EntityMeta) FieldByName(name string) *FieldMeta {
	return meta.fieldByName[name]
}

// VersionField returns the optimistic-concurrency version field, or nil when
// the entity is not versioned.
func (meta *EntityMeta) VersionField() *FieldMeta {
	return meta.versionField
}

// AssociationByField returns the association declared on the given Go field
// name, or nil.
func (meta *EntityMeta) AssociationByField(name string) *Association {
	return meta.assocByField[name]
}

// RegisterHook appends a lifecycle hook for the given stage. Hooks run in
// registration order; the first error aborts the operation that fired them.
func (meta *EntityMeta) RegisterHook(stage HookStage, hook Hook) {
	meta.hookList[stage] = append(meta.hookList[stage], hook)
}

//endregion

//region MetadataProvider and Registry

// MetadataProvider resolves mapping metadata for entity instances and entity
// type names. The Session holds exactly one provider, passed at construction.
type MetadataProvider interface {
	MetaOf(entity any) (*EntityMeta, error)
	MetaByName(name string) (*EntityMeta, error)
}

// Registry is an immutable MetadataProvider over a fixed set of EntityMeta
// values.
type Registry struct {
	byType map[reflect.Type]*EntityMeta
	byName map[string]*EntityMeta
}

var _ MetadataProvider = (*Registry)(nil)

// NewRegistry builds a Registry from the given metadata. Two entities mapping
// the same Go type or the same name panic: that is a declaration mistake, not
// a runtime condition.
func NewRegistry(metaList ...*EntityMeta) *Registry {
	registry := &Registry{
		byType: make(map[reflect.Type]*EntityMeta, len(metaList)),
		byName: make(map[string]*EntityMeta, len(metaList)),
	}
	for _, meta := range metaList {
		if _, ok := registry.byType[meta.goType]; ok {
			panic(fmt.Sprintf("core: duplicate metadata for type %s", meta.goType))
		}
		if _, ok := registry.byName[meta.Name]; ok {
			panic(fmt.Sprintf("core: duplicate metadata for entity name %s", meta.Name))
		}
		registry.byType[meta.goType] = meta
		registry.byName[meta.Name] = meta
	}
	return registry
}

// MetaOf resolves metadata from an entity instance (a pointer to a mapped
// struct).
func (registry *Registry) MetaOf(entity any) (*EntityMeta, error) {
	if entity == nil {
		return nil, fmt.Errorf("%w: nil entity", ErrInvalidArgument)
	}
	entityType := reflect.TypeOf(entity)
	if entityType.Kind() == reflect.Pointer {
		entityType = entityType.Elem()
	}
	meta, ok := registry.byType[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: no metadata registered for type %s", ErrInvalidArgument, entityType)
	}
	return meta, nil
}

// MetaByName resolves metadata from an entity type name.
func (registry *Registry) MetaByName(name string) (*EntityMeta, error) {
	meta, ok := registry.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: no metadata registered for entity name %s", ErrInvalidArgument, name)
	}
	return meta, nil
}

//endregion

//region Builder

// FieldOption customizes one field descriptor.
type FieldOption func(*FieldMeta)

// CreatedAt marks the field to be stamped with the current time when the
// entity's insert is flushed.
func CreatedAt() FieldOption {
	return func(f *FieldMeta) { f.IsCreatedAt = true }
}

// UpdatedAt marks the field to be stamped with the current time when the
// entity's insert or update is flushed.
func UpdatedAt() FieldOption {
	return func(f *FieldMeta) { f.IsUpdatedAt = true }
}

// AssocOption customizes one association descriptor.
type AssocOption func(*Association)

// WithCascade sets the cascade flags of the association.
func WithCascade(cascade Cascade) AssocOption {
	return func(a *Association) { a.Cascade = cascade }
}

// NotNull marks a to-one association as required (non-nullable foreign key).
// Required references constrain the commit order strictly: a cycle of them is
// unresolvable.
func NotNull() AssocOption {
	return func(a *Association) { a.Required = true }
}

// OwningSide marks the association as the side holding the foreign-key
// representation. To-one associations default to owning.
func OwningSide() AssocOption {
	return func(a *Association) { a.Owning = true }
}

// InverseSide marks the association as the mapped (non-owning) side. To-many
// associations default to inverse.
func InverseSide() AssocOption {
	return func(a *Association) { a.Owning = false }
}

// EntityBuilder accumulates the mapping declaration for one entity type while
// Entity applies its options.
type EntityBuilder[T any] struct {
	name        string
	table       string
	tagKey      string
	structType  reflect.Type
	strategy    IDStrategy
	policy      TrackingPolicy
	idFieldList []string
	versionName string
	assocList   []*Association

	fields         []*FieldMeta
	fieldsByOffset map[uintptr]*FieldMeta
	fieldsBuilt    bool
}

// EntityOption customizes the entity declaration.
type EntityOption[T any] func(*EntityBuilder[T])

// Table overrides the table (or collection) name. The default is the
// lower-cased Go type name.
func Table[T any](name string) EntityOption[T] {
	return func(builder *EntityBuilder[T]) { builder.table = name }
}

// TagKey overrides the struct tag used to resolve column names. The default
// tag is "db".
func TagKey[T any](key string) EntityOption[T] {
	return func(builder *EntityBuilder[T]) { builder.tagKey = key }
}

// ID marks an identifier field. Call it once per identifier component; the
// call order defines the composite-key order used for identifier hashing.
//
// Example:
//
//	meta := core.Entity[CityID](
//		core.ID(func(c *CityID) *string { return &c.Country }),
//		core.ID(func(c *CityID) *string { return &c.Name }),
//	)
func ID[T any, F any](selector func(*T) *F, options ...FieldOption) EntityOption[T] {
	return func(builder *EntityBuilder[T]) {
		if !builder.fieldsBuilt {
			return
		}
		field := builder.fieldAt(offsetOf(selector))
		field.IsID = true
		builder.idFieldList = append(builder.idFieldList, field.Name)
		for _, option := range options {
			option(field)
		}
	}
}

// GeneratedID marks the identifier field and defers its assignment to the
// store: the persister returns the generated value from Insert.
func GeneratedID[T any, F any](selector func(*T) *F, options ...FieldOption) EntityOption[T] {
	return func(builder *EntityBuilder[T]) {
		ID(selector, options...)(builder)
		if builder.fieldsBuilt {
			builder.strategy = IDGenerated
		}
	}
}

// UUIDID marks a string identifier field assigned a random UUID when the
// entity is persisted.
func UUIDID[T any](selector func(*T) *string, options ...FieldOption) EntityOption[T] {
	return func(builder *EntityBuilder[T]) {
		ID(selector, options...)(builder)
		if builder.fieldsBuilt {
			builder.strategy = IDUUID
		}
	}
}

// Version marks the optimistic-concurrency version field. The Session reads
// it before an update flush, hands it to the persister as the expected
// version, and increments it after a successful flush.
func Version[T any, F any](selector func(*T) *F) EntityOption[T] {
	return func(builder *EntityBuilder[T]) {
		if !builder.fieldsBuilt {
			return
		}
		field := builder.fieldAt(offsetOf(selector))
		field.IsVersion = true
		builder.versionName = field.Name
	}
}

// Notify switches the entity to notification-based change tracking. Entities
// of this type must implement ChangeNotifier; the Session rejects instances
// that do not.
func Notify[T any]() EntityOption[T] {
	return func(builder *EntityBuilder[T]) { builder.policy = TrackNotify }
}

// OverrideField applies field options to the field returned by the selector.
func OverrideField[T any, F any](selector func(*T) *F, options ...FieldOption) EntityOption[T] {
	return func(builder *EntityBuilder[T]) {
		if !builder.fieldsBuilt {
			return
		}
		field := builder.fieldAt(offsetOf(selector))
		for _, option := range options {
			option(field)
		}
	}
}

// HasOne declares a single-valued association on a *Target field. The target
// entity name is derived from the field's element type. To-one associations
// are owning and nullable by default.
//
// Example:
//
//	core.HasOne(func(o *Order) **Customer { return &o.Customer },
//		core.WithCascade(core.CascadePersist), core.NotNull())
func HasOne[T any, F any](selector func(*T) *F, options ...AssocOption) EntityOption[T] {
	return func(builder *EntityBuilder[T]) {
		if !builder.fieldsBuilt {
			return
		}
		builder.addAssociation(offsetOf(selector), ToOne, options)
	}
}

// HasMany declares a collection-valued association on a []*Target field.
// To-many associations are inverse (non-owning) by default; declare
// OwningSide() for join-table-owning collections.
func HasMany[T any, F any](selector func(*T) *F, options ...AssocOption) EntityOption[T] {
	return func(builder *EntityBuilder[T]) {
		if !builder.fieldsBuilt {
			return
		}
		builder.addAssociation(offsetOf(selector), ToMany, options)
	}
}

func (builder *EntityBuilder[T]) fieldAt(offset uintptr) *FieldMeta {
	field, ok := builder.fieldsByOffset[offset]
	if !ok {
		panic("core: selector does not resolve to a mapped field")
	}
	return field
}

func (builder *EntityBuilder[T]) addAssociation(offset uintptr, kind AssociationKind, options []AssocOption) {
	field := builder.fieldAt(offset)

	targetType := field.Type
	switch kind {
	case ToOne:
		if targetType.Kind() != reflect.Pointer || targetType.Elem().Kind() != reflect.Struct {
			panic(fmt.Sprintf("core: HasOne field %s must be a pointer to a struct", field.Name))
		}
		targetType = targetType.Elem()
	case ToMany:
		if targetType.Kind() != reflect.Slice || targetType.Elem().Kind() != reflect.Pointer {
			panic(fmt.Sprintf("core: HasMany field %s must be a slice of struct pointers", field.Name))
		}
		targetType = targetType.Elem().Elem()
	}

	assoc := &Association{
		FieldName: field.Name,
		Target:    targetType.Name(),
		Kind:      kind,
		Owning:    kind == ToOne,
	}
	for _, option := range options {
		option(assoc)
	}
	builder.assocList = append(builder.assocList, assoc)
}

// Entity builds the mapping metadata for type T.
//
// Fields are discovered with reflection; column names come from the "db"
// struct tag (falling back to the field name). Options declare identifiers,
// versioning, tracking policy, timestamps, and associations.
//
// Example:
//
//	customerMeta := core.Entity[Customer](
//		core.Table[Customer]("customers"),
//		core.GeneratedID(func(c *Customer) *int64 { return &c.ID }),
//		core.HasMany(func(c *Customer) *[]*Order { return &c.Orders }),
//	)
func Entity[T any](options ...EntityOption[T]) *EntityMeta {
	var zero T
	structType := reflect.TypeOf(zero)
	if structType.Kind() == reflect.Pointer {
		structType = structType.Elem()
	}
	if structType.Kind() != reflect.Struct {
		panic("core: Entity requires a struct type")
	}

	builder := &EntityBuilder[T]{
		name:           structType.Name(),
		structType:     structType,
		fieldsByOffset: make(map[uintptr]*FieldMeta),
	}

	// First pass resolves naming options (Table, TagKey) that must be known
	// before the fields are discovered. Field-level options no-op here and
	// take effect in the second pass, once the field table exists.
	for _, option := range options {
		option(builder)
	}

	tagKey := builder.tagKey
	if tagKey == "" {
		tagKey = "db"
	}
	for _, structField := range reflect.VisibleFields(structType) {
		if !structField.IsExported() || structField.Anonymous {
			continue
		}
		columnName := structField.Tag.Get(tagKey)
		if columnName == "-" {
			continue
		}
		if columnName == "" {
			columnName = structField.Name
		}
		field := &FieldMeta{
			Name:         structField.Name,
			Column:       columnName,
			Type:         structField.Type,
			MemoryOffset: structField.Offset,
		}
		builder.fields = append(builder.fields, field)
		builder.fieldsByOffset[structField.Offset] = field
	}
	builder.fieldsBuilt = true

	for _, option := range options {
		option(builder)
	}

	if len(builder.idFieldList) == 0 {
		panic(fmt.Sprintf("core: entity %s declares no identifier field", builder.name))
	}
	if builder.table == "" {
		builder.table = defaultTableName(builder.name)
	}

	meta := &EntityMeta{
		Name:            builder.name,
		Table:           builder.table,
		IDFieldList:     builder.idFieldList,
		Strategy:        builder.strategy,
		Policy:          builder.policy,
		AssociationList: builder.assocList,
		goType:          structType,
		fieldByName:     make(map[string]*FieldMeta),
		fieldsByOffset:  builder.fieldsByOffset,
		assocByField:    make(map[string]*Association, len(builder.assocList)),
		hookList:        make(map[HookStage][]Hook),
	}
	for _, assoc := range builder.assocList {
		meta.assocByField[assoc.FieldName] = assoc
	}
	for _, field := range builder.fields {
		if meta.assocByField[field.Name] != nil {
			continue // association fields are tracked by reference, not as columns
		}
		meta.Fields = append(meta.Fields, field)
		meta.fieldByName[field.Name] = field
		if field.IsVersion {
			meta.versionField = field
		}
		if field.IsCreatedAt {
			meta.createdAtField = field
		}
		if field.IsUpdatedAt {
			meta.updatedAtField = field
		}
	}
	return meta
}

//endregion
