// Package core provides the fundamental building blocks of the orm unit of work.
// This file defines change detection: field snapshots, change sets, and the
// notification capability for entities tracked with TrackNotify.
package core

import "reflect"

// FieldChange is the (old, new) value pair of one changed field.
type FieldChange struct {
	Old any
	New any
}

// ChangeSet maps changed field names to their old and new values for one
// entity, computed per commit. An empty change set issues no write.
type ChangeSet map[string]FieldChange

// ChangeListener receives synchronous field-mutation callbacks from entities
// tracked with TrackNotify. The Session implements it.
type ChangeListener interface {
	EntityFieldChanged(entity any, field string, oldValue, newValue any)
}

// ChangeNotifier is the capability interface entities must implement to use
// notification-based change tracking. The entity is expected to invoke the
// attached listener on every field mutation:
//
//	func (p *Product) SetPrice(price float64) {
//		if p.listener != nil {
//			p.listener.EntityFieldChanged(p, "Price", p.Price, price)
//		}
//		p.Price = price
//	}
type ChangeNotifier interface {
	AttachChangeListener(listener ChangeListener)
}

// takeSnapshot captures the entity's current persistent state: scalar fields
// by value, owning to-one associations by reference, and owning to-many
// associations as a copy of the element references.
func takeSnapshot(meta *EntityMeta, entity any) map[string]any {
	snapshot := make(map[string]any, len(meta.Fields)+len(meta.AssociationList))
	for _, field := range meta.Fields {
		snapshot[field.Name] = fieldValue(entity, field.Name)
	}
	for _, assoc := range meta.AssociationList {
		if !assoc.Owning {
			continue
		}
		switch assoc.Kind {
		case ToOne:
			snapshot[assoc.FieldName] = rawFieldValue(entity, assoc.FieldName)
		case ToMany:
			snapshot[assoc.FieldName] = collectionElements(entity, assoc.FieldName)
		}
	}
	return snapshot
}

// computeChangeSet diffs the entity's current state against a snapshot.
// Scalar fields compare structurally; association fields compare by reference
// identity (to-one) or by collection membership (to-many). Inverse-side
// associations never contribute: adding to a mapped collection dirties the
// owning entity, not the holder of the collection.
func computeChangeSet(meta *EntityMeta, entity any, snapshot map[string]any) ChangeSet {
	changes := make(ChangeSet)
	for _, field := range meta.Fields {
		current := fieldValue(entity, field.Name)
		previous := snapshot[field.Name]
		if !looseEqual(previous, current) {
			changes[field.Name] = FieldChange{Old: previous, New: current}
		}
	}
	for _, assoc := range meta.AssociationList {
		if !assoc.Owning {
			continue
		}
		switch assoc.Kind {
		case ToOne:
			current := rawFieldValue(entity, assoc.FieldName)
			previous := snapshot[assoc.FieldName]
			if current != previous {
				changes[assoc.FieldName] = FieldChange{Old: previous, New: current}
			}
		case ToMany:
			current := collectionElements(entity, assoc.FieldName)
			previous, _ := snapshot[assoc.FieldName].([]any)
			if !sameMembership(previous, current) {
				changes[assoc.FieldName] = FieldChange{Old: previous, New: current}
			}
		}
	}
	return changes
}

// collectionElements reads a to-many field as a flat slice of element
// references.
func collectionElements(entity any, fieldName string) []any {
	value := reflect.ValueOf(entity)
	if value.Kind() == reflect.Pointer {
		value = value.Elem()
	}
	field := value.FieldByName(fieldName)
	if !field.IsValid() || field.Kind() != reflect.Slice || field.IsNil() {
		return nil
	}
	elementList := make([]any, 0, field.Len())
	for i := 0; i < field.Len(); i++ {
		elementList = append(elementList, field.Index(i).Interface())
	}
	return elementList
}

// sameMembership compares two reference collections as sets keyed by
// identity. Reordering a collection is not a change; adding or removing an
// element is.
func sameMembership(a, b []any) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[any]int, len(a))
	for _, element := range a {
		seen[element]++
	}
	for _, element := range b {
		if seen[element] == 0 {
			return false
		}
		seen[element]--
	}
	return true
}
