// Package core provides the fundamental building blocks of the orm unit of work.
package core

import (
	"reflect"
	"strings"
	"time"
	"unsafe"
)

func offsetOf[T any, F any](selector func(*T) *F) uintptr {
	var zero T
	base := uintptr(unsafe.Pointer(&zero))
	ptr := selector(&zero)
	return uintptr(unsafe.Pointer(ptr)) - base
}

func defaultTableName(entityName string) string {
	return strings.ToLower(entityName)
}

// fieldValue reads a struct field by name from an entity pointer. Pointer
// fields are dereferenced; a nil pointer reads as nil.
func fieldValue(entity any, name string) any {
	value := reflect.ValueOf(entity)
	if value.Kind() == reflect.Pointer {
		value = value.Elem()
	}
	field := value.FieldByName(name)
	if !field.IsValid() {
		return nil
	}
	if field.Kind() == reflect.Pointer {
		if field.IsNil() {
			return nil
		}
		return field.Elem().Interface()
	}
	return field.Interface()
}

// rawFieldValue reads a struct field without dereferencing, preserving
// reference identity for association fields.
func rawFieldValue(entity any, name string) any {
	value := reflect.ValueOf(entity)
	if value.Kind() == reflect.Pointer {
		value = value.Elem()
	}
	field := value.FieldByName(name)
	if !field.IsValid() || (field.Kind() == reflect.Pointer && field.IsNil()) {
		return nil
	}
	return field.Interface()
}

// setFieldValue writes a value into a struct field by name, applying the same
// conversion ladder in both directions between values and pointers.
func setFieldValue(entity any, name string, newValue any) bool {
	value := reflect.ValueOf(entity).Elem()
	field := value.FieldByName(name)
	if !field.IsValid() || !field.CanSet() {
		return false
	}

	if newValue == nil {
		if field.Kind() == reflect.Pointer || field.Kind() == reflect.Slice {
			field.Set(reflect.Zero(field.Type()))
			return true
		}
		return false
	}

	rv := reflect.ValueOf(newValue)

	if rv.Type().AssignableTo(field.Type()) {
		field.Set(rv)
		return true
	}
	if field.Kind() == reflect.Pointer && rv.Type().AssignableTo(field.Type().Elem()) {
		ptr := reflect.New(field.Type().Elem())
		ptr.Elem().Set(rv)
		field.Set(ptr)
		return true
	}
	if rv.Kind() == reflect.Pointer && !rv.IsNil() && rv.Type().Elem().AssignableTo(field.Type()) {
		field.Set(rv.Elem())
		return true
	}
	if rv.Type().ConvertibleTo(field.Type()) {
		field.Set(rv.Convert(field.Type()))
		return true
	}
	if field.Kind() == reflect.Pointer && rv.Type().ConvertibleTo(field.Type().Elem()) {
		ptr := reflect.New(field.Type().Elem())
		ptr.Elem().Set(rv.Convert(field.Type().Elem()))
		field.Set(ptr)
		return true
	}
	return false
}

// applyRow writes a column-keyed row onto an entity, matching columns to
// fields through the metadata. Used by Refresh.
func applyRow(meta *EntityMeta, row map[string]any, entity any) {
	for _, field := range meta.Fields {
		columnValue, ok := row[field.Column]
		if !ok {
			continue
		}
		setFieldValue(entity, field.Name, columnValue)
	}
}

// looseEqual compares two snapshot values structurally: nil against nil,
// values against dereferenced pointers, and numerics across compatible types.
// It never compares by reference identity; association fields are compared
// separately, by identity.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	av, bv := reflect.ValueOf(a), reflect.ValueOf(b)
	for av.Kind() == reflect.Pointer && !av.IsNil() {
		av = av.Elem()
	}
	for bv.Kind() == reflect.Pointer && !bv.IsNil() {
		bv = bv.Elem()
	}
	if av.Type() == bv.Type() {
		return reflect.DeepEqual(av.Interface(), bv.Interface())
	}
	if isNumericKind(av.Kind()) && isNumericKind(bv.Kind()) {
		return numericAsFloat(av) == numericAsFloat(bv)
	}
	return false
}

func isNumericKind(kind reflect.Kind) bool {
	switch kind {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

func numericAsFloat(value reflect.Value) float64 {
	switch value.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(value.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(value.Uint())
	default:
		return value.Float()
	}
}

func isZeroValue(value any) bool {
	if value == nil {
		return true
	}
	return reflect.ValueOf(value).IsZero()
}

func setTimeField(field reflect.Value, t time.Time) {
	if !field.IsValid() || !field.CanSet() {
		return
	}
	timeType := reflect.TypeOf(time.Time{})

	switch field.Kind() {
	case reflect.Struct:
		if field.Type() == timeType {
			field.Set(reflect.ValueOf(t))
		}
	case reflect.Pointer:
		if field.Type().Elem() == timeType {
			if field.IsNil() {
				ptr := reflect.New(timeType)
				ptr.Elem().Set(reflect.ValueOf(t))
				field.Set(ptr)
			} else {
				field.Elem().Set(reflect.ValueOf(t))
			}
		}
	}
}

func stampTime(entity any, field *FieldMeta, now time.Time) {
	if field == nil {
		return
	}
	value := reflect.ValueOf(entity).Elem().FieldByName(field.Name)
	setTimeField(value, now)
}

// associationTargets reads the referenced entities of one association as a
// flat slice: zero or one element for a to-one reference, the collection
// elements for a to-many. A nil slice element is returned as a nil entry so
// validation can report it.
func associationTargets(entity any, assoc *Association) []any {
	value := reflect.ValueOf(entity)
	if value.Kind() == reflect.Pointer {
		value = value.Elem()
	}
	field := value.FieldByName(assoc.FieldName)
	if !field.IsValid() {
		return nil
	}
	switch assoc.Kind {
	case ToOne:
		if field.IsNil() {
			return nil
		}
		return []any{field.Interface()}
	case ToMany:
		if field.Kind() != reflect.Slice || field.IsNil() {
			return nil
		}
		targetList := make([]any, 0, field.Len())
		for i := 0; i < field.Len(); i++ {
			element := field.Index(i)
			if element.Kind() == reflect.Pointer && element.IsNil() {
				targetList = append(targetList, nil)
				continue
			}
			targetList = append(targetList, element.Interface())
		}
		return targetList
	}
	return nil
}

// setAssociationTargets writes referenced entities back onto an association
// field, the inverse of associationTargets.
func setAssociationTargets(entity any, assoc *Association, targetList []any) {
	value := reflect.ValueOf(entity).Elem()
	field := value.FieldByName(assoc.FieldName)
	if !field.IsValid() || !field.CanSet() {
		return
	}
	switch assoc.Kind {
	case ToOne:
		if len(targetList) == 0 || targetList[0] == nil {
			field.Set(reflect.Zero(field.Type()))
			return
		}
		target := reflect.ValueOf(targetList[0])
		if target.Type().AssignableTo(field.Type()) {
			field.Set(target)
		}
	case ToMany:
		slice := reflect.MakeSlice(field.Type(), 0, len(targetList))
		for _, target := range targetList {
			if target == nil {
				continue
			}
			element := reflect.ValueOf(target)
			if element.Type().AssignableTo(field.Type().Elem()) {
				slice = reflect.Append(slice, element)
			}
		}
		field.Set(slice)
	}
}

// newInstanceOf allocates a fresh zero entity of the mapped type.
func newInstanceOf(meta *EntityMeta) any {
	return reflect.New(meta.goType).Interface()
}

// joinPath builds the dotted association path used in cascade errors. The
// root entity name anchors the path only once.
func joinPath(base, entityName, fieldName string) string {
	if base == "" {
		return entityName + "." + fieldName
	}
	return base + "." + fieldName
}

func removeFromOrder(order []handle, h handle) []handle {
	for i, candidate := range order {
		if candidate == h {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

func filterOrder(order []handle, scope map[handle]struct{}) []handle {
	filtered := make([]handle, 0, len(order))
	for _, h := range order {
		if _, ok := scope[h]; ok {
			filtered = append(filtered, h)
		}
	}
	return filtered
}

func reverseOrder(order []handle) {
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
}

// EntityValues collects the current values of every persistent scalar field,
// in metadata order. Pointer fields read as their pointees, nil pointers as
// nil. Drivers use it to bind insert parameters.
func EntityValues(meta *EntityMeta, entity any) []any {
	valueList := make([]any, 0, len(meta.Fields))
	for _, field := range meta.Fields {
		valueList = append(valueList, fieldValue(entity, field.Name))
	}
	return valueList
}

// FieldValue reads one scalar field of an entity by Go field name. Pointer
// fields read as their pointees, nil pointers as nil.
func FieldValue(entity any, name string) any {
	return fieldValue(entity, name)
}

// AssociationTarget reads the single referenced entity of a to-one
// association, or nil. Drivers use it to resolve foreign-key values.
func AssociationTarget(entity any, assoc *Association) any {
	if assoc.Kind != ToOne {
		return nil
	}
	targetList := associationTargets(entity, assoc)
	if len(targetList) == 0 {
		return nil
	}
	return targetList[0]
}
