package util

import "reflect"

// cycleContext holds state for a single DeepCopy operation to handle cycles.
// It maps the memory address of an original map or slice to its new copy.
type cycleContext map[uintptr]interface{}

// DeepCopy creates a deep copy of a variable value. Values flowing through
// the engine come from YAML decoding and module results, so the copier is
// specialized for maps, slices, and primitives. It is safe for cyclic data.
func DeepCopy(src interface{}) interface{} {
	if src == nil {
		return nil
	}
	ctx := make(cycleContext)
	return deepCopyRecursive(src, ctx)
}

// DeepCopyStringMap deep-copies a string-keyed map, the shape of every
// variable layer. Returns a non-nil map for nil input.
func DeepCopyStringMap(src map[string]interface{}) map[string]interface{} {
	cpy := make(map[string]interface{}, len(src))
	for k, v := range src {
		cpy[k] = DeepCopy(v)
	}
	return cpy
}

func deepCopyRecursive(src interface{}, ctx cycleContext) interface{} {
	if src == nil {
		return nil
	}

	switch v := src.(type) {
	case map[string]interface{}:
		addr := reflect.ValueOf(v).Pointer()
		if cpy, exists := ctx[addr]; exists {
			return cpy
		}
		// Register the copy before recursing so cycles resolve to it.
		cpy := make(map[string]interface{}, len(v))
		ctx[addr] = cpy
		for key, value := range v {
			cpy[key] = deepCopyRecursive(value, ctx)
		}
		return cpy

	case map[interface{}]interface{}:
		addr := reflect.ValueOf(v).Pointer()
		if cpy, exists := ctx[addr]; exists {
			return cpy
		}
		cpy := make(map[interface{}]interface{}, len(v))
		ctx[addr] = cpy
		for key, value := range v {
			cpy[key] = deepCopyRecursive(value, ctx)
		}
		return cpy

	case []interface{}:
		addr := reflect.ValueOf(v).Pointer()
		if cpy, exists := ctx[addr]; exists {
			return cpy
		}
		cpy := make([]interface{}, len(v), cap(v))
		ctx[addr] = cpy
		for i, value := range v {
			cpy[i] = deepCopyRecursive(value, ctx)
		}
		return cpy

	case []string:
		cpy := make([]string, len(v))
		copy(cpy, v)
		return cpy

	case map[string]string:
		cpy := make(map[string]string, len(v))
		for key, value := range v {
			cpy[key] = value
		}
		return cpy

	default:
		// Primitives and other value types are returned as-is. Struct values
		// never enter the variable system; module results are plain maps.
		return v
	}
}
