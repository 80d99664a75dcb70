/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package pytree handles the loosely structured tree of parameters found in a
// checkpoint ("pytree" is what JAX/Flax calls it): arbitrarily nested mappings,
// ordered sequences and numeric leaves, with no fixed schema.
//
// The package provides two things:
//
//   - Sanitize, the adapter boundary that converts whatever a loader or restorer
//     produced (framework array types, typed numeric slices, half-precision
//     values) into a plain tree of `map[string]any`, `[]any`, `float64`, `bool`
//     and `string`. Everything past the loader only ever sees plain trees.
//   - Checked navigation and coercion helpers (Map, List, Vector, Matrix) used
//     to probe the tree and extract tensor-like leaves as plain Go slices.
package pytree

import (
	"encoding/json"
	"reflect"

	"github.com/gomlx/rtconvert/support/xslices"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Node is an arbitrarily nested checkpoint structure. After Sanitize it holds
// only `map[string]any`, `[]any`, `float64`, `bool`, `string` or nil.
type Node = any

// Lister is implemented by framework-native array values that know how to
// expand themselves into plain nested sequences -- the equivalent of a numpy
// `tolist()`. Restorers may return values implementing it; Sanitize consumes it.
type Lister interface {
	ToList() any
}

// Sanitize recursively converts node into a plain tree: mappings become
// map[string]any, sequences (including typed numeric slices) become []any, and
// numeric leaves of any width become float64. Values implementing Lister are
// expanded first. Unknown leaf types are kept as-is and will be reported by the
// coercion helpers when reached.
func Sanitize(node any) Node {
	switch value := node.(type) {
	case nil:
		return nil
	case Lister:
		return Sanitize(value.ToList())
	case map[string]any:
		sanitized := make(map[string]any, len(value))
		for key, sub := range value {
			sanitized[key] = Sanitize(sub)
		}
		return sanitized
	case []any:
		return xslices.Map(value, Sanitize)
	case []float64:
		return anyNumbers(value)
	case []float32:
		return anyNumbers(value)
	case []int:
		return anyNumbers(value)
	case []int32:
		return anyNumbers(value)
	case []int64:
		return anyNumbers(value)
	case []float16.Float16:
		return xslices.Map(value, func(v float16.Float16) any { return float64(v.Float32()) })
	case float64:
		return value
	case float32:
		return float64(value)
	case int:
		return float64(value)
	case int8:
		return float64(value)
	case int16:
		return float64(value)
	case int32:
		return float64(value)
	case int64:
		return float64(value)
	case uint8:
		return float64(value)
	case uint16:
		return float64(value)
	case uint32:
		return float64(value)
	case uint64:
		return float64(value)
	case float16.Float16:
		return float64(value.Float32())
	case json.Number:
		f, err := value.Float64()
		if err != nil {
			return string(value)
		}
		return f
	case bool, string:
		return value
	}
	return sanitizeReflect(node)
}

// anyNumbers converts a typed numeric slice to a `[]any` of float64.
func anyNumbers[T interface {
	~float32 | ~float64 | ~int | ~int32 | ~int64
}](values []T) []any {
	return xslices.Map(values, func(v T) any { return float64(v) })
}

// sanitizeReflect covers slice and map kinds not matched by the concrete cases
// in Sanitize, e.g. `[][]float32` or `map[string]float64` handed back by a
// restorer.
func sanitizeReflect(node any) Node {
	v := reflect.ValueOf(node)
	switch v.Kind() {
	case reflect.Slice, reflect.Array:
		sanitized := make([]any, v.Len())
		for ii := range sanitized {
			sanitized[ii] = Sanitize(v.Index(ii).Interface())
		}
		return sanitized
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return node
		}
		sanitized := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			sanitized[iter.Key().String()] = Sanitize(iter.Value().Interface())
		}
		return sanitized
	case reflect.Float32, reflect.Float64,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Convert(reflect.TypeOf(float64(0))).Float()
	}
	return node
}

// Map returns node as a mapping, if it is one.
func Map(node Node) (map[string]any, bool) {
	m, ok := node.(map[string]any)
	return m, ok
}

// List returns node as an ordered sequence, if it is one.
func List(node Node) ([]any, bool) {
	l, ok := node.([]any)
	return l, ok
}

// Vector coerces a 1D tensor-like node into a []float64.
func Vector(node Node) ([]float64, error) {
	if values, ok := node.([]float64); ok {
		return values, nil
	}
	list, ok := List(node)
	if !ok {
		return nil, errors.Errorf("expected a 1D numeric sequence, got %T", node)
	}
	values := make([]float64, len(list))
	for ii, element := range list {
		value, ok := element.(float64)
		if !ok {
			return nil, errors.Errorf("expected a number at position %d of 1D sequence, got %T", ii, element)
		}
		values[ii] = value
	}
	return values, nil
}

// Matrix coerces a 2D tensor-like node into a [][]float64. All rows must have
// the same length. An empty sequence yields an empty matrix with no rows.
func Matrix(node Node) ([][]float64, error) {
	list, ok := List(node)
	if !ok {
		return nil, errors.Errorf("expected a 2D numeric sequence, got %T", node)
	}
	rows := make([][]float64, len(list))
	for ii, element := range list {
		row, err := Vector(element)
		if err != nil {
			return nil, errors.WithMessagef(err, "row %d of 2D sequence", ii)
		}
		if ii > 0 && len(row) != len(rows[0]) {
			return nil, errors.Errorf("ragged 2D sequence: row %d has %d elements, row 0 has %d",
				ii, len(row), len(rows[0]))
		}
		rows[ii] = row
	}
	return rows, nil
}
