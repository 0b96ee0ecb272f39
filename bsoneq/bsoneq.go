// Package bsoneq implements equality predicates for decoded BSON values, built for
// validating aggregation results in integration tests. Documents are compared over their
// full field set with the _id field exempted, and arrays and result sets can be compared
// as unordered multisets. All predicates are pure: mismatched shapes and mismatched
// values both yield false, never an error, and caller-owned values are never mutated.
package bsoneq

import (
	"math"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/exp/slices"

	"github.com/iwysiu/aggverify/internal"
)

// DocIDKey is the reserved identifier field name assigned by the server.
const DocIDKey = "_id"

// IgnoredKey is the field name DocumentEq exempts from comparison. It defaults to
// DocIDKey; suites that key their fixtures on a different generated field may override it.
var IgnoredKey = DocIDKey

// Comparator is a caller-supplied equality predicate for scalar values. When passed to
// AnyEq, DocumentEq, or ArrayEq it replaces built-in scalar equality at every scalar leaf
// reached during the comparison. It is never consulted for shape dispatch: whether a value
// is treated as an array, a document, or a scalar is always structural.
type Comparator func(a, b interface{}) bool

// Logger receives diagnostic output describing the first mismatch found during a
// comparison. *testing.T satisfies it. A nil Logger disables diagnostics; output never
// affects the result of a predicate.
type Logger interface {
	Logf(format string, args ...interface{})
}

func logf(log Logger, format string, args ...interface{}) {
	if log != nil {
		log.Logf(format, args...)
	}
}

// AnyEq reports whether a and b are equal, dispatching on the runtime shape of a.
// Arrays are compared with ArrayEq, documents with DocumentEq, and scalars with cmp if it
// is non-nil or built-in scalar equality otherwise. A document is never equal to an
// array, even when both are empty.
func AnyEq(a, b interface{}, log Logger, cmp Comparator) bool {
	if _, ok := sequenceOf(a); ok {
		return ArrayEq(a, b, log, cmp)
	}
	if _, ok := documentOf(a); ok {
		if _, ok := sequenceOf(b); ok {
			logf(log, "bsoneq: document %v compared against array %v", a, b)
			return false
		}
		return DocumentEq(a, b, log, cmp)
	}
	if cmp != nil {
		return cmp(a, b)
	}
	if !scalarEq(a, b) {
		logf(log, "bsoneq: scalar values %v and %v differ", a, b)
		return false
	}
	return true
}

// DocumentEq reports whether documents a and b have the same field set and recursively
// equal values for every field, using cmp for scalar leaves when non-nil. The IgnoredKey
// field is special-cased: its value is never compared, and it may appear on the right side
// only. If either input is not a document the result is false. Field order is irrelevant.
func DocumentEq(a, b interface{}, log Logger, cmp Comparator) bool {
	am, ok := documentOf(a)
	if !ok {
		logf(log, "bsoneq: left value %v (%T) is not a document", a, a)
		return false
	}
	if _, ok := sequenceOf(b); ok {
		logf(log, "bsoneq: document %v compared against array %v", a, b)
		return false
	}
	bm, ok := documentOf(b)
	if !ok {
		logf(log, "bsoneq: right value %v (%T) is not a document", b, b)
		return false
	}

	for k, av := range am {
		bv, ok := bm[k]
		if !ok {
			logf(log, "bsoneq: field %q is missing from the right document; left keys %v, right keys %v",
				k, docKeys(am), docKeys(bm))
			return false
		}
		if k == IgnoredKey {
			// the identifier carries no information about the result itself
			continue
		}
		if !AnyEq(av, bv, log, cmp) {
			logf(log, "bsoneq: field %q differs: %v != %v", k, av, bv)
			return false
		}
	}

	// reject extra fields on the right, except the identifier
	for k := range bm {
		if k == IgnoredKey {
			continue
		}
		if _, ok := am[k]; !ok {
			logf(log, "bsoneq: right document has extra field %q; left keys %v, right keys %v",
				k, docKeys(am), docKeys(bm))
			return false
		}
	}
	return true
}

// ArrayEq reports whether arrays a and b are equal as unordered multisets: both must have
// the same length and there must be a pairing of left elements to distinct right elements
// such that each pair satisfies AnyEq with cmp. If either input is not an array the result
// is false.
//
// Matching is greedy first-fit: each left element consumes the first unconsumed right
// element equal to it, with no backtracking. When element equality is exact this always
// finds a pairing if one exists; a comparator under which distinct right elements are
// interchangeable for some left elements but not others can in principle make first-fit
// miss a pairing a different order would find. That approximation is accepted here.
// Worst case is O(n^2) recursive comparisons.
func ArrayEq(a, b interface{}, log Logger, cmp Comparator) bool {
	al, ok := sequenceOf(a)
	if !ok {
		logf(log, "bsoneq: left value %v (%T) is not an array", a, a)
		return false
	}
	bl, ok := sequenceOf(b)
	if !ok {
		logf(log, "bsoneq: right value %v (%T) is not an array", b, b)
		return false
	}
	if len(al) != len(bl) {
		logf(log, "bsoneq: array lengths differ: %d != %d", len(al), len(bl))
		return false
	}

	consumed := make([]bool, len(bl))
outer:
	for _, av := range al {
		for i, bv := range bl {
			if consumed[i] {
				continue
			}
			if AnyEq(av, bv, nil, cmp) {
				consumed[i] = true
				continue outer
			}
		}
		logf(log, "bsoneq: no unconsumed element of %v equals %v", bl, av)
		return false
	}
	return true
}

// ResultsEq reports whether two result sets are equal as unordered multisets of
// documents, with _id values ignored per DocumentEq. Each right-side document satisfies
// at most one left-side document. Unlike ArrayEq there is no comparator parameter; result
// sets always compare with built-in scalar equality. Both inputs are shallow-copied, so
// caller-owned slices are never mutated. The same greedy first-fit caveat as ArrayEq
// applies.
func ResultsEq(a, b interface{}, log Logger) bool {
	al, ok := sequenceOf(a)
	if !ok {
		logf(log, "bsoneq: left value %v (%T) is not a result set", a, a)
		return false
	}
	bl, ok := sequenceOf(b)
	if !ok {
		logf(log, "bsoneq: right value %v (%T) is not a result set", b, b)
		return false
	}
	if len(al) != len(bl) {
		logf(log, "bsoneq: result set sizes differ: %d != %d", len(al), len(bl))
		return false
	}

	// remaining is the pool of right-side documents not yet matched. Matched documents
	// are removed from it rather than flagged, so the final length doubles as a
	// consistency check on the matching loop itself.
	remaining := append(internal.GetDocSlice(), bl...)
	defer internal.PutDocSlice(remaining)

	for _, av := range al {
		found := -1
		for i, bv := range remaining {
			if AnyEq(av, bv, nil, nil) {
				found = i
				break
			}
		}
		if found < 0 {
			logf(log, "bsoneq: no unmatched document equals %v; remaining: %v", av, remaining)
			return false
		}
		remaining = slices.Delete(remaining, found, found+1)
	}
	if len(remaining) != 0 {
		// lengths were equal and every left document matched, so anything left over
		// means the matching loop itself is broken
		panic("bsoneq: result set match left unconsumed documents")
	}
	return true
}

// OrderedArrayEq reports whether arrays a and b are equal position by position, with no
// reordering tolerance and built-in scalar equality. If either input is not an array the
// result is false.
func OrderedArrayEq(a, b interface{}, log Logger) bool {
	al, ok := sequenceOf(a)
	if !ok {
		logf(log, "bsoneq: left value %v (%T) is not an array", a, a)
		return false
	}
	bl, ok := sequenceOf(b)
	if !ok {
		logf(log, "bsoneq: right value %v (%T) is not an array", b, b)
		return false
	}
	if len(al) != len(bl) {
		logf(log, "bsoneq: array lengths differ: %d != %d", len(al), len(bl))
		return false
	}
	for i := range al {
		if !AnyEq(al[i], bl[i], log, nil) {
			logf(log, "bsoneq: elements at index %d differ: %v != %v", i, al[i], bl[i])
			return false
		}
	}
	return true
}

// sequenceOf returns v as a []interface{} if it has an array shape.
func sequenceOf(v interface{}) ([]interface{}, bool) {
	switch s := v.(type) {
	case bson.A:
		return []interface{}(s), true
	case []interface{}:
		return s, true
	case []bson.D:
		out := make([]interface{}, len(s))
		for i, d := range s {
			out[i] = d
		}
		return out, true
	}
	return nil, false
}

// documentOf returns v's fields as a map if it has a document shape. bson.D may carry
// duplicate keys; as with bson.D.Map, the last occurrence wins.
func documentOf(v interface{}) (map[string]interface{}, bool) {
	switch d := v.(type) {
	case bson.D:
		m := make(map[string]interface{}, len(d))
		for _, e := range d {
			m[e.Key] = e.Value
		}
		return m, true
	case bson.M:
		return map[string]interface{}(d), true
	case map[string]interface{}:
		return d, true
	case bson.Raw:
		var doc bson.D
		if err := bson.Unmarshal(d, &doc); err != nil {
			return nil, false
		}
		return documentOf(doc)
	}
	return nil, false
}

func docKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// scalarEq is built-in scalar equality. BSON splits numbers the original documents agree
// on into int32, int64, and double during decoding, so numeric values compare by value
// across those types. Integer pairs compare in the integer domain; only mixed
// integer/double pairs go through floating point, and then only when the double is an
// exact integer in int64 range, so distinct int64 values above 2^53 never collapse into
// the same double. Everything else compares by deep value equality, which also covers
// non-comparable scalars such as primitive.Binary.
func scalarEq(a, b interface{}) bool {
	ai, aInt := intOf(a)
	bi, bInt := intOf(b)
	af, aFloat := a.(float64)
	bf, bFloat := b.(float64)
	switch {
	case aInt && bInt:
		return ai == bi
	case aInt && bFloat:
		return floatEqInt(bf, ai)
	case aFloat && bInt:
		return floatEqInt(af, bi)
	}
	return reflect.DeepEqual(a, b)
}

func intOf(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	}
	return 0, false
}

// floatEqInt reports whether f and i represent the same number. f must be an exact
// integer inside int64 range for the conversion to be lossless.
func floatEqInt(f float64, i int64) bool {
	if f != math.Trunc(f) || f < -(1<<63) || f >= 1<<63 {
		return false
	}
	return int64(f) == i
}
