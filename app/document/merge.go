package document

import (
	"github.com/google/go-cmp/cmp"
)

// Merge returns base updated with incoming. Objects are merged recursively, keys absent from incoming are kept,
// scalars and arrays from incoming replace base values as a whole. Canonical containers can't be removed or
// replaced by a non-object value, such incoming values are ignored. Neither argument is modified.
func Merge(base, incoming Document) Document {
	res := Document(cloneMap(base))
	if res == nil {
		res = Document{}
	}
	for k, v := range incoming {
		if IsContainer(k) {
			inObj, ok := v.(map[string]any)
			if !ok {
				continue
			}
			if cur, ok := res[k].(map[string]any); ok {
				res[k] = mergeObjects(cur, inObj)
				continue
			}
			res[k] = cloneMap(inObj)
			continue
		}
		res[k] = mergeValue(res[k], v)
	}
	return res
}

func mergeObjects(base, incoming map[string]any) map[string]any {
	res := cloneMap(base)
	if res == nil {
		res = map[string]any{}
	}
	for k, v := range incoming {
		res[k] = mergeValue(res[k], v)
	}
	return res
}

func mergeValue(base, incoming any) any {
	baseObj, ok := base.(map[string]any)
	if !ok {
		return cloneValue(incoming)
	}
	inObj, ok := incoming.(map[string]any)
	if !ok {
		return cloneValue(incoming)
	}
	return mergeObjects(baseObj, inObj)
}

// HasChanged reports whether two documents differ structurally
func HasChanged(before, after Document) bool {
	return !cmp.Equal(map[string]any(before), map[string]any(after))
}

// Diff returns a human-readable difference between two documents, empty if equal
func Diff(before, after Document) string {
	return cmp.Diff(map[string]any(before), map[string]any(after))
}
