package document

import (
	log "github.com/go-pkgz/lgr"
)

// legacyKeys lists keys written by older clients with their canonical names, applied in this order
var legacyKeys = []struct{ legacy, canonical string }{
	{"searchState", KeyJobSearch},
	{"searchData", KeyJobSearch},
	{"prefs", KeySettings},
}

func isLegacy(key string) bool {
	for _, lk := range legacyKeys {
		if lk.legacy == key {
			return true
		}
	}
	return false
}

// Normalize maps a stored document, possibly nil or written by an older version, to the canonical shape.
// Every canonical container is present and is an object, missing nested values get defaults, values present
// in raw are kept and unknown keys are preserved. Normalize never modifies raw and is idempotent.
func Normalize(raw Document) Document {
	res := Defaults()
	if raw == nil {
		return res
	}

	src := migrateLegacy(raw)
	for k, v := range src {
		switch {
		case k == KeyLastUsed:
			res[k] = lastUsedValue(v)
		case IsContainer(k):
			obj, ok := v.(map[string]any)
			if !ok {
				if v != nil {
					log.Printf("[WARN] container %q has unexpected type %T, reset to defaults", k, v)
				}
				continue
			}
			res[k] = fillDefaults(obj, res.Object(k))
		default:
			res[k] = cloneValue(v)
		}
	}
	return res
}

// migrateLegacy returns a shallow copy of raw with legacy keys folded into canonical ones.
// A canonical key present in raw wins over the legacy one on conflicting fields.
func migrateLegacy(raw Document) Document {
	res := make(Document, len(raw))
	for k, v := range raw {
		if !isLegacy(k) {
			res[k] = v
		}
	}
	for _, lk := range legacyKeys {
		old, ok := raw[lk.legacy].(map[string]any)
		if !ok {
			continue
		}
		cur, ok := res[lk.canonical].(map[string]any)
		if !ok {
			res[lk.canonical] = old
			continue
		}
		res[lk.canonical] = mergeObjects(old, cur)
	}
	return res
}

// fillDefaults returns a copy of obj with missing or null fields taken from defaults.
// Nested default objects stay objects, a scalar stored in their place is replaced.
func fillDefaults(obj, defaults map[string]any) map[string]any {
	res := cloneMap(obj)
	for k, def := range defaults {
		cur, found := res[k]
		if !found || cur == nil {
			res[k] = cloneValue(def)
			continue
		}
		defObj, isObj := def.(map[string]any)
		if !isObj {
			continue
		}
		curObj, ok := cur.(map[string]any)
		if !ok {
			res[k] = cloneValue(def)
			continue
		}
		res[k] = fillDefaults(curObj, defObj)
	}
	return res
}
