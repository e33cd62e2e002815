// Package document defines the per-user preferences document and the pure functions working on it:
// normalization of stored (possibly absent or legacy) documents into the canonical shape, deep merge
// of partial updates and structural change detection.
//
// Documents are plain JSON objects. All numbers are kept as float64, the same way encoding/json decodes
// them, so a document read from disk and a document built in memory compare equal when they hold the same data.
package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// top-level keys of the canonical document
const (
	KeyJobSearch = "jobSearchData"
	KeyUsage     = "usage"
	KeyPlan      = "plan"
	KeySettings  = "settings"
	KeyLastUsed  = "lastUsed"
)

// ErrNotObject returned by Parse when the JSON value is not an object
var ErrNotObject = errors.New("document is not a json object")

// Document is a JSON object holding user preferences
type Document map[string]any

// defaultsJSON is the canonical shape, every container listed here is always present after Normalize
const defaultsJSON = `{
	"jobSearchData": {
		"keywords": [],
		"locations": [],
		"remote": false,
		"savedJobs": [],
		"appliedJobs": [],
		"filters": {}
	},
	"usage": {
		"searches": 0,
		"cvGenerations": 0,
		"coverLetters": 0,
		"periodStart": ""
	},
	"plan": {
		"tier": "free",
		"limits": {},
		"remaining": {},
		"renewsAt": ""
	},
	"settings": {
		"language": "en",
		"theme": "auto",
		"notifications": {"email": true, "digest": "weekly"}
	},
	"lastUsed": 0
}`

var containerKeys = map[string]bool{KeyJobSearch: true, KeyUsage: true, KeyPlan: true, KeySettings: true}

// IsContainer reports whether key is one of the canonical top-level containers
func IsContainer(key string) bool {
	return containerKeys[key]
}

// Defaults returns a fresh document with all default values
func Defaults() Document {
	doc, err := Parse([]byte(defaultsJSON))
	if err != nil {
		panic(fmt.Sprintf("invalid defaults document: %v", err))
	}
	return doc
}

// Parse decodes JSON data into a Document. A JSON null gives a nil Document and no error.
func Parse(data []byte) (Document, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("can't decode document: %w", err)
	}
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotObject, v)
	}
	return Document(obj), nil
}

// Clone returns a deep copy of the document
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return Document(cloneMap(d))
}

// Object returns the nested object stored under key, nil if absent or not an object
func (d Document) Object(key string) map[string]any {
	obj, _ := d[key].(map[string]any)
	return obj
}

// LastUsed returns lastUsed as unix milliseconds, 0 if not set
func (d Document) LastUsed() int64 {
	n, _ := Number(d[KeyLastUsed])
	return int64(n)
}

// Number converts a JSON-ish numeric value to float64
func Number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// lastUsedValue converts stored lastUsed values, including legacy RFC3339 strings, to unix milliseconds
func lastUsedValue(v any) float64 {
	if n, ok := Number(v); ok && !math.IsNaN(n) && n > 0 {
		return math.Trunc(n)
	}
	if s, ok := v.(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return float64(ts.UnixMilli())
		}
	}
	return 0
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	res := make(map[string]any, len(src))
	for k, v := range src {
		res[k] = cloneValue(v)
	}
	return res
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case Document:
		return cloneMap(val)
	case []any:
		res := make([]any, len(val))
		for i, item := range val {
			res[i] = cloneValue(item)
		}
		return res
	}
	return v
}
