// Package store defines the local document store consumed by the sync engine:
// an opaque document model keyed by client-generated UUIDs, a small selector
// language for live queries, and an in-memory implementation with optional
// write-through persistence to SQLite.
package store

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Document is an opaque local record. The primary identifier is the "uuid"
// field (stable, client-generated); "id" is the external numeric identifier
// assigned by the remote system and is absent until the document has synced.
type Document map[string]any

// NewDocument wraps fields as a Document, assigning a fresh UUID when the
// input has none.
func NewDocument(fields map[string]any) Document {
	doc := Document{}
	for k, v := range fields {
		doc[k] = v
	}
	if doc.UUID() == "" {
		doc["uuid"] = uuid.NewString()
	}
	return doc
}

// UUID returns the primary identifier, or "" if unset.
func (d Document) UUID() string {
	if s, ok := d["uuid"].(string); ok {
		return s
	}
	return ""
}

// RemoteID returns the external numeric identifier and whether it is present.
// JSON decoding yields float64 for numbers, so several numeric shapes are
// accepted.
func (d Document) RemoteID() (int64, bool) {
	return toInt64(d["id"])
}

// DateModifiedGMT returns the document's remote modification timestamp, or ""
// if unset.
func (d Document) DateModifiedGMT() string {
	if s, ok := d["date_modified_gmt"].(string); ok {
		return s
	}
	return ""
}

// Clone returns a shallow copy of the document's top-level fields.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Merge overlays fields from other onto a copy of d. A nil value in other
// removes the field.
func (d Document) Merge(other Document) Document {
	out := d.Clone()
	for k, v := range other {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// toInt64 coerces the numeric shapes produced by JSON decoding and user code.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}
