// Package docstore abstracts the shared key-document service both call
// participants signal through. Documents are JSON-shaped maps addressed by a
// string key; writes are shallow merges so two parties can mutate disjoint
// fields of the same document without clobbering each other.
package docstore

import (
	"context"
	"strings"
)

// Document is one version of a stored document.
type Document map[string]any

// Store is the key-document pub/sub contract.
//
// Merge creates the document when absent. Subscribe delivers the snapshot that
// exists at subscribe time first (a missing document is delivered as nil) and
// then every subsequent version, in publication order. The returned func
// cancels the subscription and is safe to call more than once.
type Store interface {
	Get(ctx context.Context, key string) (Document, bool, error)
	Merge(ctx context.Context, key string, fields map[string]any) error
	Delete(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string, fn func(Document)) (func(), error)
}

// String returns a string field, tolerating absence.
func (d Document) String(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d[key].(string)
	return s
}

// Bool returns a bool field, tolerating absence.
func (d Document) Bool(key string) bool {
	if d == nil {
		return false
	}
	b, _ := d[key].(bool)
	return b
}

// Section returns a nested map field, such as a per-participant block.
func (d Document) Section(key string) Document {
	if d == nil {
		return nil
	}
	switch v := d[key].(type) {
	case Document:
		return v
	case map[string]any:
		return v
	}
	return nil
}

// Clone returns a copy deep enough that callers can hold a snapshot across
// further merges: the top level and any nested map sections are copied.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		switch m := v.(type) {
		case map[string]any:
			inner := make(map[string]any, len(m))
			for ik, iv := range m {
				inner[ik] = iv
			}
			out[k] = inner
		case Document:
			inner := make(map[string]any, len(m))
			for ik, iv := range m {
				inner[ik] = iv
			}
			out[k] = inner
		default:
			out[k] = v
		}
	}
	return out
}

// applyField merges a single field into doc. A "uid.lastCandidate" style path
// updates one entry of the "uid" section, preserving its siblings.
func applyField(doc Document, path string, value any) {
	section, rest, found := strings.Cut(path, ".")
	if !found {
		doc[path] = value
		return
	}
	inner := doc.Section(section)
	if inner == nil {
		inner = Document{}
	} else {
		inner = inner.Clone()
	}
	inner[rest] = value
	doc[section] = map[string]any(inner)
}

// applyFields merges every field into doc in one pass.
func applyFields(doc Document, fields map[string]any) {
	for path, value := range fields {
		applyField(doc, path, value)
	}
}
