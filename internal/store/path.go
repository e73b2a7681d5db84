package store

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"breakline/internal/domain"
)

// ref is a parsed store path: a whole collection or one record in it.
type ref struct {
	collection string
	id         string
}

func (r ref) String() string {
	if r.id == "" {
		return r.collection
	}
	return r.collection + "/" + r.id
}

func (r ref) isRecord() bool { return r.id != "" }

func parsePath(path string) (ref, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return ref{}, domain.ValidationError{Field: "path", Reason: fmt.Sprintf("invalid path %q", path)}
		}
	}
	switch len(parts) {
	case 1:
		return ref{collection: parts[0]}, nil
	case 2:
		return ref{collection: parts[0], id: parts[1]}, nil
	}
	return ref{}, domain.ValidationError{Field: "path", Reason: fmt.Sprintf("path %q is deeper than collection/id", path)}
}

func parseRecordPath(path string) (ref, error) {
	r, err := parsePath(path)
	if err != nil {
		return r, err
	}
	if !r.isRecord() {
		return r, domain.ValidationError{Field: "path", Reason: fmt.Sprintf("path %q does not name a record", path)}
	}
	return r, nil
}

// decodeObject decodes a document body keeping numbers exact. A null body
// decodes to an empty object.
func decodeObject(body []byte) (map[string]any, error) {
	doc := map[string]any{}
	if len(body) == 0 {
		return doc, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

// applyPatch shallow-merges patch into doc. A key containing "/" addresses
// a nested field, creating intermediate objects as needed.
func applyPatch(doc map[string]any, patch map[string]any) {
	for key, v := range patch {
		parts := strings.Split(key, "/")
		m := doc
		for _, p := range parts[:len(parts)-1] {
			next, ok := m[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				m[p] = next
			}
			m = next
		}
		m[parts[len(parts)-1]] = v
	}
}
