// Object field projection for bulk export records. The export stream is a
// flat mix of heterogeneous objects; these accessors extract only the fields
// the stitcher inspects, tolerating absent or mistyped values.
package jsonl

import (
	"encoding/json"
	"strings"
)

// Object is one decoded export line. Fields holds the parsed JSON object;
// Raw preserves the original line bytes for staging.
type Object struct {
	Fields map[string]any
	Raw    json.RawMessage
	Line   int64
}

// asString returns v when it is a non-empty string, else "".
func asString(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// ID returns the object's own globally-unique id, or "".
func (o Object) ID() string { return asString(o.Fields["id"]) }

// Typename returns the export type discriminator, or "".
func (o Object) Typename() string { return asString(o.Fields["__typename"]) }

// ParentID returns the flat-stream parent reference, or "".
func (o Object) ParentID() string { return asString(o.Fields["__parentId"]) }

// VariantParentID resolves a variant's parent product id: an explicit nested
// product reference wins over the generic __parentId.
func (o Object) VariantParentID() string {
	if product, ok := o.Fields["product"].(map[string]any); ok {
		if id := asString(product["id"]); id != "" {
			return id
		}
	}
	return o.ParentID()
}

// OwnerRef is a metafield's declared owner. Typename is "" when the stream
// only carried a generic parent reference.
type OwnerRef struct {
	ID       string
	Typename string
}

// MetafieldOwner resolves a metafield's owner: an explicit typed owner object
// wins over the generic __parentId (which leaves the type unknown). Returns
// false when no owner reference is present at all.
func (o Object) MetafieldOwner() (OwnerRef, bool) {
	if owner, ok := o.Fields["owner"].(map[string]any); ok {
		if id := asString(owner["id"]); id != "" {
			return OwnerRef{ID: id, Typename: asString(owner["__typename"])}, true
		}
	}
	if pid := o.ParentID(); pid != "" {
		return OwnerRef{ID: pid}, true
	}
	return OwnerRef{}, false
}

// Namespace returns the metafield namespace, or "".
func (o Object) Namespace() string { return asString(o.Fields["namespace"]) }

// Key returns the metafield key, or "".
func (o Object) Key() string { return asString(o.Fields["key"]) }

// MetafieldValue returns the metafield's value, preferring jsonValue over
// value. A string jsonValue that parses as JSON is returned in parsed form;
// otherwise the raw string is kept so decoding stays tolerant.
func (o Object) MetafieldValue() any {
	if jv, ok := o.Fields["jsonValue"]; ok {
		if s, isStr := jv.(string); isStr {
			trimmed := strings.TrimSpace(s)
			var parsed any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				return parsed
			}
			return s
		}
		return jv
	}
	return o.Fields["value"]
}
