package view

import (
	"encoding/json"
	"fmt"
	"sort"
)

// PropertyBlob is the encoded state of one component: property name to its
// JSON encoded value.
type PropertyBlob map[string]json.RawMessage

// Set stores v under key after marshalling it to JSON.
func (b *PropertyBlob) Set(k string, v any) error {
	if *b == nil {
		*b = PropertyBlob{}
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal property %q: %w", k, err)
	}

	(*b)[k] = json.RawMessage(raw)
	return nil
}

// Get unmarshals the property value at key into out.
// Returns (found=false, nil) if not present.
func (b PropertyBlob) Get(key string, out any) (bool, error) {
	if b == nil {
		return false, nil
	}

	raw, ok := b[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return true, fmt.Errorf("unmarshal property %q: %w", key, err)
	}
	return true, nil
}

// Delete removes the property, if present.
func (b PropertyBlob) Delete(key string) {
	if b == nil {
		return
	}
	delete(b, key)
}

// Merge overlays every property of other onto a copy of b.
func (b PropertyBlob) Merge(other PropertyBlob) PropertyBlob {
	out := make(PropertyBlob, len(b)+len(other))
	for k, v := range b {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Keys returns the property names in sorted order.
func (b PropertyBlob) Keys() []string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
