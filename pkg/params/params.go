// Package params implements the ParameterMap flattening and merge rules
// from spec §4.6 (component C6): nested maps descend with a dot-joined key
// prefix, every other value terminates descent as a leaf, and arrays are
// never descended into.
package params

import "sort"

// Flatten turns a possibly-nested map into the flat dotted-key map spec
// §3/§4.6 describes: key "a.b.c" means path a -> b -> c. Non-map values
// (including arrays) terminate descent and become a leaf entry as-is.
func Flatten(nested map[string]any) map[string]any {
	out := make(map[string]any)
	flattenInto(out, "", nested)
	return out
}

func flattenInto(out map[string]any, prefix string, m map[string]any) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flattenInto(out, key, sub)
			continue
		}
		out[key] = v
	}
}

// Merge upserts every leaf of incoming into current, overwriting any
// existing value for the same key (spec §4.6 "set merges incoming leaves
// into the current map (upsert, no delete)"). current is mutated and
// returned.
func Merge(current, incoming map[string]any) map[string]any {
	if current == nil {
		current = make(map[string]any, len(incoming))
	}
	for k, v := range incoming {
		current[k] = v
	}
	return current
}

// Keys returns the sorted dotted keys of a flat map, mainly useful for
// deterministic test assertions and debug logging.
func Keys(flat map[string]any) []string {
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
