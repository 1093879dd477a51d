package schema

// Delta is a set of schema edits layered on top of a base schema.
type Delta struct {
	Added    []PlaceholderField `json:"added"`
	Modified []PlaceholderField `json:"modified"`
	Removed  []string           `json:"removed"`
}

// ApplyDelta returns base with delta applied in a fixed order: additions
// (never replacing an existing key), then removals, then modifications
// (only of keys still present). base is not modified.
func ApplyDelta(base []PlaceholderField, delta Delta) []PlaceholderField {
	merged := Clone(base)

	present := make(map[string]struct{}, len(merged))
	for _, field := range merged {
		present[field.FieldKey] = struct{}{}
	}
	for _, field := range delta.Added {
		if _, ok := present[field.FieldKey]; ok {
			continue
		}
		present[field.FieldKey] = struct{}{}
		merged = append(merged, cloneField(field))
	}

	if len(delta.Removed) > 0 {
		drop := make(map[string]struct{}, len(delta.Removed))
		for _, key := range delta.Removed {
			drop[key] = struct{}{}
		}
		kept := merged[:0]
		for _, field := range merged {
			if _, ok := drop[field.FieldKey]; ok {
				continue
			}
			kept = append(kept, field)
		}
		merged = kept
	}

	for _, replacement := range delta.Modified {
		for i := range merged {
			if merged[i].FieldKey == replacement.FieldKey {
				merged[i] = cloneField(replacement)
				break
			}
		}
	}
	return merged
}

// Union concatenates schemas, keeping only the first field seen for each key.
func Union(schemas ...[]PlaceholderField) []PlaceholderField {
	out := make([]PlaceholderField, 0)
	seen := make(map[string]struct{})
	for _, fields := range schemas {
		for _, field := range fields {
			if _, ok := seen[field.FieldKey]; ok {
				continue
			}
			seen[field.FieldKey] = struct{}{}
			out = append(out, cloneField(field))
		}
	}
	return out
}
