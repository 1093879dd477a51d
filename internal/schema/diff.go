package schema

import "fmt"

// Rename records a field that appears to have changed key between two
// schemas.
type Rename struct {
	From   string `json:"from" cbor:"from"`
	To     string `json:"to" cbor:"to"`
	Reason string `json:"reason" cbor:"reason"`
}

// Diff is the structural difference between two consecutive schemas.
type Diff struct {
	Added   []PlaceholderField `json:"added" cbor:"added"`
	Removed []PlaceholderField `json:"removed" cbor:"removed"`
	Renamed []Rename           `json:"renamed" cbor:"renamed"`
}

// EmptyDiff is the diff recorded for versions that carry no structural change.
func EmptyDiff() Diff {
	return Diff{
		Added:   []PlaceholderField{},
		Removed: []PlaceholderField{},
		Renamed: []Rename{},
	}
}

// IsEmpty reports whether the diff records no change at all.
func (d Diff) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Renamed) == 0
}

// CalculateDiff compares two schemas by field key.
//
// Renames are guessed from locations: fields on both sides sharing the same
// location signature but different keys are reported as renamed. This is a
// heuristic. It misses renames whose locations also moved and reports
// unrelated fields that happen to share a signature. Renamed fields still
// show up in Added and Removed.
func CalculateDiff(oldFields, newFields []PlaceholderField) Diff {
	diff := EmptyDiff()

	oldKeys := make(map[string]struct{}, len(oldFields))
	for _, field := range oldFields {
		oldKeys[field.FieldKey] = struct{}{}
	}
	newKeys := make(map[string]struct{}, len(newFields))
	for _, field := range newFields {
		newKeys[field.FieldKey] = struct{}{}
	}

	for _, field := range newFields {
		if _, ok := oldKeys[field.FieldKey]; !ok {
			diff.Added = append(diff.Added, cloneField(field))
		}
	}
	for _, field := range oldFields {
		if _, ok := newKeys[field.FieldKey]; !ok {
			diff.Removed = append(diff.Removed, cloneField(field))
		}
	}

	oldByLocation, oldOrder := indexByLocation(oldFields)
	newByLocation, _ := indexByLocation(newFields)
	for _, key := range oldOrder {
		before := oldByLocation[key]
		after, ok := newByLocation[key]
		if !ok || before.FieldKey == after.FieldKey {
			continue
		}
		diff.Renamed = append(diff.Renamed, Rename{
			From:   before.FieldKey,
			To:     after.FieldKey,
			Reason: fmt.Sprintf("same location %s", key),
		})
	}
	return diff
}

// indexByLocation maps location signatures to fields. A later field with the
// same signature replaces an earlier one. order lists signatures in first-seen
// order so results are stable.
func indexByLocation(fields []PlaceholderField) (map[string]PlaceholderField, []string) {
	byLocation := make(map[string]PlaceholderField, len(fields))
	order := make([]string, 0, len(fields))
	for _, field := range fields {
		key := field.locationKey()
		if key == "" {
			continue
		}
		if _, ok := byLocation[key]; !ok {
			order = append(order, key)
		}
		byLocation[key] = field
	}
	return byLocation, order
}
