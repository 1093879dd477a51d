package schema

import (
	"fmt"
	"regexp"
	"strings"
)

var fieldKeyPattern = regexp.MustCompile(`^[a-z0-9_]{2,64}$`)

// IssueKind classifies a validation finding.
type IssueKind string

const (
	IssueInvalidKey      IssueKind = "invalid_key"
	IssueMissingType     IssueKind = "missing_type"
	IssueInvalidType     IssueKind = "invalid_type"
	IssueMissingLocation IssueKind = "missing_location"
	IssueDuplicate       IssueKind = "duplicate"

	// Warnings. They never make a schema invalid.
	IssueMissingLabel         IssueKind = "missing_label"
	IssueEnumWithoutOptions   IssueKind = "enum_without_options"
	IssueConfidenceOutOfRange IssueKind = "confidence_out_of_range"
)

// Issue is a single validation finding tied to a field.
type Issue struct {
	Kind     IssueKind `json:"kind"`
	FieldKey string    `json:"field_key"`
	Index    int       `json:"index"`
	Message  string    `json:"message"`
}

// Result is the outcome of validating a whole schema.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Collision is a candidate field whose key already exists in a base schema.
type Collision struct {
	FieldKey string `json:"field_key"`
	Reason   string `json:"reason"`
}

// ValidateField checks the structural rules of a single field.
func ValidateField(field PlaceholderField) (bool, []Issue) {
	issues := fieldErrors(field, 0)
	return len(issues) == 0, issues
}

func fieldErrors(field PlaceholderField, index int) []Issue {
	var issues []Issue
	if !fieldKeyPattern.MatchString(field.FieldKey) {
		issues = append(issues, Issue{
			Kind:     IssueInvalidKey,
			FieldKey: field.FieldKey,
			Index:    index,
			Message:  fmt.Sprintf("field_key %q must match %s", field.FieldKey, fieldKeyPattern.String()),
		})
	}
	switch {
	case strings.TrimSpace(string(field.Type)) == "":
		issues = append(issues, Issue{
			Kind:     IssueMissingType,
			FieldKey: field.FieldKey,
			Index:    index,
			Message:  "type is required",
		})
	case !field.Type.Valid():
		issues = append(issues, Issue{
			Kind:     IssueInvalidType,
			FieldKey: field.FieldKey,
			Index:    index,
			Message:  fmt.Sprintf("type %q is not supported", field.Type),
		})
	}
	if len(field.Locations) == 0 {
		issues = append(issues, Issue{
			Kind:     IssueMissingLocation,
			FieldKey: field.FieldKey,
			Index:    index,
			Message:  "at least one location is required",
		})
	}
	return issues
}

func fieldWarnings(field PlaceholderField, index int) []Issue {
	var warnings []Issue
	if strings.TrimSpace(field.Label) == "" {
		warnings = append(warnings, Issue{
			Kind:     IssueMissingLabel,
			FieldKey: field.FieldKey,
			Index:    index,
			Message:  "label is empty",
		})
	}
	if field.Type == TypeEnum && len(field.Options) == 0 {
		warnings = append(warnings, Issue{
			Kind:     IssueEnumWithoutOptions,
			FieldKey: field.FieldKey,
			Index:    index,
			Message:  "enum field has no options",
		})
	}
	if field.Confidence < 0 || field.Confidence > 1 {
		warnings = append(warnings, Issue{
			Kind:     IssueConfidenceOutOfRange,
			FieldKey: field.FieldKey,
			Index:    index,
			Message:  fmt.Sprintf("confidence %.2f is outside [0, 1]", field.Confidence),
		})
	}
	return warnings
}

// ValidateSchema checks every field plus schema-wide rules (unique keys).
func ValidateSchema(fields []PlaceholderField) Result {
	result := Result{Errors: []Issue{}, Warnings: []Issue{}}
	seen := make(map[string]int, len(fields))
	for i, field := range fields {
		result.Errors = append(result.Errors, fieldErrors(field, i)...)
		result.Warnings = append(result.Warnings, fieldWarnings(field, i)...)
		if first, ok := seen[field.FieldKey]; ok {
			result.Errors = append(result.Errors, Issue{
				Kind:     IssueDuplicate,
				FieldKey: field.FieldKey,
				Index:    i,
				Message:  fmt.Sprintf("field_key %q already used at index %d", field.FieldKey, first),
			})
			continue
		}
		seen[field.FieldKey] = i
	}
	result.Valid = len(result.Errors) == 0
	return result
}

// DetectCollisions returns the candidate keys that exactly match a base key.
// Matching is case-sensitive and purely key based; each key is reported once.
func DetectCollisions(base, candidate []PlaceholderField) []Collision {
	baseKeys := make(map[string]struct{}, len(base))
	for _, field := range base {
		baseKeys[field.FieldKey] = struct{}{}
	}
	collisions := make([]Collision, 0)
	reported := make(map[string]struct{})
	for _, field := range candidate {
		if _, ok := baseKeys[field.FieldKey]; !ok {
			continue
		}
		if _, ok := reported[field.FieldKey]; ok {
			continue
		}
		reported[field.FieldKey] = struct{}{}
		collisions = append(collisions, Collision{
			FieldKey: field.FieldKey,
			Reason:   fmt.Sprintf("field_key %q already exists in the base schema", field.FieldKey),
		})
	}
	return collisions
}
