package overrides

import (
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	sectionPolicyOnce sync.Once
	sectionPolicy     *bluemonday.Policy
)

// sanitizeSectionContent strips scripts, event handlers and other unsafe
// markup from customer-supplied section content.
func sanitizeSectionContent(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	return strings.TrimSpace(sectionSanitizer().Sanitize(trimmed))
}

func sectionSanitizer() *bluemonday.Policy {
	sectionPolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		// Placeholder anchors are referenced by id from insert_after.
		policy.AllowAttrs("id").Globally()
		sectionPolicy = policy
	})
	return sectionPolicy
}
