package quirks

import "strings"

// nextcloudQuirks skips Nextcloud's scheduling inbox/outbox collections and
// the read-only "Contact birthdays" calendar it exposes alongside the real
// ones. The default "Personal" calendar gets no special handling.
type nextcloudQuirks struct {
	genericQuirks
}

func (nextcloudQuirks) ShouldSkipCalendar(href, displayName string) bool {
	lower := strings.ToLower(href)
	if strings.Contains(lower, "/inbox") || strings.Contains(lower, "/outbox") {
		return true
	}
	return strings.EqualFold(displayName, "Contact birthdays")
}
