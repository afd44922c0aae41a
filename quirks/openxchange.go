package quirks

import "strings"

// openXchangeQuirks: Open-Xchange mounts a shared "Global Address Book"
// calendar resource read-only under every user's calendar home; it must
// never be offered for two-way sync.
type openXchangeQuirks struct {
	genericQuirks
}

func (openXchangeQuirks) ShouldSkipCalendar(href, displayName string) bool {
	if strings.Contains(strings.ToLower(displayName), "global address book") {
		return true
	}
	return genericQuirks{}.ShouldSkipCalendar(href, displayName)
}
