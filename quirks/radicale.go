package quirks

import "strings"

// radicaleQuirks: Radicale collections are flat under the user's base
// collection with no separate inbox/outbox, but DO expose a root
// "addressbook" sibling collection that listCalendars must never treat as
// a calendar.
type radicaleQuirks struct {
	genericQuirks
}

func (radicaleQuirks) ShouldSkipCalendar(href, displayName string) bool {
	lower := strings.ToLower(href)
	return strings.Contains(lower, "addressbook") || strings.Contains(lower, "contact")
}
