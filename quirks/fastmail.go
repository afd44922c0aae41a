package quirks

import "strings"

// fastmailQuirks: Fastmail (a JMAP-backed CalDAV front end) exposes a
// "#Sent" scheduling-outbox pseudo-collection outside the normal
// inbox/outbox naming that genericQuirks already filters.
type fastmailQuirks struct {
	genericQuirks
}

func (fastmailQuirks) ShouldSkipCalendar(href, displayName string) bool {
	if strings.HasPrefix(displayName, "#") {
		return true
	}
	return genericQuirks{}.ShouldSkipCalendar(href, displayName)
}
