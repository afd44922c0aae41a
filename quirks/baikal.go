package quirks

// baikalQuirks has no behavioral difference from the RFC-only baseline:
// Baïkal (sabre/dav) implements sync-collection and calendar discovery to
// spec. Kept as a distinct type so it shows up by name in account
// configuration rather than aliasing silently to genericQuirks.
type baikalQuirks struct {
	genericQuirks
}
