// Package model defines the entity types of the data model: plain structs
// with no ORM tags, mirroring the storage layer's row shapes directly
// (values travel between store, sync, and reminder packages as these
// structs, never as an intermediate DTO).
package model

import "time"

// Provider identifies the kind of server (or absence of one) an Account
// talks to.
type Provider string

const (
	ProviderICloud        Provider = "ICLOUD"
	ProviderGenericCalDAV Provider = "GENERIC_CALDAV"
	ProviderICS           Provider = "ICS"
	ProviderLocal         Provider = "LOCAL"
)

// Account is one configured calendar server identity.
type Account struct {
	ID                   string
	Provider             Provider
	Email                string
	DisplayName          string
	PrincipalURL         string
	HomeSetURL           string
	IsEnabled            bool
	CreatedAt            time.Time
	LastSyncAt           *time.Time
	LastSuccessfulSyncAt *time.Time
	ConsecutiveSyncFailures int
}

// Calendar is one collection within an Account.
type Calendar struct {
	ID          string
	AccountID   string
	CalDavURL   string
	DisplayName string
	Color       uint32 // ARGB
	CTag        string
	SyncToken   string
	IsVisible   bool
	IsDefault   bool
	IsReadOnly  bool
	SortOrder   int
}

// EventStatus mirrors RFC 5545 STATUS for VEVENT.
type EventStatus string

const (
	EventStatusConfirmed EventStatus = "CONFIRMED"
	EventStatusTentative EventStatus = "TENTATIVE"
	EventStatusCancelled EventStatus = "CANCELLED"
)

// SyncStatus tracks an Event's relationship to the server copy.
type SyncStatus string

const (
	SyncStatusSynced        SyncStatus = "SYNCED"
	SyncStatusPendingCreate SyncStatus = "PENDING_CREATE"
	SyncStatusPendingUpdate SyncStatus = "PENDING_UPDATE"
	SyncStatusPendingDelete SyncStatus = "PENDING_DELETE"
)

// Event is a master VEVENT or a RECURRENCE-ID exception (when
// OriginalEventID is non-empty).
type Event struct {
	ID          string
	UID         string
	ImportID    string // deprecated fallback lookup key; UID is canonical
	CalendarID  string
	Title       string
	Location    string
	Description string
	StartTs     int64 // epoch ms UTC
	EndTs       int64
	Timezone    string
	IsAllDay    bool
	Status      EventStatus
	Transp      string // OPAQUE / TRANSPARENT
	Class       string // PUBLIC / PRIVATE / CONFIDENTIAL
	OrganizerEmail string
	OrganizerName  string
	RRule       string
	RDate       string
	EXDate      string
	Duration    string

	OriginalEventID      string // non-empty ⇒ this row is an exception
	OriginalInstanceTime int64  // epoch ms, only meaningful when OriginalEventID set

	Reminders       []string // ordered ISO-8601 negative durations
	ExtraProperties map[string]string

	RawICal []byte // server-authored VEVENT blob, verbatim

	DTStamp int64

	CalDavURL string
	ETag      string
	Sequence  int

	SyncStatus     SyncStatus
	LastSyncError  string
	SyncRetryCount int

	// ParserVersion records which icscodec revision last wrote this row,
	// so a codec upgrade forces a re-parse even when the etag is unchanged.
	ParserVersion int

	LocalModifiedAt  *time.Time
	ServerModifiedAt *time.Time
}

// IsException reports whether this row is a RECURRENCE-ID exception of a
// recurring master.
func (e *Event) IsException() bool {
	return e.OriginalEventID != ""
}

// Occurrence is one denormalized instance of a master (or standalone)
// Event, expanded from its RRULE/RDATE/EXDATE by the occurrence package.
type Occurrence struct {
	ID              string
	EventID         string
	CalendarID      string // denormalized from Event, for range-scan locality
	StartTs         int64
	EndTs           int64
	StartDay        int // YYYYMMDD
	EndDay          int
	IsCancelled     bool
	ExceptionEventID string // non-empty ⇒ an exception Event overrides this instance
}

// PendingOperationKind enumerates the queued mutation types the push
// strategy drains.
type PendingOperationKind string

const (
	OpCreate PendingOperationKind = "CREATE"
	OpUpdate PendingOperationKind = "UPDATE"
	OpDelete PendingOperationKind = "DELETE"
	OpMove   PendingOperationKind = "MOVE"
)

// PendingOperationStatus tracks a queued push's lifecycle.
type PendingOperationStatus string

const (
	PendingStatusPending    PendingOperationStatus = "PENDING"
	PendingStatusInProgress PendingOperationStatus = "IN_PROGRESS"
	PendingStatusFailed     PendingOperationStatus = "FAILED"
)

// DefaultMaxRetries is the default retry budget for a PendingOperation.
const DefaultMaxRetries = 10

// PendingOperation is one queued local mutation awaiting push.
type PendingOperation struct {
	ID              string
	EventID         string
	Operation       PendingOperationKind
	Status          PendingOperationStatus
	RetryCount      int
	MaxRetries      int
	NextRetryAt     time.Time
	LastError       string
	FailedAt        *time.Time
	LifetimeResetAt time.Time
	DestCalendarID  string // MOVE only
}

// ReminderStatus tracks a scheduled reminder's lifecycle.
type ReminderStatus string

const (
	ReminderStatusPending   ReminderStatus = "PENDING"
	ReminderStatusFired     ReminderStatus = "FIRED"
	ReminderStatusSnoozed   ReminderStatus = "SNOOZED"
	ReminderStatusDismissed ReminderStatus = "DISMISSED"
)

// ScheduledReminder is one denormalized alarm firing, precomputed so the
// reminder scheduler never has to re-join Event/Calendar at fire time.
type ScheduledReminder struct {
	ID             string
	EventID        string
	OccurrenceTime int64
	TriggerTime    int64
	ReminderOffset string // ISO-8601 duration, e.g. "-PT15M"
	Status         ReminderStatus
	SnoozeCount    int

	EventTitle    string
	EventLocation string
	IsAllDay      bool
	CalendarColor uint32
}

// IcsSubscription is a read-only ICS feed mirrored into its own Calendar.
type IcsSubscription struct {
	ID              string
	URL             string
	Name            string
	Color           uint32
	CalendarID      string
	LastSync        *time.Time
	SyncIntervalHours int
	Enabled         bool
	ETag            string
	LastModified    string
	Username        string
	LastError       string
	CreatedAt       time.Time
}

// SyncLogResult enumerates the terminal outcome of one sync attempt.
type SyncLogResult string

const (
	SyncLogSuccess      SyncLogResult = "SUCCESS"
	SyncLogError401     SyncLogResult = "ERROR_401"
	SyncLogError403     SyncLogResult = "ERROR_403"
	SyncLogError404     SyncLogResult = "ERROR_404"
	SyncLogError412     SyncLogResult = "ERROR_412"
	SyncLogError5xx     SyncLogResult = "ERROR_5XX"
	SyncLogErrorNetwork SyncLogResult = "ERROR_NETWORK"
	SyncLogErrorOther   SyncLogResult = "ERROR_OTHER"
)

// SyncLog is one append-only audit row.
type SyncLog struct {
	ID         string
	Timestamp  time.Time
	CalendarID string
	EventUID   string
	Result     SyncLogResult
	Message    string
}
