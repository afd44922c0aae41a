package sync

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kashcal/core/caldav"
	"github.com/kashcal/core/credstore"
	"github.com/kashcal/core/model"
	"github.com/kashcal/core/reminder"
	"github.com/kashcal/core/store"
)

// MaxParallelPerAccount bounds concurrent calendar syncs within one
// account, against shared per-host rate limits.
const MaxParallelPerAccount = 3

// ErrBusy is returned when another sync already holds the calendar's
// lease. It is not a failure: the in-flight sync will cover the same work.
var ErrBusy = errors.New("sync: calendar sync already in progress")

// SyncResult is the typed outcome of one syncCalendar unit of work.
type SyncResult struct {
	Pulled            PullResult
	Pushed            PushResult
	ConflictsResolved int
	DurationMs        int64
}

// IsNoop reports whether the sync observed no changes in either
// direction.
func (r *SyncResult) IsNoop() bool {
	return r.Pulled.Added == 0 && r.Pulled.Updated == 0 && r.Pulled.Deleted == 0 &&
		r.Pushed.Created == 0 && r.Pushed.Updated == 0 && r.Pushed.Deleted == 0 &&
		r.ConflictsResolved == 0
}

// ClientFactory builds a CalDavClient for one account, with that account's
// credentials bound at construction. The engine never holds credentials
// itself.
type ClientFactory func(account *model.Account) (*caldav.Client, error)

// JobRunner is the external background-job scheduler boundary: the engine
// supplies work items and backoff hints but never owns the schedule.
type JobRunner interface {
	CancelJobsForAccount(accountID string)
}

// NopJobRunner satisfies JobRunner where no scheduler is attached.
type NopJobRunner struct{}

func (NopJobRunner) CancelJobsForAccount(string) {}

// Engine orchestrates pull → occurrence regeneration → push → reminder
// planning per calendar, serialized by a per-calendar lease.
type Engine struct {
	store   *store.Store
	clients ClientFactory
	creds   credstore.Store
	jobs    JobRunner
	leases  *LeaseManager
	planner *reminder.Planner
	logger  zerolog.Logger
	now     func() time.Time
}

func NewEngine(st *store.Store, clients ClientFactory, creds credstore.Store, planner *reminder.Planner, jobs JobRunner, logger zerolog.Logger) *Engine {
	if jobs == nil {
		jobs = NopJobRunner{}
	}
	return &Engine{
		store:   st,
		clients: clients,
		creds:   creds,
		jobs:    jobs,
		leases:  NewLeaseManager(),
		planner: planner,
		logger:  logger,
		now:     time.Now,
	}
}

// SyncCalendar is the single unit of sync work. It is idempotent: two
// successive calls with no server or local changes produce all-zero
// results.
func (e *Engine) SyncCalendar(ctx context.Context, calendarID string, forceFull bool) (*SyncResult, error) {
	release, ok := e.leases.Acquire(calendarID)
	if !ok {
		return nil, ErrBusy
	}
	defer release()

	started := e.now()
	cal, err := e.store.GetCalendar(calendarID)
	if err != nil {
		return nil, err
	}
	account, err := e.store.GetAccount(cal.AccountID)
	if err != nil {
		return nil, err
	}
	if !account.IsEnabled {
		return &SyncResult{}, nil
	}

	result, err := e.run(ctx, account, cal, forceFull)

	finished := e.now()
	if uerr := e.store.UpdateAccountSyncState(account.ID, finished, err == nil); uerr != nil && err == nil {
		err = uerr
	}

	evt := e.logger.Info()
	if err != nil {
		evt = e.logger.Error().Err(err)
	}
	if result != nil {
		result.DurationMs = finished.Sub(started).Milliseconds()
		evt = evt.Int("pulled", result.Pulled.Added+result.Pulled.Updated+result.Pulled.Deleted).
			Int("pushed", result.Pushed.Created+result.Pushed.Updated+result.Pushed.Deleted).
			Int("conflicts", result.ConflictsResolved).
			Int64("duration_ms", result.DurationMs)
	}
	evt.Str("calendar_id", calendarID).Str("op", "sync_calendar").Msg("sync finished")

	return result, err
}

func (e *Engine) run(ctx context.Context, account *model.Account, cal *model.Calendar, forceFull bool) (*SyncResult, error) {
	client, err := e.clients(account)
	if err != nil {
		return nil, err
	}

	result := &SyncResult{}

	pull := NewPullStrategy(client)
	pulled, err := pull.Pull(ctx, e.store, cal, forceFull)
	if err != nil {
		return result, err
	}
	result.Pulled = *pulled

	// Read-only collections (ICS mirrors, shared calendars without write
	// access) never accumulate pending ops, but skipping the drain keeps
	// a misqueued op from hammering a server that will always refuse it.
	if !cal.IsReadOnly {
		push := NewPushStrategy(client)
		pushed, perr := push.Push(ctx, e.store, cal)
		if pushed != nil {
			result.Pushed = *pushed
			result.ConflictsResolved = pushed.ConflictsResolved
		}
		if perr != nil {
			return result, perr
		}
	}

	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		return e.planner.Refresh(tx, cal.ID)
	})
	return result, err
}

// SyncAccount syncs every enabled calendar of one account, up to
// MaxParallelPerAccount at a time. A Busy calendar is skipped, not failed:
// its in-flight sync covers it.
func (e *Engine) SyncAccount(ctx context.Context, accountID string, forceFull bool) error {
	cals, err := e.store.ListCalendarsByAccount(accountID)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxParallelPerAccount)
	for _, cal := range cals {
		cal := cal
		g.Go(func() error {
			_, serr := e.SyncCalendar(ctx, cal.ID, forceFull)
			if serr == ErrBusy {
				return nil
			}
			return serr
		})
	}
	return g.Wait()
}

// IsDue reports whether calendarID can be synced right now — the work-item
// hint an external JobRunner polls before scheduling syncCalendar.
func (e *Engine) IsDue(calendarID string) bool {
	release, ok := e.leases.Acquire(calendarID)
	if !ok {
		return false
	}
	release()
	return true
}

// NextBackoff is the delay hint an external JobRunner should wait before
// rescheduling a failing account's calendars, derived from the account's
// consecutive failure count with the same curve as push retries.
func (e *Engine) NextBackoff(accountID string) time.Duration {
	account, err := e.store.GetAccount(accountID)
	if err != nil {
		return baseRetryDelay
	}
	return CalculateRetryDelay(account.ConsecutiveSyncFailures)
}

// DeleteAccount runs the strictly ordered account deletion protocol.
// Reminder cancellation and pending-op removal need the event IDs the
// final cascade is about to destroy, so they run first, inside the same
// transaction as the account row deletion. Job cancellation precedes the
// transaction; the credential wipe runs inside it, just before the account
// row is deleted.
func (e *Engine) DeleteAccount(ctx context.Context, accountID string) error {
	e.jobs.CancelJobsForAccount(accountID)

	cals, err := e.store.ListCalendarsByAccount(accountID)
	if err != nil {
		return err
	}

	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		for _, cal := range cals {
			events, lerr := tx.ListEventsByCalendar(cal.ID)
			if lerr != nil {
				return lerr
			}
			for _, ev := range events {
				if cerr := e.planner.CancelFor(tx, ev.ID); cerr != nil {
					return cerr
				}
				if derr := tx.DeletePendingOperationsForEvent(ev.ID); derr != nil {
					return derr
				}
			}
		}

		// Credentials next: non-fatal if the keystore has no entry.
		for _, field := range []string{"password", "username", "token"} {
			_ = e.creds.Delete(credstore.Key(accountID, field))
		}

		// The cascade takes calendars → events → occurrences → reminders.
		return tx.DeleteAccount(accountID)
	})

	if err == nil {
		e.logger.Info().Str("account_id", accountID).Str("op", "delete_account").Msg("account deleted")
	}
	return err
}
