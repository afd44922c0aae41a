package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/kashcal/core/app"
	"github.com/kashcal/core/credstore"
	"github.com/kashcal/core/internal/config"
	"github.com/kashcal/core/internal/logging"
	"github.com/kashcal/core/model"
	"github.com/kashcal/core/store"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(),
			"usage: %s <add-account|sync|sync-all|subscribe|refresh-feeds|delete-account> [options...]\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)

	st, err := store.New(cfg.Storage.Path, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	// The CLI has no platform keystore; credentials live for the process
	// only, supplied via KASHCAL_USERNAME / KASHCAL_PASSWORD.
	creds := credstore.NewMemory()
	a := app.New(st, creds, nil, nil, logger)

	ctx := context.Background()
	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "add-account":
		cmdAddAccount(ctx, a, args, logger)
	case "sync":
		cmdSync(ctx, a, args, logger)
	case "sync-all":
		cmdSyncAll(ctx, a, st, logger)
	case "subscribe":
		cmdSubscribe(ctx, a, args, logger)
	case "refresh-feeds":
		cmdRefreshFeeds(ctx, a, logger)
	case "delete-account":
		cmdDeleteAccount(ctx, a, args, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func cmdAddAccount(ctx context.Context, a *app.App, args []string, logger zerolog.Logger) {
	fs := flag.NewFlagSet("add-account", flag.ExitOnError)
	provider := fs.String("provider", "generic", "provider: icloud or generic")
	email := fs.String("email", "", "account email")
	server := fs.String("server", "", "server base URL")
	fs.Parse(args)

	p := model.ProviderGenericCalDAV
	if *provider == "icloud" {
		p = model.ProviderICloud
		if *server == "" {
			*server = "https://caldav.icloud.com"
		}
	}

	id, err := a.CreateAccount(ctx, p, *email, *server,
		os.Getenv("KASHCAL_USERNAME"), os.Getenv("KASHCAL_PASSWORD"))
	if err != nil {
		logger.Fatal().Err(err).Msg("add account")
	}

	cals, err := a.ListCalendars(id)
	if err != nil {
		logger.Fatal().Err(err).Msg("list calendars")
	}
	fmt.Printf("account %s: %d calendars\n", id, len(cals))
	for _, cal := range cals {
		fmt.Printf("  %s  %s\n", cal.ID, cal.DisplayName)
	}
}

func cmdSync(ctx context.Context, a *app.App, args []string, logger zerolog.Logger) {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	calendarID := fs.String("calendar", "", "calendar id")
	forceFull := fs.Bool("full", false, "force a full re-sync")
	fs.Parse(args)

	result, err := a.SyncCalendar(ctx, *calendarID, *forceFull)
	if err != nil {
		logger.Fatal().Err(err).Msg("sync")
	}
	fmt.Printf("pulled +%d ~%d -%d, pushed +%d ~%d -%d, conflicts %d, %dms\n",
		result.Pulled.Added, result.Pulled.Updated, result.Pulled.Deleted,
		result.Pushed.Created, result.Pushed.Updated, result.Pushed.Deleted,
		result.ConflictsResolved, result.DurationMs)
}

func cmdSyncAll(ctx context.Context, a *app.App, st *store.Store, logger zerolog.Logger) {
	accounts, err := st.ListAccounts()
	if err != nil {
		logger.Fatal().Err(err).Msg("list accounts")
	}
	for _, acc := range accounts {
		if !acc.IsEnabled || acc.Provider == model.ProviderICS || acc.Provider == model.ProviderLocal {
			continue
		}
		if err := a.Engine.SyncAccount(ctx, acc.ID, false); err != nil {
			logger.Error().Err(err).Str("account_id", acc.ID).Msg("account sync failed")
		}
	}
}

func cmdSubscribe(ctx context.Context, a *app.App, args []string, logger zerolog.Logger) {
	fs := flag.NewFlagSet("subscribe", flag.ExitOnError)
	url := fs.String("url", "", "ICS feed URL (http, https, or webcal)")
	name := fs.String("name", "Subscription", "display name")
	interval := fs.Int("interval", 24, "refresh interval in hours")
	fs.Parse(args)

	id, err := a.SubscribeIcs(ctx, *url, *name, 0xFF4285F4, *interval)
	if err != nil {
		logger.Fatal().Err(err).Msg("subscribe")
	}
	if err := a.Subs.Refresh(ctx, id); err != nil {
		logger.Error().Err(err).Msg("initial feed refresh failed")
	}
	fmt.Printf("subscription %s\n", id)
}

func cmdRefreshFeeds(ctx context.Context, a *app.App, logger zerolog.Logger) {
	due, err := a.Subs.ListDue()
	if err != nil {
		logger.Fatal().Err(err).Msg("list due subscriptions")
	}
	for _, sub := range due {
		if err := a.Subs.Refresh(ctx, sub.ID); err != nil {
			logger.Error().Err(err).Str("subscription_id", sub.ID).Msg("refresh failed")
		}
	}
	fmt.Printf("refreshed %d feeds\n", len(due))
}

func cmdDeleteAccount(ctx context.Context, a *app.App, args []string, logger zerolog.Logger) {
	fs := flag.NewFlagSet("delete-account", flag.ExitOnError)
	accountID := fs.String("account", "", "account id")
	fs.Parse(args)

	if err := a.DeleteAccount(ctx, *accountID); err != nil {
		logger.Fatal().Err(err).Msg("delete account")
	}
	fmt.Printf("account %s deleted\n", *accountID)
}
