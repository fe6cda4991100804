package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"

	"github.com/bryan-buckman/castkeep/internal/config"
	"github.com/bryan-buckman/castkeep/internal/database"
	"github.com/bryan-buckman/castkeep/internal/download"
	"github.com/bryan-buckman/castkeep/internal/model"
	"github.com/bryan-buckman/castkeep/internal/opml"
	"github.com/bryan-buckman/castkeep/internal/rss"
	"github.com/bryan-buckman/castkeep/internal/server"
	"github.com/bryan-buckman/castkeep/internal/syncer"
	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
)

type options struct {
	configPath string
	filter     string
	catchUp    bool
	print      bool
	list       bool
	serve      bool
	importPath string
	exportPath string
	addURL     string
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	flagSet := pflag.NewFlagSet("castkeep", pflag.ContinueOnError)
	flagSet.StringVar(&opts.configPath, "config", "", "override the path to the config file")
	flagSet.StringVarP(&opts.filter, "filter", "f", "", "filter which podcasts to sync or export with a regex pattern")
	flagSet.BoolVarP(&opts.catchUp, "catch-up", "c", false, "mark episodes published before now as downloaded; combines with filter, add and import")
	flagSet.BoolVarP(&opts.print, "print", "p", false, "print the downloaded paths to stdout")
	flagSet.BoolVar(&opts.list, "list", false, "print your podcasts to stdout")
	flagSet.BoolVar(&opts.serve, "serve", false, "run the HTTP API and sync periodically")
	flagSet.StringVarP(&opts.importPath, "import", "i", "", "import podcasts from an OPML `file`")
	flagSet.StringVarP(&opts.exportPath, "export", "e", "", "export your podcasts to an OPML `file`")
	flagSet.StringVarP(&opts.addURL, "add", "a", "", "add a new podcast by feed `url`; an optional NAME may follow")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "castkeep - a simple CLI podcast manager\n\nUsage: castkeep [flags] [NAME]\n\n")
		flagSet.PrintDefaults()
	}
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(config.Resolve(opts.configPath))
	if err != nil {
		return err
	}
	closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := database.Open(cfg.DatabaseURL, cfg.Paths.Database)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feedLimiter, downloadLimiter := newLimiters()
	fetcher := rss.NewFetcher(rss.Options{
		Timeout:   cfg.Sync.FeedTimeout,
		UserAgent: cfg.Sync.UserAgent,
		Limiter:   feedLimiter,
	})
	sy := &syncer.Syncer{
		Source: fetcher,
		Executor: download.New(download.Options{
			Timeout:   cfg.Sync.DownloadTimeout,
			UserAgent: cfg.Sync.UserAgent,
			Limiter:   downloadLimiter,
		}),
		DownloadRoot:       cfg.Paths.Downloads,
		Concurrency:        cfg.Sync.Concurrency,
		EpisodeConcurrency: cfg.Sync.EpisodeConcurrency,
	}

	switch {
	case opts.list:
		return listPodcasts(store, opts.filter)
	case opts.serve:
		return serve(ctx, store, sy, cfg)
	case opts.importPath != "":
		return importOPML(ctx, store, sy, cfg, opts)
	case opts.exportPath != "":
		return exportOPML(store, opts)
	case opts.addURL != "":
		return addPodcast(ctx, store, sy, fetcher, cfg, opts, flagSet.Arg(0))
	case opts.catchUp:
		return catchUp(ctx, store, sy, cfg, opts.filter)
	default:
		return syncAll(ctx, store, sy, cfg, opts)
	}
}

// newLimiters returns separate per-host limiters for feed fetches and
// episode downloads.
func newLimiters() (feeds, downloads *rss.DomainLimiter) {
	return rss.NewDomainLimiter(), rss.NewDomainLimiter()
}

func setupLogging(cfg config.LogConfig) (func(), error) {
	if cfg.File == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

func listPodcasts(store database.Store, filter string) error {
	subs, err := filtered(store, filter)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		fmt.Println(sub.Name)
	}
	return nil
}

func syncAll(ctx context.Context, store database.Store, sy *syncer.Syncer, cfg *config.Config, opts options) error {
	report, err := sy.SyncStore(ctx, store, syncer.Options{
		Filter:       opts.filter,
		LedgerPath:   cfg.Paths.Ledger,
		RequireMatch: true,
	})
	if report == nil {
		return syncError(err, opts.filter)
	}

	fmt.Fprintln(os.Stderr, "Syncing complete!")
	fmt.Fprintf(os.Stderr, "%s episodes downloaded.\n", humanize.Comma(int64(len(report.Paths))))
	printErrors(os.Stderr, report)

	if opts.print {
		for _, path := range report.Paths {
			fmt.Println(path)
		}
	}
	return err
}

func catchUp(ctx context.Context, store database.Store, sy *syncer.Syncer, cfg *config.Config, filter string) error {
	report, err := sy.SyncStore(ctx, store, syncer.Options{
		Filter:     filter,
		CatchUp:    true,
		LedgerPath: cfg.Paths.Ledger,
	})
	if report == nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%s episodes marked as downloaded.\n", humanize.Comma(int64(report.CaughtUp)))
	printErrors(os.Stderr, report)
	return err
}

func addPodcast(ctx context.Context, store database.Store, sy *syncer.Syncer, fetcher *rss.Fetcher, cfg *config.Config, opts options, name string) error {
	if name == "" {
		title, err := fetcher.Peek(ctx, opts.addURL)
		if err != nil {
			return fmt.Errorf("no name given and feed title unavailable: %w", err)
		}
		if title == "" {
			return fmt.Errorf("no name given and feed has no title")
		}
		name = title
	}

	added, err := store.AddSubscription(model.Subscription{Name: name, URL: opts.addURL})
	if err != nil {
		return err
	}
	if !added {
		fmt.Fprintf(os.Stderr, "'%s' already exists!\n", name)
		return nil
	}
	fmt.Fprintf(os.Stderr, "'%s' added!\n", name)

	if opts.catchUp {
		// Matches only the added podcast.
		return catchUp(ctx, store, sy, cfg, "^"+regexp.QuoteMeta(name)+"$")
	}
	return nil
}

func importOPML(ctx context.Context, store database.Store, sy *syncer.Syncer, cfg *config.Config, opts options) error {
	f, err := os.Open(opts.importPath)
	if err != nil {
		return fmt.Errorf("open opml: %w", err)
	}
	defer f.Close()

	entries, err := opml.Parse(f)
	if err != nil {
		return err
	}
	added, err := opml.Import(store, entries)
	for _, name := range added {
		fmt.Fprintf(os.Stderr, "'%s' added!\n", name)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "%d of %d podcasts imported.\n", len(added), len(entries))

	if opts.catchUp {
		for _, name := range added {
			if err := catchUp(ctx, store, sy, cfg, "^"+regexp.QuoteMeta(name)+"$"); err != nil {
				return err
			}
		}
	}
	return nil
}

func exportOPML(store database.Store, opts options) error {
	subs, err := filtered(store, opts.filter)
	if err != nil {
		return err
	}
	data, err := opml.Export("castkeep podcasts", subs)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.exportPath, data, 0o644); err != nil {
		return fmt.Errorf("write opml: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%d podcasts exported to %s\n", len(subs), opts.exportPath)
	return nil
}

func serve(ctx context.Context, store database.Store, sy *syncer.Syncer, cfg *config.Config) error {
	srv := server.New(store, sy, cfg.Paths.Ledger)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start(cfg.Server.Addr) }()

	select {
	case err := <-errc:
		srv.Stop()
		return err
	case <-ctx.Done():
		log.Printf("Shutting down")
		srv.Stop()
		return nil
	}
}

func filtered(store database.Store, filter string) ([]model.Subscription, error) {
	subs, err := store.ListSubscriptions()
	if err != nil || filter == "" {
		return subs, err
	}
	matched, err := syncer.FilterSubscriptions(byName(subs), filter)
	if err != nil {
		return nil, err
	}
	var out []model.Subscription
	for _, sub := range subs {
		if _, ok := matched[sub.Name]; ok {
			out = append(out, sub)
		}
	}
	return out, nil
}

func byName(subs []model.Subscription) map[string]model.Subscription {
	m := make(map[string]model.Subscription, len(subs))
	for _, sub := range subs {
		m[sub.Name] = sub
	}
	return m
}

// syncError turns a run that produced no report into a user-facing error.
func syncError(err error, filter string) error {
	switch {
	case errors.Is(err, syncer.ErrNoSubscriptions):
		return fmt.Errorf("no podcasts to sync; add one with --add or --import")
	case errors.Is(err, syncer.ErrNoMatch):
		return fmt.Errorf("no podcasts match %q; see --list", filter)
	}
	return err
}

func printErrors(w io.Writer, report *syncer.Report) {
	if err := report.Err(); err != nil {
		fmt.Fprint(w, err)
	}
}
