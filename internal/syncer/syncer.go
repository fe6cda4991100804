// Package syncer fans a sync run out over subscriptions, downloads new
// episodes and records them in the ledger.
package syncer

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/bryan-buckman/castkeep/internal/download"
	"github.com/bryan-buckman/castkeep/internal/ledger"
	"github.com/bryan-buckman/castkeep/internal/model"
	"github.com/hashicorp/go-multierror"
)

// Concurrency defaults.
const (
	DefaultConcurrency        = 4
	DefaultEpisodeConcurrency = 2
)

// Source produces the candidate episodes of a subscription in feed order.
type Source interface {
	Fetch(ctx context.Context, sub model.Subscription) ([]model.Episode, error)
}

// Executor transfers one episode into destDir and returns the local path.
type Executor interface {
	Fetch(ctx context.Context, ep model.Episode, destDir string) (string, error)
}

// Syncer runs sync passes over a set of subscriptions.
type Syncer struct {
	Source   Source
	Executor Executor

	// DownloadRoot holds one directory per subscription.
	DownloadRoot string
	// Concurrency bounds how many subscriptions are processed at once.
	Concurrency int
	// EpisodeConcurrency bounds parallel downloads within one subscription.
	EpisodeConcurrency int
}

// Options are the per-run parameters resolved by the caller.
type Options struct {
	Filter       string // case-insensitive regexp on subscription names
	CatchUp      bool
	LedgerPath   string
	RequireMatch bool
	Now          time.Time // defaults to the start of the run
}

// Report is the outcome of a run. Errors are never fatal to the run.
type Report struct {
	Paths    []string
	CaughtUp int
	Skipped  int
	Synced   []string // subscriptions whose feed was fetched
	Errors   []error
}

// Err aggregates the report's errors, or returns nil.
func (r *Report) Err() error {
	var result *multierror.Error
	for _, err := range r.Errors {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

type subResult struct {
	name     string
	fetched  bool
	paths    []string
	caughtUp int
	skipped  int
	errs     []error
}

// FilterSubscriptions returns the subscriptions whose name matches pattern,
// case-insensitively. An empty pattern matches everything.
func FilterSubscriptions(subs map[string]model.Subscription, pattern string) (map[string]model.Subscription, error) {
	if pattern == "" {
		return subs, nil
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", pattern, err)
	}
	out := make(map[string]model.Subscription)
	for name, sub := range subs {
		if re.MatchString(name) {
			out[name] = sub
		}
	}
	return out, nil
}

// Run loads the ledger, filters subs and syncs every survivor. The returned
// error is non-nil only for configuration failures, an empty or unmatched
// subscription set when RequireMatch is set, or cancellation. Per-feed and
// per-episode failures are in the report.
func (s *Syncer) Run(ctx context.Context, subs map[string]model.Subscription, opts Options) (*Report, error) {
	if err := ledger.Prepare(opts.LedgerPath); err != nil {
		return nil, &Error{Kind: KindConfig, Err: err}
	}
	l, err := ledger.Load(opts.LedgerPath)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Err: err}
	}

	if len(subs) == 0 && opts.RequireMatch {
		return nil, ErrNoSubscriptions
	}
	selected, err := FilterSubscriptions(subs, opts.Filter)
	if err != nil {
		return nil, &Error{Kind: KindConfig, Err: err}
	}
	if len(selected) == 0 && opts.RequireMatch {
		return nil, fmt.Errorf("%w: %q", ErrNoMatch, opts.Filter)
	}
	return s.RunWithLedger(ctx, l, selected, opts)
}

// RunWithLedger syncs subs against an already loaded ledger.
func (s *Syncer) RunWithLedger(ctx context.Context, l *ledger.Ledger, subs map[string]model.Subscription, opts Options) (*Report, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}
	report := &Report{}
	if len(subs) == 0 {
		return report, nil
	}

	names := make([]string, 0, len(subs))
	for name := range subs {
		names = append(names, name)
	}
	sort.Strings(names)

	workers := s.Concurrency
	if workers <= 0 {
		workers = DefaultConcurrency
	}
	if workers > len(names) {
		workers = len(names)
	}

	log.Printf("Syncing %d podcasts with concurrency=%d (catch-up: %t)", len(names), workers, opts.CatchUp)

	var wg sync.WaitGroup
	subChan := make(chan model.Subscription)
	resultChan := make(chan subResult, len(names))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sub := range subChan {
				resultChan <- s.syncOne(ctx, l, sub, opts)
			}
		}()
	}

	go func() {
		defer close(subChan)
		for _, name := range names {
			sub := subs[name]
			if sub.Name == "" {
				sub.Name = name
			}
			select {
			case <-ctx.Done():
				return
			case subChan <- sub:
			}
		}
	}()

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	for res := range resultChan {
		report.Paths = append(report.Paths, res.paths...)
		report.CaughtUp += res.caughtUp
		report.Skipped += res.skipped
		report.Errors = append(report.Errors, res.errs...)
		if res.fetched {
			report.Synced = append(report.Synced, res.name)
		}
	}
	sort.Strings(report.Synced)

	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("sync interrupted: %w", err)
	}
	return report, nil
}

type outcome struct {
	path    string
	err     error
	skipped bool
}

// syncOne processes one subscription. Downloads may overlap but ledger
// commits happen in feed order.
func (s *Syncer) syncOne(ctx context.Context, l *ledger.Ledger, sub model.Subscription, opts Options) subResult {
	res := subResult{name: sub.Name}

	episodes, err := s.Source.Fetch(ctx, sub)
	if err != nil {
		log.Printf("Failed to fetch %s: %v", sub.Name, err)
		res.errs = append(res.errs, &Error{Kind: KindFetch, Subscription: sub.Name, Err: err})
		return res
	}
	res.fetched = true

	selections := Select(episodes, l, opts.CatchUp, opts.Now)
	if len(selections) == 0 {
		return res
	}

	destDir := download.DestDir(s.DownloadRoot, sub)
	slots := s.dispatch(ctx, l, selections, destDir)

	for i, sel := range selections {
		ep := sel.Episode

		if sel.Action == ActionMarkDone {
			added, err := l.Record(ep.ID, ep.Title)
			if err != nil {
				res.errs = append(res.errs, &Error{Kind: KindLedgerWrite, Subscription: sub.Name, EpisodeID: ep.ID, Err: err})
				continue
			}
			if added {
				res.caughtUp++
			} else {
				res.skipped++
			}
			continue
		}

		o := <-slots[i]
		switch {
		case o.skipped:
			res.skipped++
		case o.err != nil && ctx.Err() != nil:
			// Cancelled runs report the context error once, not per episode.
			l.Release(ep.ID)
			res.skipped++
		case o.err != nil:
			l.Release(ep.ID)
			log.Printf("Failed to download %s from %s: %v", ep.ID, sub.Name, o.err)
			res.errs = append(res.errs, &Error{Kind: KindDownload, Subscription: sub.Name, EpisodeID: ep.ID, Err: o.err})
		default:
			if err := l.Commit(ep.ID, ep.Title); err != nil {
				log.Printf("LEDGER WRITE FAILED for %s (%s): %v; it will be downloaded again next run", ep.ID, o.path, err)
				res.errs = append(res.errs, &Error{Kind: KindLedgerWrite, Subscription: sub.Name, EpisodeID: ep.ID, Path: o.path, Err: err})
				continue
			}
			res.paths = append(res.paths, o.path)
		}
	}

	if n := len(res.paths); n > 0 {
		log.Printf("%s: downloaded %d episodes", sub.Name, n)
	}
	if res.caughtUp > 0 {
		log.Printf("%s: marked %d episodes as done", sub.Name, res.caughtUp)
	}
	return res
}

// dispatch starts downloads for the download selections, claiming each id
// first. Every download selection receives exactly one outcome on its slot.
func (s *Syncer) dispatch(ctx context.Context, l *ledger.Ledger, selections []Selection, destDir string) []chan outcome {
	limit := s.EpisodeConcurrency
	if limit <= 0 {
		limit = DefaultEpisodeConcurrency
	}

	slots := make([]chan outcome, len(selections))
	for i, sel := range selections {
		if sel.Action == ActionDownload {
			slots[i] = make(chan outcome, 1)
		}
	}

	go func() {
		sem := make(chan struct{}, limit)
		for i, sel := range selections {
			if sel.Action != ActionDownload {
				continue
			}
			ep := sel.Episode
			if !l.Claim(ep.ID) {
				slots[i] <- outcome{skipped: true}
				continue
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				slots[i] <- outcome{err: ctx.Err()}
				continue
			}
			go func(slot chan<- outcome, ep model.Episode) {
				defer func() { <-sem }()
				path, err := s.Executor.Fetch(ctx, ep, destDir)
				slot <- outcome{path: path, err: err}
			}(slots[i], ep)
		}
	}()

	return slots
}

// SubscriptionStore provides subscriptions and records sync times.
type SubscriptionStore interface {
	GetSubscriptions() (map[string]model.Subscription, error)
	UpdateLastSynced(name string, t time.Time) error
}

// SyncStore runs a sync over the subscriptions in store and stamps every
// subscription whose feed was fetched.
func (s *Syncer) SyncStore(ctx context.Context, store SubscriptionStore, opts Options) (*Report, error) {
	subs, err := store.GetSubscriptions()
	if err != nil {
		return nil, fmt.Errorf("load subscriptions: %w", err)
	}
	report, err := s.Run(ctx, subs, opts)
	if report != nil {
		now := time.Now()
		for _, name := range report.Synced {
			if uerr := store.UpdateLastSynced(name, now); uerr != nil {
				log.Printf("Error updating last_synced for %s: %v", name, uerr)
			}
		}
	}
	return report, err
}
