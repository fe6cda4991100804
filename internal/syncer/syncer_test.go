package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bryan-buckman/castkeep/internal/ledger"
	"github.com/bryan-buckman/castkeep/internal/model"
)

type fakeSource struct {
	feeds map[string][]model.Episode
	fail  map[string]error
}

func (f *fakeSource) Fetch(ctx context.Context, sub model.Subscription) ([]model.Episode, error) {
	if err, ok := f.fail[sub.Name]; ok {
		return nil, err
	}
	return f.feeds[sub.Name], nil
}

type fakeExecutor struct {
	mu     sync.Mutex
	calls  map[string]int
	fail   map[string]bool
	delays map[string]time.Duration
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		calls:  make(map[string]int),
		fail:   make(map[string]bool),
		delays: make(map[string]time.Duration),
	}
}

func (f *fakeExecutor) Fetch(ctx context.Context, ep model.Episode, destDir string) (string, error) {
	f.mu.Lock()
	f.calls[ep.ID]++
	fail := f.fail[ep.ID]
	delay := f.delays[ep.ID]
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if fail {
		return "", errors.New("connection reset")
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(destDir, ep.ID+".mp3")
	return path, os.WriteFile(path, []byte(ep.ID), 0o644)
}

func (f *fakeExecutor) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func (f *fakeExecutor) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func episodes(ids ...string) []model.Episode {
	out := make([]model.Episode, len(ids))
	for i, id := range ids {
		out[i] = model.Episode{
			ID:        id,
			Title:     "Title " + id,
			Published: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
		}
	}
	return out
}

func subscriptions(names ...string) map[string]model.Subscription {
	subs := make(map[string]model.Subscription)
	for _, name := range names {
		subs[name] = model.Subscription{Name: name, URL: "https://feeds.example.com/" + name}
	}
	return subs
}

type fixture struct {
	syncer *Syncer
	src    *fakeSource
	exec   *fakeExecutor
	ledger string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	src := &fakeSource{feeds: make(map[string][]model.Episode), fail: make(map[string]error)}
	exec := newFakeExecutor()
	return &fixture{
		syncer: &Syncer{
			Source:             src,
			Executor:           exec,
			DownloadRoot:       filepath.Join(dir, "downloads"),
			Concurrency:        4,
			EpisodeConcurrency: 2,
		},
		src:    src,
		exec:   exec,
		ledger: filepath.Join(dir, "state", "downloaded"),
	}
}

func (f *fixture) run(t *testing.T, subs map[string]model.Subscription, opts Options) *Report {
	t.Helper()
	opts.LedgerPath = f.ledger
	report, err := f.syncer.Run(context.Background(), subs, opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return report
}

func (f *fixture) entries(t *testing.T) []model.LedgerEntry {
	t.Helper()
	entries, err := ledger.Entries(f.ledger)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	return entries
}

func TestRunDownloadsNewEpisodes(t *testing.T) {
	f := newFixture(t)
	f.src.feeds["Alpha"] = episodes("a1", "a2")
	f.src.feeds["Beta"] = episodes("b1")

	report := f.run(t, subscriptions("Alpha", "Beta"), Options{})

	if len(report.Paths) != 3 {
		t.Fatalf("Expected 3 paths, got %d: %v", len(report.Paths), report.Paths)
	}
	for _, p := range report.Paths {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Expected file %s to exist: %v", p, err)
		}
	}
	if len(report.Errors) != 0 {
		t.Errorf("Expected no errors, got %v", report.Errors)
	}
	if got := report.Synced; len(got) != 2 || got[0] != "Alpha" || got[1] != "Beta" {
		t.Errorf("Expected Synced [Alpha Beta], got %v", got)
	}
	if n := len(f.entries(t)); n != 3 {
		t.Errorf("Expected 3 ledger entries, got %d", n)
	}
	wantDir := filepath.Join(f.syncer.DownloadRoot, "alpha")
	if _, err := os.Stat(filepath.Join(wantDir, "a1.mp3")); err != nil {
		t.Errorf("Expected a1 under %s: %v", wantDir, err)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.src.feeds["Alpha"] = episodes("a1", "a2", "a3")
	subs := subscriptions("Alpha")

	f.run(t, subs, Options{})
	before := len(f.entries(t))

	report := f.run(t, subs, Options{})
	if len(report.Paths) != 0 {
		t.Errorf("Expected no downloads on second run, got %v", report.Paths)
	}
	if after := len(f.entries(t)); after != before {
		t.Errorf("Expected ledger to stay at %d entries, got %d", before, after)
	}
	if f.exec.total() != 3 {
		t.Errorf("Expected 3 executor calls in total, got %d", f.exec.total())
	}
}

func TestRunCatchUp(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	eps := episodes("a1", "a2")
	future := model.Episode{ID: "a3", Title: "Soon", Published: now.Add(24 * time.Hour)}
	f.src.feeds["Alpha"] = append(eps, future)

	report := f.run(t, subscriptions("Alpha"), Options{CatchUp: true, Now: now})

	if len(report.Paths) != 0 {
		t.Errorf("Expected no downloaded paths, got %v", report.Paths)
	}
	if report.CaughtUp != 2 {
		t.Errorf("Expected 2 caught-up episodes, got %d", report.CaughtUp)
	}
	if f.exec.total() != 0 {
		t.Errorf("Expected executor not to be called, got %d calls", f.exec.total())
	}
	entries := f.entries(t)
	if len(entries) != 2 {
		t.Fatalf("Expected 2 ledger entries, got %d", len(entries))
	}

	// A later normal sync only picks up the future episode.
	report = f.run(t, subscriptions("Alpha"), Options{})
	if len(report.Paths) != 1 || f.exec.count("a3") != 1 {
		t.Errorf("Expected only a3 to be downloaded, got %v", report.Paths)
	}
}

func TestRunFilter(t *testing.T) {
	f := newFixture(t)
	f.src.feeds["Alpha"] = episodes("a1")
	f.src.feeds["Beta"] = episodes("b1")

	report := f.run(t, subscriptions("Alpha", "Beta"), Options{Filter: "alp"})

	if len(report.Synced) != 1 || report.Synced[0] != "Alpha" {
		t.Errorf("Expected only Alpha to be synced, got %v", report.Synced)
	}
	if f.exec.count("b1") != 0 {
		t.Error("Expected Beta not to be processed")
	}
}

func TestRunRequireMatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.syncer.Run(context.Background(), subscriptions("Alpha"), Options{
		Filter:       "gamma",
		LedgerPath:   f.ledger,
		RequireMatch: true,
	})
	if !errors.Is(err, ErrNoMatch) {
		t.Fatalf("Expected ErrNoMatch, got %v", err)
	}
}

func TestRunRequireMatchNothingSubscribed(t *testing.T) {
	f := newFixture(t)
	_, err := f.syncer.Run(context.Background(), map[string]model.Subscription{}, Options{
		Filter:       "gamma",
		LedgerPath:   f.ledger,
		RequireMatch: true,
	})
	if !errors.Is(err, ErrNoSubscriptions) {
		t.Fatalf("Expected ErrNoSubscriptions, got %v", err)
	}
	if errors.Is(err, ErrNoMatch) {
		t.Errorf("Empty subscription set reported as a filter miss: %v", err)
	}
}

func TestRunInvalidFilter(t *testing.T) {
	f := newFixture(t)
	_, err := f.syncer.Run(context.Background(), subscriptions("Alpha"), Options{
		Filter:     "(",
		LedgerPath: f.ledger,
	})
	if !IsKind(err, KindConfig) {
		t.Fatalf("Expected config error, got %v", err)
	}
}

func TestRunLedgerPathIsDirectory(t *testing.T) {
	f := newFixture(t)
	_, err := f.syncer.Run(context.Background(), subscriptions("Alpha"), Options{LedgerPath: t.TempDir()})
	if !IsKind(err, KindConfig) {
		t.Fatalf("Expected config error, got %v", err)
	}
	if !errors.Is(err, ledger.ErrIsDirectory) {
		t.Errorf("Expected wrapped ErrIsDirectory, got %v", err)
	}
}

func TestRunSharedEpisodeDownloadedOnce(t *testing.T) {
	f := newFixture(t)
	f.syncer.Concurrency = 8
	var subs = make(map[string]model.Subscription)
	for i := 0; i < 8; i++ {
		name := fmt.Sprintf("Feed%d", i)
		subs[name] = model.Subscription{Name: name}
		f.src.feeds[name] = episodes("shared", "dup", "dup", fmt.Sprintf("own%d", i))
	}
	f.exec.delays["shared"] = 20 * time.Millisecond

	report := f.run(t, subs, Options{})

	if c := f.exec.count("shared"); c != 1 {
		t.Errorf("Expected shared episode to be downloaded once, got %d", c)
	}
	if c := f.exec.count("dup"); c != 1 {
		t.Errorf("Expected repeated episode to be downloaded once, got %d", c)
	}
	if len(report.Paths) != 10 {
		t.Errorf("Expected 10 paths, got %d", len(report.Paths))
	}
	ids := make(map[string]int)
	for _, e := range f.entries(t) {
		ids[e.EpisodeID]++
	}
	for id, n := range ids {
		if n != 1 {
			t.Errorf("Expected one ledger entry for %s, got %d", id, n)
		}
	}
}

func TestRunResumesAfterInterruption(t *testing.T) {
	f := newFixture(t)
	f.src.feeds["Alpha"] = episodes("a1", "a2", "a3", "a4", "a5")

	// Two of five were recorded before the process stopped.
	for _, id := range []string{"a1", "a3"} {
		if err := ledger.Append(f.ledger, model.LedgerEntry{EpisodeID: id, RecordedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	report := f.run(t, subscriptions("Alpha"), Options{})
	if len(report.Paths) != 3 {
		t.Errorf("Expected 3 remaining downloads, got %d", len(report.Paths))
	}
	for _, id := range []string{"a1", "a3"} {
		if f.exec.count(id) != 0 {
			t.Errorf("Expected %s not to be downloaded again", id)
		}
	}
}

func TestRunDownloadFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.src.feeds["Alpha"] = episodes("a1", "a2", "a3")
	f.src.feeds["Beta"] = episodes("b1")
	f.exec.fail["a2"] = true

	report := f.run(t, subscriptions("Alpha", "Beta"), Options{})

	if len(report.Paths) != 3 {
		t.Errorf("Expected 3 successful downloads, got %d", len(report.Paths))
	}
	if len(report.Errors) != 1 || !IsKind(report.Errors[0], KindDownload) {
		t.Fatalf("Expected one download error, got %v", report.Errors)
	}
	var se *Error
	errors.As(report.Errors[0], &se)
	if se.Subscription != "Alpha" || se.EpisodeID != "a2" {
		t.Errorf("Expected error tagged Alpha/a2, got %s/%s", se.Subscription, se.EpisodeID)
	}
	if report.Err() == nil {
		t.Error("Expected aggregated error")
	}

	// The failed episode is retried on the next run.
	delete(f.exec.fail, "a2")
	report = f.run(t, subscriptions("Alpha", "Beta"), Options{})
	if len(report.Paths) != 1 || f.exec.count("a2") != 2 {
		t.Errorf("Expected a2 to be retried, got paths %v", report.Paths)
	}
}

func TestRunFetchFailureIsIsolated(t *testing.T) {
	f := newFixture(t)
	f.src.fail["Alpha"] = errors.New("feed unreachable")
	f.src.feeds["Beta"] = episodes("b1")

	report := f.run(t, subscriptions("Alpha", "Beta"), Options{})

	if len(report.Paths) != 1 {
		t.Errorf("Expected Beta to be downloaded, got %v", report.Paths)
	}
	if len(report.Errors) != 1 || !IsKind(report.Errors[0], KindFetch) {
		t.Errorf("Expected one fetch error, got %v", report.Errors)
	}
	if len(report.Synced) != 1 || report.Synced[0] != "Beta" {
		t.Errorf("Expected only Beta in Synced, got %v", report.Synced)
	}
}

func TestRunLedgerWriteFailure(t *testing.T) {
	f := newFixture(t)
	f.src.feeds["Alpha"] = episodes("a1")

	l, err := ledger.Load(f.ledger)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(f.ledger, 0o755); err != nil {
		t.Fatal(err)
	}

	report, err := f.syncer.RunWithLedger(context.Background(), l, subscriptions("Alpha"), Options{})
	if err != nil {
		t.Fatalf("RunWithLedger failed: %v", err)
	}
	if len(report.Paths) != 0 {
		t.Errorf("Unrecorded download must not be reported as success, got %v", report.Paths)
	}
	if len(report.Errors) != 1 || !IsKind(report.Errors[0], KindLedgerWrite) {
		t.Fatalf("Expected a ledger write error, got %v", report.Errors)
	}
	var se *Error
	errors.As(report.Errors[0], &se)
	if se.Path == "" {
		t.Error("Expected ledger write error to carry the orphaned file path")
	}
}

func TestRunCommitsInFeedOrder(t *testing.T) {
	f := newFixture(t)
	f.syncer.EpisodeConcurrency = 4
	f.src.feeds["Alpha"] = episodes("e1", "e2", "e3", "e4")
	f.exec.delays["e1"] = 40 * time.Millisecond
	f.exec.delays["e2"] = 20 * time.Millisecond

	f.run(t, subscriptions("Alpha"), Options{})

	entries := f.entries(t)
	var got []string
	for _, e := range entries {
		got = append(got, e.EpisodeID)
	}
	want := []string{"e1", "e2", "e3", "e4"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected ledger order %v, got %v", want, got)
	}
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	f.src.feeds["Alpha"] = episodes("a1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.syncer.Run(ctx, subscriptions("Alpha"), Options{LedgerPath: f.ledger})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if report == nil {
		t.Fatal("Expected a partial report")
	}
}

type cancellingExecutor struct {
	cancel context.CancelFunc
}

func (c cancellingExecutor) Fetch(ctx context.Context, ep model.Episode, destDir string) (string, error) {
	c.cancel()
	<-ctx.Done()
	return "", fmt.Errorf("get %s: %w", ep.ID, ctx.Err())
}

func TestRunCancelledMidDownloadSkipsRemaining(t *testing.T) {
	f := newFixture(t)
	f.src.feeds["Alpha"] = episodes("c1", "c2", "c3", "c4")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.syncer.Executor = cancellingExecutor{cancel: cancel}
	f.syncer.EpisodeConcurrency = 1

	l, err := ledger.Load(f.ledger)
	if err != nil {
		t.Fatal(err)
	}
	report, err := f.syncer.RunWithLedger(ctx, l, subscriptions("Alpha"), Options{LedgerPath: f.ledger})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if len(report.Errors) != 0 {
		t.Errorf("Expected no per-episode errors after cancel, got %v", report.Errors)
	}
	if report.Skipped != 4 {
		t.Errorf("Expected 4 skipped episodes, got %d", report.Skipped)
	}
	for _, id := range []string{"c1", "c2", "c3", "c4"} {
		if l.Contains(id) {
			t.Errorf("Episode %s recorded after cancel", id)
		}
		if !l.Claim(id) {
			t.Errorf("Claim on %s was not released", id)
		}
	}
}

func TestFilterSubscriptions(t *testing.T) {
	subs := subscriptions("Alpha", "Alphabet", "Beta")
	got, err := FilterSubscriptions(subs, "^ALPHA")
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for name := range got {
		names = append(names, name)
	}
	sort.Strings(names)
	if fmt.Sprint(names) != "[Alpha Alphabet]" {
		t.Errorf("Unexpected match set %v", names)
	}

	all, _ := FilterSubscriptions(subs, "")
	if len(all) != 3 {
		t.Errorf("Expected empty filter to match all, got %d", len(all))
	}
}

func TestPollerRunsAndStops(t *testing.T) {
	ran := make(chan struct{}, 1)
	p := NewPoller(fixedInterval(0), func(ctx context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})
	p.Start()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected poller to run a pass")
	}
	p.Stop()

	if got := p.interval(); got != MinPollingIntervalMinutes {
		t.Errorf("Expected interval clamped to %d, got %d", MinPollingIntervalMinutes, got)
	}
}

type fixedInterval int

func (f fixedInterval) GetPollingInterval() (int, error) { return int(f), nil }
