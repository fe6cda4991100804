// Package rss fetches podcast feeds and turns their items into candidate episodes.
package rss

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/bryan-buckman/castkeep/internal/model"
	"github.com/mmcdole/gofeed"
)

// DefaultTimeout bounds a single feed request.
const DefaultTimeout = 60 * time.Second

// Options configures a Fetcher.
type Options struct {
	Timeout   time.Duration
	UserAgent string
	Limiter   *DomainLimiter
}

// Fetcher handles feed fetching.
type Fetcher struct {
	parser  *gofeed.Parser
	limiter *DomainLimiter
}

// NewFetcher creates a new fetcher.
func NewFetcher(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Limiter == nil {
		opts.Limiter = NewDomainLimiter()
	}
	p := gofeed.NewParser()
	p.Client = &http.Client{Timeout: opts.Timeout}
	if opts.UserAgent != "" {
		p.UserAgent = opts.UserAgent
	}
	return &Fetcher{
		parser:  p,
		limiter: opts.Limiter,
	}
}

// Fetch retrieves the feed of sub and returns its episodes in feed order.
func (f *Fetcher) Fetch(ctx context.Context, sub model.Subscription) ([]model.Episode, error) {
	feed, err := f.parse(ctx, sub.URL)
	if err != nil {
		return nil, err
	}
	episodes := Episodes(feed)
	if skipped := len(feed.Items) - len(episodes); skipped > 0 {
		log.Printf("%s: skipped %d items without a media enclosure", sub.Name, skipped)
	}
	return episodes, nil
}

// Peek fetches feedURL and returns the feed title.
func (f *Fetcher) Peek(ctx context.Context, feedURL string) (string, error) {
	feed, err := f.parse(ctx, feedURL)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(feed.Title), nil
}

func (f *Fetcher) parse(ctx context.Context, feedURL string) (*gofeed.Feed, error) {
	if err := f.limiter.Acquire(ctx, feedURL); err != nil {
		return nil, fmt.Errorf("rate limit cancelled for %s: %w", feedURL, err)
	}
	defer f.limiter.Release(feedURL)

	feed, err := f.parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	return feed, nil
}

// Episodes converts parsed feed items to episodes, dropping items that have
// no usable identifier or enclosure.
func Episodes(feed *gofeed.Feed) []model.Episode {
	episodes := make([]model.Episode, 0, len(feed.Items))
	for _, item := range feed.Items {
		enc, ok := mediaEnclosure(item)
		if !ok {
			continue
		}
		id := episodeID(item, enc)
		if id == "" {
			continue
		}
		ep := model.Episode{
			ID:        id,
			Title:     strings.TrimSpace(item.Title),
			Enclosure: enc,
		}
		switch {
		case item.PublishedParsed != nil:
			ep.Published = *item.PublishedParsed
		case item.UpdatedParsed != nil:
			ep.Published = *item.UpdatedParsed
		}
		if ep.Title == "" {
			ep.Title = id
		}
		episodes = append(episodes, ep)
	}
	return episodes
}

// episodeID prefers the GUID, then the enclosure URL, then the item link.
// Whitespace is replaced so the id stays a single ledger token.
func episodeID(item *gofeed.Item, enc model.Enclosure) string {
	id := strings.TrimSpace(item.GUID)
	if id == "" {
		id = strings.TrimSpace(enc.URL)
	}
	if id == "" {
		id = strings.TrimSpace(item.Link)
	}
	return strings.Join(strings.FieldsFunc(id, unicode.IsSpace), "_")
}

func mediaEnclosure(item *gofeed.Item) (model.Enclosure, bool) {
	var chosen *gofeed.Enclosure
	for _, e := range item.Enclosures {
		if e == nil || strings.TrimSpace(e.URL) == "" {
			continue
		}
		if strings.HasPrefix(e.Type, "audio/") || strings.HasPrefix(e.Type, "video/") {
			chosen = e
			break
		}
		if chosen == nil {
			chosen = e
		}
	}
	if chosen == nil {
		return model.Enclosure{}, false
	}
	length, _ := strconv.ParseInt(strings.TrimSpace(chosen.Length), 10, 64)
	return model.Enclosure{
		URL:    strings.TrimSpace(chosen.URL),
		Type:   chosen.Type,
		Length: length,
	}, true
}
