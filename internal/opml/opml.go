// Package opml handles importing and exporting OPML files.
package opml

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/bryan-buckman/castkeep/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a single outline element (folder or feed).
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLURL   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// FeedEntry is one feed found in an OPML document.
type FeedEntry struct {
	Title string
	URL   string
}

// Name returns the subscription name for the entry: its title, or the
// feed host when the outline has no title.
func (e FeedEntry) Name() string {
	if t := strings.TrimSpace(e.Title); t != "" {
		return t
	}
	if u, err := url.Parse(e.URL); err == nil && u.Host != "" {
		return u.Host
	}
	return e.URL
}

// Parse reads an OPML document and returns a flat list of FeedEntry.
// Folders are walked but not kept; subscriptions have no hierarchy.
func Parse(r io.Reader) ([]FeedEntry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []FeedEntry
	var walk func(outlines []Outline)
	walk = func(outlines []Outline) {
		for _, o := range outlines {
			if o.XMLURL != "" {
				title := o.Title
				if title == "" {
					title = o.Text
				}
				entries = append(entries, FeedEntry{Title: title, URL: o.XMLURL})
			} else if len(o.Outlines) > 0 {
				walk(o.Outlines)
			}
		}
	}
	walk(doc.Body.Outlines)
	return entries, nil
}

// Export generates an OPML 2.0 document listing subs in the given order.
func Export(title string, subs []model.Subscription) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().Format(time.RFC1123Z),
		},
	}
	for _, s := range subs {
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Text:   s.Name,
			Title:  s.Name,
			Type:   "rss",
			XMLURL: s.URL,
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

// Adder stores new subscriptions.
type Adder interface {
	AddSubscription(sub model.Subscription) (bool, error)
}

// Import adds every entry whose name is not taken yet and returns the names
// that were added.
func Import(store Adder, entries []FeedEntry) ([]string, error) {
	var added []string
	for _, e := range entries {
		name := e.Name()
		ok, err := store.AddSubscription(model.Subscription{Name: name, URL: e.URL})
		if err != nil {
			return added, fmt.Errorf("add %s: %w", name, err)
		}
		if ok {
			added = append(added, name)
		}
	}
	return added, nil
}
