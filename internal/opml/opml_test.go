package opml

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/bryan-buckman/castkeep/internal/model"
)

const sample = `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <head><title>Podcasts</title></head>
  <body>
    <outline text="Alpha Show" type="rss" xmlUrl="https://a.example.com/feed"/>
    <outline text="News">
      <outline text="ignored" title="Beta Daily" type="rss" xmlUrl="https://b.example.com/rss"/>
      <outline text="" type="rss" xmlUrl="https://c.example.com/pod.xml"/>
    </outline>
  </body>
</opml>`

func TestParse(t *testing.T) {
	entries, err := Parse(strings.NewReader(sample))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	want := []string{"Alpha Show", "Beta Daily", "c.example.com"}
	for i, e := range entries {
		if e.Name() != want[i] {
			t.Errorf("Entry %d: expected name %q, got %q", i, want[i], e.Name())
		}
	}
}

func TestParseInvalid(t *testing.T) {
	if _, err := Parse(strings.NewReader("not xml")); err == nil {
		t.Error("Expected error for invalid document")
	}
}

func TestExportRoundTrip(t *testing.T) {
	subs := []model.Subscription{
		{Name: "Alpha", URL: "https://a.example.com/feed"},
		{Name: "Beta & Co", URL: "https://b.example.com/rss?x=1&y=2"},
	}
	data, err := Export("castkeep", subs)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	entries, err := Parse(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Parse of export failed: %v", err)
	}
	if len(entries) != 2 || entries[1].Name() != "Beta & Co" || entries[1].URL != subs[1].URL {
		t.Errorf("Unexpected entries %+v", entries)
	}
}

type memStore struct {
	subs map[string]model.Subscription
	err  error
}

func (m *memStore) AddSubscription(sub model.Subscription) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	if _, ok := m.subs[sub.Name]; ok {
		return false, nil
	}
	m.subs[sub.Name] = sub
	return true, nil
}

func TestImport(t *testing.T) {
	store := &memStore{subs: map[string]model.Subscription{"Alpha Show": {}}}
	entries, _ := Parse(strings.NewReader(sample))

	added, err := Import(store, entries)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if len(added) != 2 || added[0] != "Beta Daily" {
		t.Errorf("Expected Beta Daily and c.example.com to be added, got %v", added)
	}

	store.err = errors.New("disk full")
	if _, err := Import(store, entries); err == nil {
		t.Error("Expected store error to be returned")
	}
}
