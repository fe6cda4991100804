// Package model defines shared data structures.
package model

import "time"

// Subscription is one named podcast feed.
type Subscription struct {
	ID          int64
	Name        string
	URL         string
	DownloadDir string // overrides the default per-feed directory when set
	CreatedAt   time.Time
	LastSynced  time.Time
}

// Enclosure is the media attachment of an episode.
type Enclosure struct {
	URL    string
	Type   string
	Length int64
}

// Episode is a candidate episode reported by a feed fetch.
type Episode struct {
	ID        string // derived from the item GUID, unique for the ledger's lifetime
	Title     string
	Published time.Time // zero if the feed gave no date
	Enclosure Enclosure
}

// LedgerEntry is one record in the download ledger.
type LedgerEntry struct {
	EpisodeID  string
	RecordedAt time.Time
	Title      string
}

// Settings key constants.
const (
	SettingPollingInterval = "polling_interval_minutes"
)
