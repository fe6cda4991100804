package syncer

import (
	"errors"
	"fmt"
)

// Returned by runs with RequireMatch set.
var (
	// ErrNoSubscriptions means there is nothing subscribed at all.
	ErrNoSubscriptions = errors.New("no podcasts subscribed")
	// ErrNoMatch means subscriptions exist but the filter matched none.
	ErrNoMatch = errors.New("no podcasts matched the filter")
)

// Kind classifies sync failures.
type Kind int

const (
	// KindConfig is fatal: the ledger cannot be used or the filter is invalid.
	KindConfig Kind = iota + 1
	// KindFetch means a subscription's feed could not be retrieved.
	KindFetch
	// KindDownload means one episode transfer failed.
	KindDownload
	// KindLedgerWrite means an episode was downloaded but could not be
	// recorded. The file exists on disk and will be fetched again next run.
	KindLedgerWrite
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config error"
	case KindFetch:
		return "fetch error"
	case KindDownload:
		return "download error"
	case KindLedgerWrite:
		return "ledger write error"
	default:
		return "unknown error"
	}
}

// Error is a sync failure tagged with where it happened.
type Error struct {
	Kind         Kind
	Subscription string
	EpisodeID    string
	Path         string // downloaded file left without a ledger entry
	Err          error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Subscription != "" {
		msg += " [" + e.Subscription + "]"
	}
	if e.EpisodeID != "" {
		msg += " episode " + e.EpisodeID
	}
	if e.Path != "" {
		msg += fmt.Sprintf(" (file %s has no ledger entry)", e.Path)
	}
	return msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == kind
}
