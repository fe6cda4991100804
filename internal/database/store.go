// Package database provides storage backends for subscriptions and settings.
package database

import (
	"errors"
	"strings"
	"time"

	"github.com/bryan-buckman/castkeep/internal/model"
)

// ErrNotFound is returned when a subscription does not exist.
var ErrNotFound = errors.New("subscription not found")

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// Subscription operations
	GetSubscriptions() (map[string]model.Subscription, error)
	ListSubscriptions() ([]model.Subscription, error)
	GetSubscription(name string) (*model.Subscription, error)
	AddSubscription(sub model.Subscription) (bool, error)
	DeleteSubscription(name string) error
	UpdateLastSynced(name string, t time.Time) error

	// Settings operations
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	GetPollingInterval() (int, error)
}

// Open picks the backend: a postgres:// URL selects PostgreSQL, otherwise
// the SQLite file at path is used.
func Open(databaseURL, path string) (Store, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return NewPostgres(databaseURL)
	}
	return New(path)
}

func toMap(subs []model.Subscription) map[string]model.Subscription {
	m := make(map[string]model.Subscription, len(subs))
	for _, s := range subs {
		m[s.Name] = s
	}
	return m
}
