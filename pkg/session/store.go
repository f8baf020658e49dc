// Package session persists per-agent chat histories keyed by session ID.
package session

import (
	"context"
	"errors"
	"strings"

	"github.com/aixgo-dev/convergence/pkg/chat"
)

// Common errors for storage operations.
var (
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("chat store is closed")
	// ErrInvalidPathComponent is returned when an agent name or session ID
	// cannot be used as a storage key.
	ErrInvalidPathComponent = errors.New("invalid path component: contains path separator or traversal sequence")
)

// ChatStore stores one history per (agent, session) pair.
// Implementations must be safe for concurrent use. Get followed by Set is
// not atomic; concurrent invocations on one session may lose an update.
type ChatStore interface {
	// Get returns the stored history, or nil and no error when there is none.
	Get(ctx context.Context, agent, session string) (*chat.History, error)

	// Set replaces the stored history.
	Set(ctx context.Context, agent, session string, history *chat.History) error

	// Delete removes a history. Deleting an absent history is not an error.
	Delete(ctx context.Context, agent, session string) error

	// Sessions lists the session IDs stored for an agent, sorted.
	Sessions(ctx context.Context, agent string) ([]string, error)

	// Close releases any resources held by the store.
	Close() error
}

// validateKey checks that agent and session are safe to use as path
// components and key segments.
func validateKey(agent, session string) error {
	if err := validatePathComponent(agent); err != nil {
		return err
	}
	return validatePathComponent(session)
}

func validatePathComponent(s string) error {
	if s == "" {
		return errors.New("path component cannot be empty")
	}
	if strings.ContainsAny(s, `/\:`) || strings.Contains(s, "..") {
		return ErrInvalidPathComponent
	}
	return nil
}
