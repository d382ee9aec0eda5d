// Package storage defines persistence interfaces for the agent.
package storage

import (
	"context"

	offline "github.com/eugener/stowaway/internal"
)

// Store is a durable CacheStorage with lifecycle hooks.
type Store interface {
	offline.CacheStorage
	Ping(ctx context.Context) error
	Close() error
}
