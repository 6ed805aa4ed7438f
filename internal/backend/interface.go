package backend

import (
	"context"

	"kharcha/internal/amqp"
	"kharcha/internal/storage"
)

// CleanupFunc releases what a backend holds open.
type CleanupFunc func() error

// BackendResult is what a backend provides to the server and the worker.
// Outbox is nil unless the backend can queue entries; Publisher is nil
// when no broker is configured or reachable.
type BackendResult struct {
	Store     storage.Store
	Outbox    storage.Outbox
	Publisher *amqp.Client
	Cleanup   CleanupFunc
}

// Factory creates backends based on configuration
type Factory interface {
	CreateBackend(ctx context.Context, config Config) (*BackendResult, error)
}

// Config holds configuration for backend creation
type Config struct {
	Type BackendType

	SQLiteDBPath string
	AMQPURL      string
	AMQPExchange string
	AMQPQueue    string

	PostgresURL string
}

// BackendType represents the type of backend
type BackendType string

const (
	MemoryBackend   BackendType = "memory"
	SQLiteBackend   BackendType = "sqlite"
	PostgresBackend BackendType = "postgres"
)

func (bt BackendType) String() string {
	return string(bt)
}

func (bt BackendType) IsValid() bool {
	switch bt {
	case MemoryBackend, SQLiteBackend, PostgresBackend:
		return true
	default:
		return false
	}
}
