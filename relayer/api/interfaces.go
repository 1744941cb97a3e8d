package api

import (
	"context"
	"iter"

	"github.com/pushchain/bridge-relayer/relayer/store"
)

// RecordReader defines the record store methods needed by the API server
type RecordReader interface {
	Get(ctx context.Context, key store.Key) (*store.RelayRecord, error)
	ListByState(ctx context.Context, state store.State) iter.Seq2[*store.RelayRecord, error]
	CountByState(ctx context.Context) (map[store.State]int64, error)
}

// HealthCheck reports whether the relayer can serve, e.g. by pinging the database
type HealthCheck func(ctx context.Context) error
