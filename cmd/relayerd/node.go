package main

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/pushchain/bridge-relayer/relayer/api"
	"github.com/pushchain/bridge-relayer/relayer/archiver"
	"github.com/pushchain/bridge-relayer/relayer/chains/evm"
	"github.com/pushchain/bridge-relayer/relayer/config"
	"github.com/pushchain/bridge-relayer/relayer/coordinator"
	"github.com/pushchain/bridge-relayer/relayer/db"
	"github.com/pushchain/bridge-relayer/relayer/metrics"
	"github.com/pushchain/bridge-relayer/relayer/recordstore"
	"github.com/pushchain/bridge-relayer/relayer/submitter"
	"github.com/pushchain/bridge-relayer/relayer/watcher"
)

const (
	dataSubdir = "data"
	dbFileName = "relayer.db"
)

// node owns every long-lived resource of a running relayer
type node struct {
	database    *db.DB
	source      *evm.Client
	dest        *evm.Client
	metrics     *metrics.Metrics
	coordinator *coordinator.Coordinator
	logger      zerolog.Logger
}

func newNode(cfg config.Config, home string, log zerolog.Logger) (_ *node, err error) {
	n := &node{logger: log}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	n.database, err = db.Open(db.Options{
		Driver:        cfg.DBDriver,
		Dir:           filepath.Join(home, dataSubdir),
		Filename:      dbFileName,
		DSN:           cfg.DBDSN,
		MigrateSchema: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	records := recordstore.New(n.database)

	key, err := evm.LoadSigningKey(cfg.SignerKeyHex, cfg.KeystorePath, cfg.KeystorePassword)
	if err != nil {
		return nil, err
	}

	rpcOpts := evm.RPCOptions{
		RetryAttempts:     uint(cfg.RPCRetryAttempts),
		CallTimeout:       cfg.RPCTimeout(),
		RequestsPerSecond: cfg.RPCRequestsPerSecond,
	}
	n.source, err = evm.NewClient(evm.ClientOptions{
		ChainID:      cfg.SourceChainID,
		RPCURLs:      cfg.SourceRPCURLs,
		RPC:          rpcOpts,
		PollInterval: cfg.EventPollingInterval(),
		BlockRange:   cfg.EventBlockRange,
		RescanDepth:  cfg.FinalityDepth,
	}, log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to source chain")
	}
	n.dest, err = evm.NewClient(evm.ClientOptions{
		ChainID:                cfg.DestChainID,
		RPCURLs:                cfg.DestRPCURLs,
		RPC:                    rpcOpts,
		SigningKey:             key,
		AlreadyExecutedReasons: cfg.AlreadyExecutedReasons,
	}, log)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to destination chain")
	}

	codec, err := evm.NewBridgeCodec()
	if err != nil {
		return nil, err
	}

	n.metrics, err = metrics.New()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metrics")
	}
	if err := n.metrics.RegisterStateGauge(stateCounter(records)); err != nil {
		return nil, errors.Wrap(err, "failed to register state gauge")
	}

	w := watcher.New(n.source, codec, records, watcher.Options{
		Contract:      cfg.SourceContractAddress,
		DestChainID:   cfg.DestChainKey(),
		FinalityDepth: cfg.FinalityDepth,
		StartFrom:     cfg.EventStartFrom,
		PollInterval:  cfg.EventPollingInterval(),
		Backoff:       cfg.BackoffPolicy(),
	}, n.metrics, log)

	s := submitter.New(n.dest, codec, records, submitter.Options{
		DestContract:        cfg.DestContractAddress,
		ConfirmationDepth:   cfg.ConfirmationDepth,
		MaxAttempts:         cfg.MaxAttempts,
		Backoff:             cfg.BackoffPolicy(),
		Workers:             cfg.SubmitWorkers,
		QueueSize:           cfg.SubmitQueueSize,
		ConfirmPollInterval: cfg.ConfirmationPollInterval(),
		ConfirmTimeout:      cfg.ConfirmationTimeout(),
		BroadcastTimeout:    cfg.BroadcastTimeout(),
		SweepInterval:       cfg.RetrySweepInterval(),
	}, n.metrics, log)

	database := n.database
	server := api.NewServer(log, cfg.QueryServerPort, records, n.metrics, func(ctx context.Context) error {
		return database.Ping()
	})
	arch := archiver.New(records, n.database, cfg.ArchiveInterval(), cfg.ArchiveAfter(), log)

	n.coordinator = coordinator.New(records, w, s, map[string]coordinator.Runner{
		"query server": server,
		"archiver":     arch,
	}, log)

	log.Info().
		Str("source_chain", cfg.SourceChainKey()).
		Str("dest_chain", cfg.DestChainKey()).
		Str("signer", n.dest.SignerAddress()).
		Str("db_driver", n.database.Driver()).
		Msg("relayer initialized")
	return n, nil
}

// Run blocks until ctx is cancelled or a component fails
func (n *node) Run(ctx context.Context) error {
	return n.coordinator.Run(ctx)
}

// Close releases every resource that was opened
func (n *node) Close() {
	if n.metrics != nil {
		if err := n.metrics.Shutdown(context.Background()); err != nil {
			n.logger.Warn().Err(err).Msg("failed to shut down metrics")
		}
	}
	if n.source != nil {
		n.source.Close()
	}
	if n.dest != nil {
		n.dest.Close()
	}
	if n.database != nil {
		if err := n.database.Close(); err != nil {
			n.logger.Warn().Err(err).Msg("failed to close database")
		}
	}
}

func stateCounter(records *recordstore.Store) metrics.StateCounter {
	return func(ctx context.Context) (map[string]int64, error) {
		counts, err := records.CountByState(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int64, len(counts))
		for state, n := range counts {
			out[string(state)] = n
		}
		return out, nil
	}
}
