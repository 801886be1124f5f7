// Package server hosts the tally job pipeline behind gRPC and HTTP.
package server

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/teranos/tally/aggregate"
	"github.com/teranos/tally/am"
	"github.com/teranos/tally/blob"
	"github.com/teranos/tally/broker"
	"github.com/teranos/tally/db"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/ingest"
	"github.com/teranos/tally/pulse/async"
)

const (
	// ShutdownTimeout bounds graceful shutdown of listeners
	ShutdownTimeout = 30 * time.Second

	// Default and max limits for job listing
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// ServerState represents the server lifecycle state
type ServerState int32

const (
	ServerStateStarting ServerState = iota
	ServerStateRunning
	ServerStateDraining
	ServerStateStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerStateStarting:
		return "starting"
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server wires the job store, queue, workers, blob storage, broker and
// ingestion frontend, and exposes them over gRPC and HTTP
type Server struct {
	cfg      *am.Config
	store    async.JobStore
	queue    *async.Queue
	pool     *async.WorkerPool
	blobs    blob.Store
	broker   *broker.Broker
	frontend *ingest.Frontend
	watcher  *ingest.Watcher
	logger   *zap.SugaredLogger

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server
	mux        *http.ServeMux

	closers  []func() error
	state    atomic.Int32
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens the configured job store and blob storage and builds a server
// over them
func New(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (*Server, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	store, closeStore, err := OpenJobStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	blobs, err := blob.New(ctx, cfg.Storage, log)
	if err != nil {
		closeStore()
		return nil, errors.Wrap(err, "failed to open blob storage")
	}

	s, err := NewWithStores(cfg, store, blobs, log)
	if err != nil {
		closeStore()
		return nil, err
	}
	s.closers = append(s.closers, closeStore)
	return s, nil
}

// OpenJobStore opens and migrates the job store named by database.driver
func OpenJobStore(ctx context.Context, cfg *am.Config, log *zap.SugaredLogger) (async.JobStore, func() error, error) {
	switch cfg.Database.Driver {
	case am.DriverPostgres:
		pool, err := db.OpenPostgres(ctx, cfg.Database.DSN, log)
		if err != nil {
			return nil, nil, err
		}
		if err := db.MigratePostgres(ctx, pool, log); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return async.NewPGStore(pool), func() error { pool.Close(); return nil }, nil

	case am.DriverSQLite, "":
		conn, err := db.OpenWithMigrations(cfg.GetDatabasePath(), log)
		if err != nil {
			return nil, nil, err
		}
		return async.NewStore(conn), conn.Close, nil

	default:
		return nil, nil, errors.NewInvalidRequestError("unknown database driver %q", cfg.Database.Driver)
	}
}

// NewWithStores builds a server over an existing job store and blob store
func NewWithStores(cfg *am.Config, store async.JobStore, blobs blob.Store, log *zap.SugaredLogger) (*Server, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	handler, err := aggregate.NewHandler(blobs, aggregate.LayoutFromConfig(cfg.Aggregate), cfg.Pulse.CheckpointInterval, log)
	if err != nil {
		return nil, errors.Wrap(err, "invalid aggregate configuration")
	}
	registry := async.NewHandlerRegistry()
	registry.Register(handler)

	queue := async.NewQueue(store)

	poolCfg := async.DefaultWorkerPoolConfig()
	if cfg.Pulse.Workers > 0 {
		poolCfg.Workers = cfg.Pulse.Workers
	}
	pool := async.NewWorkerPool(queue, registry, poolCfg, log)

	b := broker.New(queue, blobs, registry, broker.Config{
		DefaultHandler: aggregate.HandlerName,
		ChunkSize:      cfg.Pulse.ChunkSize,
		SubmitRate:     cfg.Pulse.SubmitRate,
		SubmitBurst:    cfg.Pulse.SubmitBurst,
	}, log)

	s := &Server{
		cfg:      cfg,
		store:    store,
		queue:    queue,
		pool:     pool,
		blobs:    blobs,
		broker:   b,
		frontend: ingest.NewFrontend(blobs, b, cfg.Ingest.UploadBufSize, log),
		logger:   log.Named("server"),
	}
	s.setupGRPC()
	s.setupHTTPRoutes()
	return s, nil
}

// Broker returns the job broker
func (s *Server) Broker() *broker.Broker { return s.broker }

// Frontend returns the ingestion frontend
func (s *Server) Frontend() *ingest.Frontend { return s.frontend }

// GRPCServer returns the gRPC server with every service registered
func (s *Server) GRPCServer() *grpc.Server { return s.grpcServer }

// Handler returns the HTTP gateway
func (s *Server) Handler() http.Handler { return s.logRequests(s.mux) }
