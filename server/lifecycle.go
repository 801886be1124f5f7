package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/ingest"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/sym"
)

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", logger.FieldState, newState.String())
}

// Start recovers jobs left by a previous process and starts the workers and,
// when configured, the drop directory watcher. It does not listen.
func (s *Server) Start(ctx context.Context) error {
	if err := s.pool.Start(); err != nil {
		return errors.Wrap(err, "failed to start worker pool")
	}

	if dir := s.cfg.Ingest.WatchDir; dir != "" {
		settle := time.Duration(s.cfg.Ingest.SettleMillis) * time.Millisecond
		w, err := ingest.NewWatcher(dir, s.frontend, settle, s.logger)
		if err != nil {
			s.pool.Stop()
			return errors.Wrap(err, "failed to start drop directory watcher")
		}
		if err := w.Start(ctx); err != nil {
			w.Stop()
			s.pool.Stop()
			return err
		}
		s.watcher = w
	}

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	s.setState(ServerStateRunning)
	return nil
}

// Serve starts the server, listens on the configured gRPC and HTTP addresses
// and blocks until ctx ends or a listener fails. It always shuts down before
// returning.
func (s *Server) Serve(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", s.cfg.GRPCAddr())
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.GRPCAddr())
	}

	var httpLis net.Listener
	if addr := s.cfg.HTTPAddr(); addr != "" {
		httpLis, err = net.Listen("tcp", addr)
		if err != nil {
			grpcLis.Close()
			return errors.Wrapf(err, "failed to listen on %s", addr)
		}
	}

	return s.ServeListeners(ctx, grpcLis, httpLis)
}

// ServeListeners is Serve over listeners the caller opened. httpLis may be nil.
func (s *Server) ServeListeners(ctx context.Context, grpcLis, httpLis net.Listener) error {
	if err := s.Start(ctx); err != nil {
		grpcLis.Close()
		if httpLis != nil {
			httpLis.Close()
		}
		return err
	}

	errCh := make(chan error, 2)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infow(fmt.Sprintf("%s gRPC server listening", sym.Pulse), logger.FieldAddress, grpcLis.Addr().String())
		if err := s.grpcServer.Serve(grpcLis); err != nil {
			errCh <- errors.Wrap(err, "grpc serve")
		}
	}()

	if httpLis != nil {
		s.httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.logger.Infow("HTTP gateway listening", logger.FieldAddress, httpLis.Addr().String())
			if err := s.httpServer.Serve(httpLis); err != nil && err != http.ErrServerClosed {
				errCh <- errors.Wrap(err, "http serve")
			}
		}()
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		s.logger.Errorw("Listener failed, shutting down", logger.FieldError, serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ShutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = err
	}
	return serveErr
}

// Shutdown stops intake, then lets running jobs finish before closing the
// queue and the stores. Safe to call more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		err = s.shutdown(ctx)
	})
	return err
}

func (s *Server) shutdown(ctx context.Context) error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)
	s.health.Shutdown()

	// Intake first: no new uploads or submissions
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warnw("HTTP shutdown incomplete", logger.FieldError, err)
		}
	}
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warnw("gRPC graceful stop timed out, closing connections")
		s.grpcServer.Stop()
		<-stopped
	}

	if s.watcher != nil {
		if err := s.watcher.Stop(); err != nil {
			s.logger.Warnw("Failed to stop drop directory watcher", logger.FieldError, err)
		}
	}

	if !s.pool.Stop() {
		s.logger.Warnw("Workers still running at shutdown; their jobs are failed on next start")
	}
	s.queue.Close()
	s.wg.Wait()

	var firstErr error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete")
	return firstErr
}
