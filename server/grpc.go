package server

import (
	"context"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"github.com/google/uuid"

	"github.com/teranos/tally/broker"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/ingest"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/rpc"
	"github.com/teranos/tally/sym"
)

const serviceName = "tally.v1.Tally"

// setupGRPC creates the gRPC server with the tally, health and reflection services
func (s *Server) setupGRPC() {
	s.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.unaryLogger),
		grpc.ChainStreamInterceptor(s.streamLogger),
	)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	reflection.Register(s.grpcServer)
	rpc.RegisterTallyServer(s.grpcServer, &tallyService{server: s})
}

func callContext(ctx context.Context) context.Context {
	return logger.WithComponent(logger.WithRequestID(ctx, uuid.NewString()), "grpc")
}

func (s *Server) unaryLogger(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	ctx = callContext(ctx)
	resp, err := handler(ctx, req)
	s.logCall(ctx, info.FullMethod, start, err)
	return resp, err
}

func (s *Server) streamLogger(srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	start := time.Now()
	err := handler(srv, ss)
	s.logCall(callContext(ss.Context()), info.FullMethod, start, err)
	return err
}

func (s *Server) logCall(ctx context.Context, method string, start time.Time, err error) {
	log := logger.LoggerFromContext(ctx, s.logger)
	fields := []interface{}{
		logger.FieldMethod, method,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields = append(fields, logger.FieldErrorCode, status.Code(err).String(), logger.FieldError, err)
		log.Debugw("gRPC call failed", fields...)
		return
	}
	log.Debugw("gRPC call", fields...)
}

// tallyService implements rpc.TallyServer over the broker and ingestion frontend
type tallyService struct {
	rpc.UnimplementedTallyServer
	server *Server
}

// uploadSource turns an Upload stream into chunks, starting with the first
// message already received
type uploadSource struct {
	stream  grpc.ClientStreamingServer[rpc.UploadChunk, rpc.SubmitResponse]
	pending []byte
	eof     bool
}

func (u *uploadSource) Next() ([]byte, error) {
	if u.eof {
		return nil, io.EOF
	}
	if u.pending != nil {
		chunk := u.pending
		u.pending = nil
		return chunk, nil
	}
	msg, err := u.stream.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

func (t *tallyService) Upload(stream grpc.ClientStreamingServer[rpc.UploadChunk, rpc.SubmitResponse]) error {
	src := &uploadSource{stream: stream}
	var meta ingest.Upload

	// the first message carries the filename
	first, err := stream.Recv()
	switch {
	case err == io.EOF:
		src.eof = true
	case err != nil:
		return rpc.StatusError(errors.Mark(errors.Wrap(err, "upload ended before completion"), errors.ErrIngestionAborted))
	default:
		meta.Source = first.Filename
		src.pending = first.Data
	}

	sub, err := t.server.frontend.Ingest(stream.Context(), src, meta)
	if err != nil {
		return rpc.StatusError(err)
	}

	t.server.logger.Infow(sym.IX+" Upload accepted", logger.FieldJobID, sub.JobID, logger.FieldFile, meta.Source)
	return stream.SendAndClose(rpc.SubmissionResponse(sub))
}

func (t *tallyService) Submit(ctx context.Context, req *rpc.SubmitRequest) (*rpc.SubmitResponse, error) {
	sub, err := t.server.broker.Submit(ctx, broker.SubmitRequest{
		InputRef: req.InputRef,
		Source:   req.Source,
		Handler:  req.Handler,
	})
	if err != nil {
		return nil, rpc.StatusError(err)
	}
	return rpc.SubmissionResponse(sub), nil
}

func (t *tallyService) Query(ctx context.Context, req *rpc.QueryRequest) (*rpc.QueryResponse, error) {
	st, err := t.server.broker.Query(ctx, req.JobID)
	if err != nil {
		return nil, rpc.StatusError(err)
	}
	return rpc.StatusResponse(*st), nil
}

func (t *tallyService) StreamOutput(req *rpc.OutputRequest, stream grpc.ServerStreamingServer[rpc.OutputChunk]) error {
	err := t.server.broker.StreamOutput(stream.Context(), req.JobID, func(chunk []byte) error {
		// the broker reuses its buffer
		data := make([]byte, len(chunk))
		copy(data, chunk)
		return stream.Send(&rpc.OutputChunk{Data: data})
	})
	return rpc.StatusError(err)
}

func (t *tallyService) Watch(req *rpc.QueryRequest, stream grpc.ServerStreamingServer[rpc.QueryResponse]) error {
	updates, err := t.server.broker.Watch(stream.Context(), req.JobID)
	if err != nil {
		return rpc.StatusError(err)
	}
	for st := range updates {
		if err := stream.Send(rpc.StatusResponse(st)); err != nil {
			return err
		}
	}
	return rpc.StatusError(stream.Context().Err())
}

func (t *tallyService) ListJobs(ctx context.Context, req *rpc.ListJobsRequest) (*rpc.ListJobsResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultJobLimit
	}
	if limit > maxJobLimit {
		limit = maxJobLimit
	}
	jobs, err := t.server.broker.List(ctx, req.Status, limit)
	if err != nil {
		return nil, rpc.StatusError(err)
	}
	resp := &rpc.ListJobsResponse{Jobs: make([]*rpc.QueryResponse, len(jobs))}
	for i, st := range jobs {
		resp.Jobs[i] = rpc.StatusResponse(st)
	}
	return resp, nil
}
