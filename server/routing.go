package server

import (
	"bufio"
	"encoding/json"
	"io"
	"mime"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/tally/broker"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/ingest"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/rpc"
	"github.com/teranos/tally/version"
)

// maxUploadMemory is the multipart memory threshold; larger parts are read
// as a stream and never buffered
const maxUploadMemory = 32 << 20

// setupHTTPRoutes configures the HTTP gateway
func (s *Server) setupHTTPRoutes() {
	s.mux = http.NewServeMux()

	s.mux.HandleFunc("POST /v1/jobs", s.HandleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs", s.HandleListJobs)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.HandleGetJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}/output", s.HandleJobOutput)
	s.mux.HandleFunc("GET /v1/jobs/{id}/watch", s.HandleWatchJob)
	s.mux.HandleFunc("GET /v1/stats", s.HandleStats)
	s.mux.HandleFunc("GET /healthz", s.HandleHealth)
}

// statusRecorder captures the response code for request logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack hands the connection to the WebSocket upgrader
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	conn, rw, err := http.NewResponseController(r.ResponseWriter).Hijack()
	if err == nil {
		r.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

var _ http.Hijacker = (*statusRecorder)(nil)

// requestIDHeader carries the request id; a caller-supplied one is kept
const requestIDHeader = "X-Request-ID"

// logRequests tags each request with an id and logs one line per request
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)
		ctx := logger.WithComponent(logger.WithRequestID(r.Context(), requestID), "http")
		r = r.WithContext(ctx)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.LoggerFromContext(ctx, s.logger).Debugw("HTTP request",
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, rec.status,
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
		)
	})
}

// HandleCreateJob accepts a CSV as a multipart "file" part or as the raw
// request body, or a JSON submission over an input that is already stored
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	var (
		sub *broker.Submission
		err error
	)
	switch {
	case mediaType == "application/json":
		var req rpc.SubmitRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+decodeErr.Error())
			return
		}
		sub, err = s.broker.Submit(r.Context(), broker.SubmitRequest{
			InputRef: req.InputRef,
			Source:   req.Source,
			Handler:  req.Handler,
		})

	case strings.HasPrefix(mediaType, "multipart/"):
		sub, err = s.ingestMultipart(r)

	default:
		source := r.URL.Query().Get("source")
		if source == "" {
			source = r.Header.Get("X-Filename")
		}
		sub, err = s.frontend.IngestReader(r.Context(), r.Body, ingest.Upload{Source: source})
	}

	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rpc.SubmissionResponse(sub))
}

func (s *Server) ingestMultipart(r *http.Request) (*broker.Submission, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, errors.NewInvalidRequestError("invalid multipart body: %v", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, errors.NewInvalidRequestError("multipart body has no file part")
		}
		if err != nil {
			return nil, errors.Mark(errors.Wrap(err, "upload ended before completion"), errors.ErrIngestionAborted)
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		defer part.Close()
		return s.frontend.IngestReader(r.Context(), part, ingest.Upload{Source: part.FileName()})
	}
}

// HandleListJobs lists recent jobs, optionally filtered by ?status=
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit)
	jobs, err := s.broker.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := make([]*rpc.QueryResponse, len(jobs))
	for i, st := range jobs {
		resp[i] = rpc.StatusResponse(st)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  resp,
		"count": len(resp),
	})
}

// HandleGetJob returns the status and progress of one job
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	st, err := s.broker.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rpc.StatusResponse(*st))
}

// HandleJobOutput streams the result CSV of a succeeded job
func (s *Server) HandleJobOutput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	started := false
	err := s.broker.StreamOutput(r.Context(), id, func(chunk []byte) error {
		if !started {
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			w.Header().Set("Content-Disposition", `attachment; filename="`+id+`.csv"`)
			w.WriteHeader(http.StatusOK)
			started = true
		}
		_, err := w.Write(chunk)
		return err
	})
	switch {
	case err != nil && !started:
		writeDomainError(w, err)
	case err != nil:
		logger.LoggerFromContext(r.Context(), s.logger).Warnw("Output stream interrupted", logger.FieldJobID, id, logger.FieldError, err)
	case !started:
		// empty output
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}

// HandleStats returns queue counts and worker pool metrics
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":  stats,
		"system": s.pool.GetSystemMetrics(r.Context()),
	})
}

// HandleHealth reports liveness; 503 unless the server is running
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.getState()
	code, status := http.StatusOK, "ok"
	if state != ServerStateRunning {
		code, status = http.StatusServiceUnavailable, "unavailable"
	}
	writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"state":   state.String(),
		"version": version.Get(),
	})
}
