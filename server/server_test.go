package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/teranos/tally/am"
	"github.com/teranos/tally/blob"
	"github.com/teranos/tally/errors"
	"github.com/teranos/tally/ingest"
	talltest "github.com/teranos/tally/internal/testing"
	"github.com/teranos/tally/logger"
	"github.com/teranos/tally/pulse/async"
	"github.com/teranos/tally/rpc"
)

const (
	salesHeader = "Department Name,Date,Number of Sales\n"

	duelInput = salesHeader +
		"Dark Magician,2024-01-01,3\n" +
		"Blue-Eyes,2024-01-01,3\n" +
		"Exodia,2024-01-01,3\n" +
		"Kuriboh,2024-01-01,3\n" +
		"Dark Magician,2024-01-02,3\n"

	duelOutput = "Department Name,Total Sales\nDark Magician,6\nBlue-Eyes,3\nExodia,3\nKuriboh,3\n"
)

// newTestServer builds a server over an in-memory job store and a temp dir
// blob store. Unstarted servers accept jobs but never run them.
func newTestServer(t *testing.T, start bool) *Server {
	t.Helper()
	blobs, err := blob.NewFSStore(t.TempDir())
	require.NoError(t, err)

	cfg := am.Defaults()
	cfg.Pulse.Workers = 2
	cfg.Pulse.ChunkSize = 16

	s, err := NewWithStores(cfg, async.NewStore(talltest.CreateTestDB(t)), blobs, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	if start {
		require.NoError(t, s.Start(context.Background()))
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

// dialGRPC serves s over an in-process listener and returns a client
func dialGRPC(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go s.GRPCServer().Serve(lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func uploadGRPC(t *testing.T, client rpc.TallyClient, filename string, chunks ...string) *rpc.SubmitResponse {
	t.Helper()
	stream, err := client.Upload(context.Background())
	require.NoError(t, err)
	for i, c := range chunks {
		msg := &rpc.UploadChunk{Data: []byte(c)}
		if i == 0 {
			msg.Filename = filename
		}
		require.NoError(t, stream.Send(msg))
	}
	resp, err := stream.CloseAndRecv()
	require.NoError(t, err)
	return resp
}

func waitGRPC(t *testing.T, client rpc.TallyClient, id string) *rpc.QueryResponse {
	t.Helper()
	var last *rpc.QueryResponse
	require.Eventually(t, func() bool {
		resp, err := client.Query(context.Background(), &rpc.QueryRequest{JobID: id})
		if err != nil {
			return false
		}
		last = resp
		return resp.Completed
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

// Yugi streams a duel log in pieces and downloads the totals over gRPC
func TestYugiUploadsOverGRPC(t *testing.T) {
	s := newTestServer(t, true)
	client := rpc.NewTallyClient(dialGRPC(t, s))

	half := len(duelInput) / 2
	sub := uploadGRPC(t, client, "duel.csv", duelInput[:half], duelInput[half:])
	require.NotEmpty(t, sub.JobID)
	assert.Equal(t, "PENDING", sub.Status)

	final := waitGRPC(t, client, sub.JobID)
	require.Equal(t, "SUCCESS", final.Status, final.Error)
	assert.Equal(t, uint64(5), final.Progress.LinesProcessed)
	assert.Equal(t, uint64(4), final.Progress.Departments)
	assert.Equal(t, "duel.csv", final.Source)

	stream, err := client.StreamOutput(context.Background(), &rpc.OutputRequest{JobID: sub.JobID})
	require.NoError(t, err)
	var out bytes.Buffer
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk.Data), 16)
		out.Write(chunk.Data)
	}
	assert.Equal(t, duelOutput, out.String())

	list, err := client.ListJobs(context.Background(), &rpc.ListJobsRequest{Status: "success"})
	require.NoError(t, err)
	require.Len(t, list.Jobs, 1)
	assert.Equal(t, sub.JobID, list.Jobs[0].JobID)
}

func TestGRPCErrorCodes(t *testing.T) {
	s := newTestServer(t, false)
	client := rpc.NewTallyClient(dialGRPC(t, s))
	ctx := context.Background()

	_, err := client.Query(ctx, &rpc.QueryRequest{JobID: "no-such-job"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.Submit(ctx, &rpc.SubmitRequest{})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	// workers are not running, so the job stays pending
	sub := uploadGRPC(t, client, "ledger.csv", salesHeader+"Beauty,2023-07-15,100\n")
	stream, err := client.StreamOutput(ctx, &rpc.OutputRequest{JobID: sub.JobID})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}

func TestGRPCEmptyUpload(t *testing.T) {
	s := newTestServer(t, false)
	client := rpc.NewTallyClient(dialGRPC(t, s))

	stream, err := client.Upload(context.Background())
	require.NoError(t, err)
	resp, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.NotEmpty(t, resp.JobID)
}

// Cronos watches over gRPC until the job is done
func TestCronosWatchesOverGRPC(t *testing.T) {
	s := newTestServer(t, true)
	client := rpc.NewTallyClient(dialGRPC(t, s))

	sub := uploadGRPC(t, client, "duel.csv", duelInput)
	stream, err := client.Watch(context.Background(), &rpc.QueryRequest{JobID: sub.JobID})
	require.NoError(t, err)

	var last *rpc.QueryResponse
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		last = msg
	}
	require.NotNil(t, last)
	assert.True(t, last.Completed)
	assert.Equal(t, "SUCCESS", last.Status)
}

func TestGRPCHealth(t *testing.T) {
	s := newTestServer(t, true)
	health := healthpb.NewHealthClient(dialGRPC(t, s))

	resp, err := health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: serviceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func waitHTTP(t *testing.T, base, id string) rpc.QueryResponse {
	t.Helper()
	var last rpc.QueryResponse
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/v1/jobs/" + id)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&last) != nil {
			return false
		}
		return last.Completed
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

// TAS Bot uploads a form file and downloads the CSV over HTTP
func TestTASBotUploadsOverHTTP(t *testing.T) {
	s := newTestServer(t, true)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("note", "any% run"))
	fw, err := mw.CreateFormFile("file", "duel.csv")
	require.NoError(t, err)
	_, err = io.WriteString(fw, duelInput)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.URL+"/v1/jobs", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub rpc.SubmitResponse
	decodeJSON(t, resp, &sub)
	require.NotEmpty(t, sub.JobID)

	final := waitHTTP(t, ts.URL, sub.JobID)
	require.Equal(t, "SUCCESS", final.Status, final.Error)
	assert.Equal(t, "duel.csv", final.Source)

	resp, err = http.Get(ts.URL + "/v1/jobs/" + sub.JobID + "/output")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, duelOutput, string(out))
}

func TestHTTPRawBodyUpload(t *testing.T) {
	s := newTestServer(t, false)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/jobs?source=ledger.csv", "text/csv", strings.NewReader(salesHeader+"Beauty,2023-07-15,100\n"))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var sub rpc.SubmitResponse
	decodeJSON(t, resp, &sub)

	resp, err = http.Get(ts.URL + "/v1/jobs/" + sub.JobID)
	require.NoError(t, err)
	var st rpc.QueryResponse
	decodeJSON(t, resp, &st)
	assert.Equal(t, "PENDING", st.Status)
	assert.Equal(t, "ledger.csv", st.Source)
	assert.False(t, st.Completed)

	// pending jobs have no output yet
	resp, err = http.Get(ts.URL + "/v1/jobs/" + sub.JobID + "/output")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/v1/jobs?status=pending")
	require.NoError(t, err)
	var list struct {
		Jobs  []rpc.QueryResponse `json:"jobs"`
		Count int                 `json:"count"`
	}
	decodeJSON(t, resp, &list)
	assert.Equal(t, 1, list.Count)
}

func TestHTTPErrors(t *testing.T) {
	s := newTestServer(t, false)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	cases := []struct {
		name   string
		do     func() (*http.Response, error)
		status int
	}{
		{"unknown job", func() (*http.Response, error) {
			return http.Get(ts.URL + "/v1/jobs/no-such-job")
		}, http.StatusNotFound},
		{"unknown job output", func() (*http.Response, error) {
			return http.Get(ts.URL + "/v1/jobs/no-such-job/output")
		}, http.StatusNotFound},
		{"submit without input", func() (*http.Response, error) {
			return http.Post(ts.URL+"/v1/jobs", "application/json", strings.NewReader(`{}`))
		}, http.StatusBadRequest},
		{"malformed json", func() (*http.Response, error) {
			return http.Post(ts.URL+"/v1/jobs", "application/json", strings.NewReader(`{`))
		}, http.StatusBadRequest},
		{"bad status filter", func() (*http.Response, error) {
			return http.Get(ts.URL + "/v1/jobs?status=sleeping")
		}, http.StatusBadRequest},
		{"wrong method", func() (*http.Response, error) {
			req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/v1/jobs", nil)
			return http.DefaultClient.Do(req)
		}, http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := tc.do()
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestHealthzAndStats(t *testing.T) {
	idle := newTestServer(t, false)
	ts := httptest.NewServer(idle.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	running := newTestServer(t, true)
	ts2 := httptest.NewServer(running.Handler())
	defer ts2.Close()

	resp, err = http.Get(ts2.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]interface{}
	decodeJSON(t, resp, &health)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "running", health["state"])

	resp, err = http.Get(ts2.URL + "/v1/stats")
	require.NoError(t, err)
	var stats struct {
		Queue  async.QueueStats    `json:"queue"`
		System async.SystemMetrics `json:"system"`
	}
	decodeJSON(t, resp, &stats)
	assert.Equal(t, 2, stats.System.WorkersTotal)
	assert.Zero(t, stats.Queue.Total)
}

// Cronos keeps a WebSocket open until the job completes
func TestCronosWatchesOverWebSocket(t *testing.T) {
	s := newTestServer(t, true)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	sub, err := s.Frontend().IngestReader(context.Background(), strings.NewReader(duelInput), ingest.Upload{Source: "duel.csv"})
	require.NoError(t, err)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/jobs/" + sub.JobID + "/watch"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var last rpc.QueryResponse
	for {
		var msg rpc.QueryResponse
		err := conn.ReadJSON(&msg)
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "%v", err)
			break
		}
		last = msg
	}
	assert.True(t, last.Completed)
	assert.Equal(t, "SUCCESS", last.Status)

	// unknown jobs are refused before the upgrade
	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/jobs/nope/watch", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRequestLoggingKeepsHijacker(t *testing.T) {
	s := newTestServer(t, false)

	hijacked := make(chan error, 1)
	ts := httptest.NewServer(s.logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, ok := w.(http.Hijacker)
		if !ok {
			hijacked <- errors.New("logged writer cannot be hijacked")
			return
		}
		conn, _, err := h.Hijack()
		if err == nil {
			conn.Close()
		}
		hijacked <- err
	})))
	defer ts.Close()

	if resp, err := http.Get(ts.URL); err == nil {
		resp.Body.Close()
	}
	require.NoError(t, <-hijacked)

	_, _, err := (&statusRecorder{ResponseWriter: httptest.NewRecorder()}).Hijack()
	assert.ErrorIs(t, err, http.ErrNotSupported)
}

func TestTASBotRequestIDs(t *testing.T) {
	s := newTestServer(t, false)
	core, logs := observer.New(zapcore.DebugLevel)
	s.logger = zap.New(core).Sugar()

	var seen []interface{}
	ts := httptest.NewServer(s.logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = logger.FieldsFromContext(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})))
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/frame-perfect", nil)
	require.NoError(t, err)
	req.Header.Set(requestIDHeader, "tas-run-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "tas-run-42", resp.Header.Get(requestIDHeader))
	assert.Equal(t, []interface{}{logger.FieldRequestID, "tas-run-42", logger.FieldComponent, "http"}, seen)

	resp, err = http.Get(ts.URL + "/generated")
	require.NoError(t, err)
	resp.Body.Close()
	generated := resp.Header.Get(requestIDHeader)
	assert.NotEmpty(t, generated)
	assert.NotEqual(t, "tas-run-42", generated)

	entries := logs.FilterMessage("HTTP request").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "tas-run-42", entries[0].ContextMap()[logger.FieldRequestID])
	assert.Equal(t, "http", entries[0].ContextMap()[logger.FieldComponent])
	assert.Equal(t, int64(http.StatusTeapot), entries[0].ContextMap()[logger.FieldStatus])
	assert.Equal(t, generated, entries[1].ContextMap()[logger.FieldRequestID])
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{errors.NewNotFoundError("job x not found"), http.StatusNotFound},
		{errors.NewInvalidRequestError("input_ref is required"), http.StatusBadRequest},
		{errors.Mark(io.ErrUnexpectedEOF, errors.ErrIngestionAborted), http.StatusBadRequest},
		{errors.NewNotReadyError("job x is RUNNING"), http.StatusConflict},
		{errors.Mark(errors.New("store down"), errors.ErrSubmissionFailure), http.StatusServiceUnavailable},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, httpStatus(tc.err), "%v", tc.err)
	}
}
