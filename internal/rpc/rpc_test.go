package rpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/scottgal/lucidrag-sub005/internal/engine"
	"github.com/scottgal/lucidrag-sub005/internal/logging"
	"github.com/scottgal/lucidrag-sub005/internal/model"
	"github.com/scottgal/lucidrag-sub005/internal/store"
	"github.com/scottgal/lucidrag-sub005/internal/store/memory"
)

// #region harness

type harness struct {
	client  *Client
	conn    *grpc.ClientConn
	backend *memory.Store
	health  *health.Server
	reader  *sdkmetric.ManualReader
}

func start(t *testing.T) *harness {
	t.Helper()
	backend := memory.New()
	cfg := engine.DefaultConfig()
	cfg.Tracker.RetryBaseDelay = time.Microsecond
	cfg.Feedback.BaseDelay = time.Microsecond
	cfg.Feedback.MaxRetries = 0
	eng := engine.New(backend, nil, cfg, logging.Discard())

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer(grpc.UnaryInterceptor(UnaryInterceptor(logging.Discard(), mp.Meter("test"))))
	NewServer(eng, logging.Discard()).Register(gs)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return &harness{client: client, conn: client.conn, backend: backend, health: hs, reader: reader}
}

func invoice(hash string) engine.Analysis {
	return engine.Analysis{
		ContentHash: hash,
		ContentType: "document",
		Goal:        "ocr",
		SourceModel: "florence-2",
		Signals: []model.Signal{
			{Key: "TextLikeliness", Value: 0.9, Confidence: 0.9},
			{Key: "ocr.word_count", Value: 150.0, Confidence: 0.8},
			{Key: "vision.caption", Value: "a scanned invoice with a table", Confidence: 0.7},
		},
	}
}

// #endregion harness

// #region round-trip-tests

func TestScoreSubmitRank(t *testing.T) {
	ctx := context.Background()
	h := start(t)

	out, err := h.client.Score(ctx, invoice("doc-1"))
	require.NoError(t, err)
	require.True(t, out.Persisted)
	require.NotEmpty(t, out.RecordID)
	ocr, ok := out.Score.Vectors.Get(model.VectorOcrFidelity)
	require.True(t, ok)
	assert.Greater(t, ocr, 0.5)
	_, ok = out.Score.Vectors.Get(model.VectorMotionAgreement)
	assert.False(t, ok, "absent vectors survive the round trip as absent")
	assert.Len(t, out.Score.Contributions, 3)

	res, err := h.client.Submit(ctx, out.RecordID, true, "correct")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeAccepted, res.Outcome)
	assert.Len(t, res.Updates, 3)

	// The six-token caption scored 0.5, which an acceptance counts as a miss.
	top, err := h.client.Top(ctx, "document", "ocr", 0)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.GreaterOrEqual(t, top[0].EffectiveWeight, top[1].EffectiveWeight)

	key := model.EffectivenessKey{SignalKey: "TextLikeliness", ContentType: "document", Goal: "ocr"}
	w, err := h.client.Weight(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, w, 1e-6)
}

func TestPruneAndReinstate(t *testing.T) {
	ctx := context.Background()
	h := start(t)

	// Accept then reject: the two OCR signals end near 1.29.
	for _, verdict := range []bool{true, false} {
		out, err := h.client.Score(ctx, invoice("doc-1"))
		require.NoError(t, err)
		_, err = h.client.Submit(ctx, out.RecordID, verdict, "")
		require.NoError(t, err)
	}

	n, err := h.client.Prune(ctx, "document", "ocr", 1.5)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	top, err := h.client.Top(ctx, "document", "ocr", 0)
	require.NoError(t, err)
	assert.Empty(t, top)

	key := model.EffectivenessKey{SignalKey: "TextLikeliness", ContentType: "document", Goal: "ocr"}
	require.NoError(t, h.client.Reinstate(ctx, key))
	w, err := h.client.Weight(ctx, key)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, w, 1e-6)

	top, err = h.client.Top(ctx, "document", "ocr", 0)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "TextLikeliness", top[0].SignalKey)
}

func TestScoreBatch(t *testing.T) {
	h := start(t)
	bad := invoice("doc-2")
	bad.ContentType = ""

	items, err := h.client.ScoreBatch(context.Background(), []engine.Analysis{invoice("doc-1"), bad})
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.True(t, items[0].Outcome.Persisted)
	assert.Empty(t, items[0].Error)
	assert.Equal(t, "invalid_argument", items[1].Kind)
	assert.NotEmpty(t, items[1].Error)
}

// #endregion round-trip-tests

// #region error-tests

func TestErrorsMapToTaxonomy(t *testing.T) {
	ctx := context.Background()
	h := start(t)

	_, err := h.client.Submit(ctx, "no-such-record", true, "")
	assert.ErrorIs(t, err, store.ErrNotFound)

	out, err := h.client.Score(ctx, invoice("doc-1"))
	require.NoError(t, err)
	_, err = h.client.Submit(ctx, out.RecordID, false, "")
	require.NoError(t, err)
	_, err = h.client.Submit(ctx, out.RecordID, true, "")
	assert.ErrorIs(t, err, store.ErrAlreadyAnnotated)

	missing := invoice("doc-2")
	missing.Goal = ""
	_, err = h.client.Score(ctx, missing)
	assert.ErrorIs(t, err, engine.ErrInvalidAnalysis)

	_, err = h.client.Weight(ctx, model.EffectivenessKey{SignalKey: "TextLikeliness"})
	assert.ErrorIs(t, err, engine.ErrInvalidAnalysis)

	_, err = h.client.Weight(ctx, model.EffectivenessKey{SignalKey: "unseen", ContentType: "document", Goal: "ocr"})
	require.NoError(t, err, "an unseen key reads as the neutral weight")
}

func TestUnavailableBackend(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	require.NoError(t, h.backend.Close())

	out, err := h.client.Score(ctx, invoice("doc-1"))
	require.NoError(t, err)
	assert.False(t, out.Persisted)

	_, err = h.client.Top(ctx, "document", "ocr", 0)
	assert.ErrorIs(t, err, store.ErrBackendUnavailable)
}

func TestStatusErrorCodes(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{store.ErrNotFound, codes.NotFound},
		{store.ErrAlreadyAnnotated, codes.FailedPrecondition},
		{store.ErrDuplicateID, codes.AlreadyExists},
		{store.ErrTransientConflict, codes.Aborted},
		{store.ErrBackendUnavailable, codes.Unavailable},
		{engine.ErrInvalidAnalysis, codes.InvalidArgument},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		st, ok := status.FromError(statusError(tt.err))
		require.True(t, ok)
		assert.Equal(t, tt.want, st.Code(), tt.err.Error())
	}
	assert.NoError(t, statusError(nil))
}

// #endregion error-tests

// #region ambient-tests

func TestInterceptorCountsCalls(t *testing.T) {
	ctx := context.Background()
	h := start(t)
	_, err := h.client.Score(ctx, invoice("doc-1"))
	require.NoError(t, err)
	_, err = h.client.Submit(ctx, "no-such-record", true, "")
	require.Error(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "lucidlearn.rpc.calls" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				method, _ := dp.Attributes.Value("rpc.method")
				code, _ := dp.Attributes.Value("rpc.grpc.status_code")
				counts[method.AsString()+" "+code.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, int64(1), counts[MethodScore+" OK"])
	assert.Equal(t, int64(1), counts[MethodSubmit+" NotFound"])
}

func TestWatchHealth(t *testing.T) {
	h := start(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go WatchHealth(ctx, h.health, h.backend, 10*time.Millisecond, logging.Discard())

	hc := healthpb.NewHealthClient(h.conn)
	statusOf := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.GetStatus()
	}

	require.Eventually(t, func() bool { return statusOf() == healthpb.HealthCheckResponse_SERVING },
		time.Second, 5*time.Millisecond)
	require.NoError(t, h.backend.Close())
	require.Eventually(t, func() bool { return statusOf() == healthpb.HealthCheckResponse_NOT_SERVING },
		time.Second, 5*time.Millisecond)
}

// #endregion ambient-tests
