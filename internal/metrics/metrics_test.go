package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scottgal/lucidrag-sub005/internal/effectiveness"
	"github.com/scottgal/lucidrag-sub005/internal/store"
)

// value reads a single counter sample.
func value(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func TestRecordUpdate(t *testing.T) {
	m := New()
	m.RecordUpdate(effectiveness.Update{Agreed: true, After: 1.2})
	m.RecordUpdate(effectiveness.Update{Agreed: false, After: 0.8})
	m.RecordUpdate(effectiveness.Update{Agreed: true, After: 1.4})
	m.RecordUpdate(effectiveness.Update{Agreed: true, Skipped: true})

	assert.Equal(t, 2.0, value(t, m.WeightUpdateTotal.WithLabelValues("true")))
	assert.Equal(t, 1.0, value(t, m.WeightUpdateTotal.WithLabelValues("false")))
}

func TestConflictsAndRetirements(t *testing.T) {
	m := New()
	m.RecordConflict()
	m.RecordConflict()
	m.RecordRetired(3)

	assert.Equal(t, 2.0, value(t, m.ConflictTotal))
	assert.Equal(t, 3.0, value(t, m.RetiredTotal))
}

func TestRecordFeedbackByKind(t *testing.T) {
	m := New()
	m.RecordFeedback("accepted", nil)
	m.RecordFeedback("accepted", fmt.Errorf("wrapped: %w", store.ErrAlreadyAnnotated))
	m.RecordFeedback("rejected", errors.New("boom"))

	assert.Equal(t, 1.0, value(t, m.FeedbackTotal.WithLabelValues("accepted", "none")))
	assert.Equal(t, 1.0, value(t, m.FeedbackTotal.WithLabelValues("accepted", "already_annotated")))
	assert.Equal(t, 1.0, value(t, m.FeedbackTotal.WithLabelValues("rejected", "internal")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RecordAnalysis("persisted", 15*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `lucidlearn_analysis_total{status="persisted"} 1`), body)
	assert.Contains(t, body, "lucidlearn_analysis_duration_seconds_count 1")
}
