package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObservations(t *testing.T) {
	m := New()
	m.ObserveVote("upvote", false)
	m.ObserveVote("upvote", true)
	m.ObserveVote("upvote", true)
	m.ObserveLedgerFailure("")
	m.ObserveDecode("")
	m.ObserveReplayed(3)
	m.SetUnapplied(2)
	m.ObserveDrift()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.votes.WithLabelValues("upvote", "ledger")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.votes.WithLabelValues("upvote", "local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerFailures.WithLabelValues("unknown")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decodeSource.WithLabelValues("none")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.replayed))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.unapplied))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drift))
}

func TestNilIsSafe(t *testing.T) {
	var m *Reconciler
	m.ObserveVote("upvote", true)
	m.ObserveConfirmLatency(1)
	m.SetUnapplied(1)
	assert.Nil(t, m.Registry())
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.ObserveSubmission("vote")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `govsync_ledger_submissions_total{kind="vote"} 1`))
}
