package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister_Idempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		Register()
		Register()
	})
}

func TestObserveTx(t *testing.T) {
	before := testutil.CollectAndCount(TxDuration, "ledger_tx_duration_seconds")

	ObserveTx("metrics_test_op", time.Now().Add(-50*time.Millisecond))

	assert.Equal(t, before+1, testutil.CollectAndCount(TxDuration, "ledger_tx_duration_seconds"))
}

func TestCounters(t *testing.T) {
	ConsumeTotal.WithLabelValues("metrics_test").Inc()
	ConsumeTotal.WithLabelValues("metrics_test").Inc()
	assert.Equal(t, float64(2), testutil.ToFloat64(ConsumeTotal.WithLabelValues("metrics_test")))

	GrantsTotal.WithLabelValues("register_bonus", "metrics_test").Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(GrantsTotal.WithLabelValues("register_bonus", "metrics_test")))
}

func TestHandler(t *testing.T) {
	Register()
	WebhookEventsTotal.WithLabelValues("checkout.completed", "applied").Inc()

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(w.Result().Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `ledger_webhook_events_total{status="applied",type="checkout.completed"}`)
}
