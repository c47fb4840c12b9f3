package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordPayoutCountsSatoshisOnlyWhenSent(t *testing.T) {
	beforeSent := testutil.ToFloat64(payoutSatoshis.WithLabelValues("regtest-a"))

	RecordPayout("regtest-a", "sent", 150000)
	RecordPayout("regtest-a", "failed", 90000)

	assert.Equal(t, beforeSent+150000, testutil.ToFloat64(payoutSatoshis.WithLabelValues("regtest-a")))
	assert.Equal(t, float64(1), testutil.ToFloat64(payouts.WithLabelValues("regtest-a", "failed")))
}

func TestRecordWalletCall(t *testing.T) {
	RecordWalletCall("probe_ok", nil, time.Millisecond)
	RecordWalletCall("probe_err", errors.New("down"), time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(walletCalls.WithLabelValues("probe_ok", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(walletCalls.WithLabelValues("probe_err", "error")))
}

func TestRecordReconciledIgnoresZero(t *testing.T) {
	RecordReconciled("probe_zero", 0)
	RecordReconciled("probe_some", 3)

	assert.Equal(t, float64(3), testutil.ToFloat64(reconciledRows.WithLabelValues("probe_some")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	RecordSweepCycle("completed", 2*time.Second)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "payproc_sweep_cycles_total")
	assert.Contains(t, string(body), "payproc_sweep_cycle_duration_seconds")
}
