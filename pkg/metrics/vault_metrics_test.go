package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVaultMetrics(t *testing.T) {
	m, err := NewVaultMetrics("vaults")
	require.NoError(t, err)
	require.NotNil(t, m)

	m.RecordDeposit(1_000_000)
	m.RecordWithdrawRequest()
	m.RecordWithdraw(500_000)
	m.RecordFees(100, 50)
	m.RecordProfitShare(25)
	m.RecordLiquidationStarted()
	m.RecordLiquidationFinished()
	m.RecordOrderPlaced()
	m.RecordTakerFill(10, 20)
	m.SetVaultCount(3)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	body := w.Body.String()
	assert.Contains(t, body, "vaults_deposits_total 1")
	assert.Contains(t, body, "vaults_deposit_volume_atoms 1e+06")
	assert.Contains(t, body, "vaults_withdrawals_total 1")
	assert.Contains(t, body, "vaults_liquidations_started_total 1")
	assert.Contains(t, body, "vaults_vaults 3")
}

func TestVaultMetricsNilReceiver(t *testing.T) {
	var m *VaultMetrics
	assert.NotPanics(t, func() {
		m.RecordDeposit(1)
		m.RecordWithdrawRequest()
		m.RecordWithdraw(1)
		m.RecordRebase()
		m.RecordFees(1, 1)
		m.RecordProfitShare(1)
		m.RecordLiquidationStarted()
		m.RecordLiquidationFinished()
		m.RecordOrderPlaced()
		m.RecordTakerFill(1, 1)
		m.SetVaultCount(1)
	})
}

func TestNegativeFeesNotCounted(t *testing.T) {
	m, err := NewVaultMetrics("refund")
	require.NoError(t, err)

	// a negative management fee is a refund, not revenue
	m.RecordFees(-100, 0)

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, req)

	for _, line := range strings.Split(w.Body.String(), "\n") {
		if strings.HasPrefix(line, "refund_management_fees_atoms") {
			assert.Equal(t, "refund_management_fees_atoms 0", line)
		}
	}
}
