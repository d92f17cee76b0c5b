package telemetry

import (
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	m.MessageSent(KindBroadcast)
	m.MessageSent(KindBroadcast)
	m.MessageSent(KindUnicast)
	m.SendFailed("blacklisted")
	m.Purged(3)
	m.Purged(0)
	m.Blacklisted()
	m.PendingChanged(4)
	m.PendingChanged(-1)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.sent.WithLabelValues(KindBroadcast)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sent.WithLabelValues(KindUnicast)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.sendFailures.WithLabelValues("blacklisted")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.purged))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.blacklisted))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.pending))
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewMetrics(reg)
	require.NoError(t, err)
	_, err = NewMetrics(reg)
	assert.Error(t, err)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageSent(KindUnicast)
		m.MessageReceived()
		m.SendFailed("x")
		m.DeliveryFailed()
		m.Purged(1)
		m.Blacklisted()
		m.PendingChanged(1)
	})
}

func TestServerHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		m.MessageReceived()
	}

	ts := httptest.NewServer(NewServer("", reg).Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "cluster_messages_received_total 5"), string(body))
}
