// ABOUTME: Tests for the Prometheus collectors
// ABOUTME: Verifies registration and the one-hot connection state gauge

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ReconnectAttempts.Inc()
	m.StreamEvents.WithLabelValues("new_message").Inc()
	m.SetState("connected")
	m.ObserveAPI("send_message", time.Now(), nil)

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 5)
}

func TestSetState_OneHot(t *testing.T) {
	m := New(nil)

	m.SetState("reconnecting")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("reconnecting")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("connected")))

	m.SetState("connected")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("reconnecting")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionState.WithLabelValues("connected")))
}

func TestObserveAPI_Outcome(t *testing.T) {
	m := New(nil)

	m.ObserveAPI("delete_message", time.Now(), errors.New("boom"))
	assert.Equal(t, 1, testutil.CollectAndCount(m.APIRequests))
}
