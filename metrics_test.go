package uws

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	var as = assert.New(t)

	t.Run("nil metrics are a no-op", func(t *testing.T) {
		var socket, _ = newTestConn(&webSocketMocker{}, nil, false)
		socket.WriteMessage(OpcodeText, []byte("no metrics"))
		socket.Terminate()
	})

	t.Run("connection lifecycle", func(t *testing.T) {
		var registry = prometheus.NewRegistry()
		var metrics = NewMetrics("test", registry)
		var hub = NewHub(&HubOption{Metrics: metrics})
		var group = NewGroup(hub, NewLoop(), &webSocketMocker{}, nil)

		var socket = group.Attach(&memTransport{}, true, false)
		as.Equal(float64(1), testutil.ToFloat64(metrics.ActiveConnections))
		as.Equal(float64(1), testutil.ToFloat64(metrics.ConnectionsTotal))

		socket.WriteMessage(OpcodeText, []byte("out"))
		as.Equal(float64(1), testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues(directionOut)))

		socket.Feed(buildFrame(OpcodeText, []byte("in"), true, false, true))
		as.Equal(float64(1), testutil.ToFloat64(metrics.MessagesTotal.WithLabelValues(directionIn)))

		socket.Close(1000, nil)
		as.Equal(float64(0), testutil.ToFloat64(metrics.ActiveConnections))
		as.Equal(float64(1), testutil.ToFloat64(metrics.CloseCodes.WithLabelValues("1000")))
	})

	t.Run("protocol errors", func(t *testing.T) {
		var registry = prometheus.NewRegistry()
		var metrics = NewMetrics("test", registry)
		var hub = NewHub(&HubOption{Metrics: metrics})
		var group = NewGroup(hub, NewLoop(), &webSocketMocker{}, nil)

		var socket = group.Attach(&memTransport{}, true, false)
		socket.Feed(buildFrame(OpcodeText, []byte("ok"), true, false, false))
		as.Equal(float64(1), testutil.ToFloat64(metrics.ProtocolErrors))
	})

	t.Run("transfers", func(t *testing.T) {
		var registry = prometheus.NewRegistry()
		var metrics = NewMetrics("test", registry)
		var hub = NewHub(&HubOption{Metrics: metrics})
		var loop = NewLoop()
		var src = NewGroup(hub, loop, &webSocketMocker{}, nil)
		var dst = NewGroup(hub, loop, &webSocketMocker{}, &GroupOption{AcceptTransfers: true})

		var socket = src.Attach(&memTransport{}, true, false)
		as.NoError(socket.Transfer(dst))
		as.Equal(float64(1), testutil.ToFloat64(metrics.TransfersTotal))
	})
}
