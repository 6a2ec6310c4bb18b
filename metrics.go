package uws

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	directionIn  = "in"
	directionOut = "out"
)

// Metrics Prometheus指标
// Prometheus instrumentation
// 所有采集方法对nil接收者安全, 不配置指标时为空操作
// every recording method is nil safe, collection is a no-op when unset
type Metrics struct {
	// ActiveConnections 当前活跃连接数
	// currently active connections
	ActiveConnections prometheus.Gauge

	// ConnectionsTotal 累计连接数
	// total accepted connections
	ConnectionsTotal prometheus.Counter

	// MessagesTotal 按方向统计的消息数
	// messages by direction
	MessagesTotal *prometheus.CounterVec

	// ProtocolErrors 协议违例数
	// protocol violations
	ProtocolErrors prometheus.Counter

	// TransfersTotal 分组间转移数
	// transfers between groups
	TransfersTotal prometheus.Counter

	// CloseCodes 按关闭代码统计的断开数
	// disconnections by close code
	CloseCodes *prometheus.CounterVec
}

// NewMetrics 创建并注册指标
// creates and registers the metrics
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "uws"
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently active connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted connections",
		}),
		MessagesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of data messages by direction",
		}, []string{"direction"}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Total number of protocol violations",
		}),
		TransfersTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total number of connections moved between groups",
		}),
		CloseCodes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "Total number of disconnections by close code",
		}, []string{"code"}),
	}
}

func (c *Metrics) connOpened() {
	if c == nil {
		return
	}
	c.ActiveConnections.Inc()
	c.ConnectionsTotal.Inc()
}

func (c *Metrics) connClosed(code uint16) {
	if c == nil {
		return
	}
	c.ActiveConnections.Dec()
	c.CloseCodes.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

func (c *Metrics) message(direction string) {
	if c == nil {
		return
	}
	c.MessagesTotal.WithLabelValues(direction).Inc()
}

func (c *Metrics) protocolError() {
	if c == nil {
		return
	}
	c.ProtocolErrors.Inc()
}

func (c *Metrics) transfer() {
	if c == nil {
		return
	}
	c.TransfersTotal.Inc()
}
