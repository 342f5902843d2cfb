package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "carbridge"

// Metrics 桥接服务的 Prometheus 指标
// 方法对 nil 接收者安全，未启用指标时可直接传 nil
type Metrics struct {
	APICalls         *prometheus.CounterVec
	QuotaRemaining   prometheus.Gauge
	PollCycles       *prometheus.CounterVec
	PollDuration     prometheus.Histogram
	StreamMessages   *prometheus.CounterVec
	StreamConnected  prometheus.Gauge
	FlattenErrors    *prometheus.CounterVec
	CommandsTotal    *prometheus.CounterVec
	SessionRotations *prometheus.CounterVec
}

// New 创建指标
func New() *Metrics {
	return &Metrics{
		APICalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "api",
				Name:      "calls_total",
				Help:      "REST calls by endpoint and HTTP status (0 for transport errors)",
			},
			[]string{"endpoint", "status"},
		),
		QuotaRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "quota_remaining",
			Help:      "Calls left in the trailing 24h window, negative when over quota",
		}),
		PollCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "poll",
				Name:      "cycles_total",
				Help:      "Poll cycles by outcome",
			},
			[]string{"outcome"},
		),
		PollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poll",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a full poll cycle including pacing",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		StreamMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "messages_total",
				Help:      "Stream messages by outcome",
			},
			[]string{"outcome"},
		),
		StreamConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "connected",
			Help:      "1 when the telemetry stream is connected",
		}),
		FlattenErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "flatten",
				Name:      "errors_total",
				Help:      "Documents that failed to flatten by source",
			},
			[]string{"source"},
		),
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "command",
				Name:      "dispatched_total",
				Help:      "Remote commands by command name and result",
			},
			[]string{"command", "result"},
		),
		SessionRotations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "rotations_total",
				Help:      "Credential rotations by identity",
			},
			[]string{"identity"},
		),
	}
}

// Register 注册所有指标以及 Go 运行时指标
func (m *Metrics) Register(reg prometheus.Registerer) error {
	cs := []prometheus.Collector{
		m.APICalls,
		m.QuotaRemaining,
		m.PollCycles,
		m.PollDuration,
		m.StreamMessages,
		m.StreamConnected,
		m.FlattenErrors,
		m.CommandsTotal,
		m.SessionRotations,
		collectors.NewGoCollector(),
		collectors.NewBuildInfoCollector(),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveCall 记录一次 REST 调用
func (m *Metrics) ObserveCall(endpoint string, status int) {
	if m == nil {
		return
	}
	m.APICalls.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// SetQuotaRemaining 更新剩余配额
func (m *Metrics) SetQuotaRemaining(remaining int) {
	if m == nil {
		return
	}
	m.QuotaRemaining.Set(float64(remaining))
}

// ObserveCycle 记录一次轮询周期
func (m *Metrics) ObserveCycle(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.PollCycles.WithLabelValues(outcome).Inc()
	m.PollDuration.Observe(seconds)
}

// StreamMessage 记录一条推送消息
func (m *Metrics) StreamMessage(outcome string) {
	if m == nil {
		return
	}
	m.StreamMessages.WithLabelValues(outcome).Inc()
}

// SetStreamConnected 更新推送连接状态
func (m *Metrics) SetStreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.StreamConnected.Set(1)
		return
	}
	m.StreamConnected.Set(0)
}

// FlattenError 记录展开失败
func (m *Metrics) FlattenError(source string) {
	if m == nil {
		return
	}
	m.FlattenErrors.WithLabelValues(source).Inc()
}

// Command 记录远程命令结果
func (m *Metrics) Command(command, result string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(command, result).Inc()
}

// SessionRotated 记录凭证更新
func (m *Metrics) SessionRotated(identity string) {
	if m == nil {
		return
	}
	m.SessionRotations.WithLabelValues(identity).Inc()
}
