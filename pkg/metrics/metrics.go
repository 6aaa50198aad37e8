package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API 与引擎注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		RunDuration, RunTotal, ActiveRuns, QueueDepth,
		NodeDuration, NodeExecTotal, NodeRetryTotal,
		BreakerTransitionTotal, CompensationStepTotal,
		TriggerFireTotal, DLQSize, IdempotencyHitTotal,
		ApprovalPending, NotifyTotal,
	)
}

// RunDuration Run 执行耗时（秒）
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "coflow_run_duration_seconds",
		Help:    "Run 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"workflow"},
)

// RunTotal Run 总数（按终态）
var RunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coflow_run_total",
		Help: "Run 总数（按终态）",
	},
	[]string{"status"}, // completed | failed | cancelled
)

// ActiveRuns 当前在执行的 Run 数
var ActiveRuns = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "coflow_active_runs",
		Help: "当前在执行的 Run 数",
	},
)

// QueueDepth 优先级队列深度
var QueueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "coflow_queue_depth",
		Help: "优先级队列深度",
	},
)

// NodeDuration 节点执行耗时（秒）
var NodeDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "coflow_node_duration_seconds",
		Help:    "节点执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"workflow", "node"},
)

// NodeExecTotal 节点执行次数（loop 回边会多次计数，供观测循环）
var NodeExecTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coflow_node_exec_total",
		Help: "节点执行次数",
	},
	[]string{"workflow", "node"},
)

// NodeRetryTotal 节点重试次数
var NodeRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coflow_node_retry_total",
		Help: "节点重试次数",
	},
	[]string{"workflow", "node"},
)

// BreakerTransitionTotal 熔断器状态迁移次数
var BreakerTransitionTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coflow_breaker_transition_total",
		Help: "熔断器状态迁移次数",
	},
	[]string{"key", "to"}, // to: closed | open | half-open
)

// CompensationStepTotal 补偿步骤执行次数（按结果）
var CompensationStepTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coflow_compensation_step_total",
		Help: "补偿步骤执行次数",
	},
	[]string{"result"}, // ok | failed | skipped
)

// TriggerFireTotal 触发器触发次数（按类型与结果）
var TriggerFireTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coflow_trigger_fire_total",
		Help: "触发器触发次数",
	},
	[]string{"type", "result"}, // fired | skipped | deduped | error
)

// DLQSize 死信队列当前条目数
var DLQSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "coflow_dlq_size",
		Help: "死信队列当前条目数",
	},
)

// IdempotencyHitTotal 幂等缓存命中次数
var IdempotencyHitTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "coflow_idempotency_hit_total",
		Help: "幂等缓存命中次数",
	},
)

// ApprovalPending 待处理审批请求数
var ApprovalPending = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "coflow_approval_pending",
		Help: "待处理审批请求数",
	},
)

// NotifyTotal 终态回调投递次数（按结果）
var NotifyTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "coflow_notify_total",
		Help: "终态回调投递次数",
	},
	[]string{"result"}, // ok | failed
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
