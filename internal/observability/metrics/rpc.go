// Package metrics 以 Prometheus 文本格式暴露协议层与执行端的
// 运行指标，不依赖外部采集 SDK。
package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type rpcKey struct {
	method string
	code   string
}

type taskKey struct {
	kind  string
	state string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type collector struct {
	mu       sync.Mutex
	requests map[rpcKey]uint64
	tasks    map[taskKey]uint64
	latency  map[string]*histogram
}

var defaultCollector = &collector{
	requests: make(map[rpcKey]uint64),
	tasks:    make(map[taskKey]uint64),
	latency:  make(map[string]*histogram),
}

// ObserveRPCRequest 记录一次 JSON-RPC 请求。code 为 0 表示成功，
// 否则是协议错误码。
func ObserveRPCRequest(method string, code int, duration time.Duration) {
	defaultCollector.observeRPC(method, code, duration)
}

// ObserveTaskExecution 记录一次任务执行的最终状态。
func ObserveTaskExecution(executorKind, state string, duration time.Duration) {
	defaultCollector.observeTask(executorKind, state, duration)
}

func (c *collector) observeRPC(method string, code int, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := rpcKey{method: method, code: strconv.Itoa(code)}
	c.requests[key]++

	hist := c.latency["rpc:"+method]
	if hist == nil {
		hist = newHistogram()
		c.latency["rpc:"+method] = hist
	}
	hist.observe(duration.Seconds())
}

func (c *collector) observeTask(kind, state string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := taskKey{kind: kind, state: state}
	c.tasks[key]++

	hist := c.latency["task:"+kind]
	if hist == nil {
		hist = newHistogram()
		c.latency["task:"+kind] = hist
	}
	hist.observe(duration.Seconds())
}

func newHistogram() *histogram {
	buckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			break
		}
	}
}

// Handler 以 Prometheus 文本格式输出全部指标。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, defaultCollector.render())
	})
}

func (c *collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	type rpcMetric struct {
		rpcKey
		value uint64
	}
	type taskMetric struct {
		taskKey
		value uint64
	}
	type latencyMetric struct {
		name    string
		buckets []float64
		counts  []uint64
		sum     float64
		count   uint64
	}

	reqs := make([]rpcMetric, 0, len(c.requests))
	for key, value := range c.requests {
		reqs = append(reqs, rpcMetric{rpcKey: key, value: value})
	}
	tasks := make([]taskMetric, 0, len(c.tasks))
	for key, value := range c.tasks {
		tasks = append(tasks, taskMetric{taskKey: key, value: value})
	}
	lats := make([]latencyMetric, 0, len(c.latency))
	for name, hist := range c.latency {
		lats = append(lats, latencyMetric{
			name:    name,
			buckets: append([]float64(nil), hist.buckets...),
			counts:  append([]uint64(nil), hist.counts...),
			sum:     hist.sum,
			count:   hist.count,
		})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].method == reqs[j].method {
			return reqs[i].code < reqs[j].code
		}
		return reqs[i].method < reqs[j].method
	})
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].kind == tasks[j].kind {
			return tasks[i].state < tasks[j].state
		}
		return tasks[i].kind < tasks[j].kind
	})
	sort.Slice(lats, func(i, j int) bool { return lats[i].name < lats[j].name })

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP a2a_rpc_requests_total Total number of JSON-RPC requests processed.\n")
	builder.WriteString("# TYPE a2a_rpc_requests_total counter\n")
	for _, metric := range reqs {
		builder.WriteString(fmt.Sprintf("a2a_rpc_requests_total{method=\"%s\",code=\"%s\"} %d\n",
			escape(metric.method), escape(metric.code), metric.value))
	}

	builder.WriteString("# HELP a2a_task_executions_total Total number of task executions by final state.\n")
	builder.WriteString("# TYPE a2a_task_executions_total counter\n")
	for _, metric := range tasks {
		builder.WriteString(fmt.Sprintf("a2a_task_executions_total{executor=\"%s\",state=\"%s\"} %d\n",
			escape(metric.kind), escape(metric.state), metric.value))
	}

	builder.WriteString("# HELP a2a_duration_seconds Request and task execution duration in seconds.\n")
	builder.WriteString("# TYPE a2a_duration_seconds histogram\n")
	for _, metric := range lats {
		for idx, bound := range metric.buckets {
			builder.WriteString(fmt.Sprintf("a2a_duration_seconds_bucket{name=\"%s\",le=\"%s\"} %d\n",
				escape(metric.name), formatFloat(bound), metric.counts[idx]))
		}
		builder.WriteString(fmt.Sprintf("a2a_duration_seconds_bucket{name=\"%s\",le=\"+Inf\"} %d\n",
			escape(metric.name), metric.count))
		builder.WriteString(fmt.Sprintf("a2a_duration_seconds_sum{name=\"%s\"} %s\n",
			escape(metric.name), formatFloat(metric.sum)))
		builder.WriteString(fmt.Sprintf("a2a_duration_seconds_count{name=\"%s\"} %d\n",
			escape(metric.name), metric.count))
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
