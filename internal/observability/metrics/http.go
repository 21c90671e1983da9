// Package metrics 以 Prometheus 文本格式暴露 API 的请求指标，
// 不引入 client 库，聚合逻辑保持在一个互斥锁保护的注册表里。
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

// 延迟直方图的桶边界，单位秒。
var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// seriesKey 按处理器与方法定位一条指标序列。
type seriesKey struct {
	handler string
	method  string
}

// series 聚合单个 handler+method 组合的全部观测值。
// 桶内计数是非累积的，导出时再按 Prometheus 约定累加。
type series struct {
	byStatus map[int]uint64
	errors   uint64
	buckets  []uint64
	sum      float64
	count    uint64
}

type registry struct {
	mu     sync.Mutex
	series map[seriesKey]*series
}

var httpRegistry = &registry{series: make(map[seriesKey]*series)}

// ObserveHTTPRequest 记录一次 HTTP 请求的状态码与耗时。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRegistry.observe(seriesKey{handler: handler, method: method}, status, duration.Seconds())
}

func (r *registry) observe(key seriesKey, status int, seconds float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.series[key]
	if s == nil {
		s = &series{
			byStatus: make(map[int]uint64),
			buckets:  make([]uint64, len(latencyBuckets)),
		}
		r.series[key] = s
	}

	s.byStatus[status]++
	if status >= http.StatusInternalServerError {
		s.errors++
	}
	s.sum += seconds
	s.count++
	for idx, bound := range latencyBuckets {
		if seconds <= bound {
			s.buckets[idx]++
			break
		}
	}
}

// Handler 返回 /metrics 端点的处理器。
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(httpRegistry.render()))
	})
}

func (r *registry) render() string {
	r.mu.Lock()
	keys := make([]seriesKey, 0, len(r.series))
	snapshot := make(map[seriesKey]series, len(r.series))
	for key, s := range r.series {
		keys = append(keys, key)
		clone := *s
		clone.byStatus = make(map[int]uint64, len(s.byStatus))
		for status, n := range s.byStatus {
			clone.byStatus[status] = n
		}
		clone.buckets = append([]uint64(nil), s.buckets...)
		snapshot[key] = clone
	}
	r.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].handler == keys[j].handler {
			return keys[i].method < keys[j].method
		}
		return keys[i].handler < keys[j].handler
	})

	var out strings.Builder
	out.Grow(1024)

	out.WriteString("# HELP mindloom_http_requests_total Total number of HTTP requests processed.\n")
	out.WriteString("# TYPE mindloom_http_requests_total counter\n")
	for _, key := range keys {
		s := snapshot[key]
		statuses := make([]int, 0, len(s.byStatus))
		for status := range s.byStatus {
			statuses = append(statuses, status)
		}
		sort.Ints(statuses)
		for _, status := range statuses {
			fmt.Fprintf(&out, "mindloom_http_requests_total{%s,code=%q} %d\n",
				baseLabels(key), strconv.Itoa(status), s.byStatus[status])
		}
	}

	out.WriteString("# HELP mindloom_http_request_errors_total Total number of HTTP requests that resulted in a server error.\n")
	out.WriteString("# TYPE mindloom_http_request_errors_total counter\n")
	for _, key := range keys {
		fmt.Fprintf(&out, "mindloom_http_request_errors_total{%s} %d\n", baseLabels(key), snapshot[key].errors)
	}

	out.WriteString("# HELP mindloom_http_request_duration_seconds HTTP request duration in seconds.\n")
	out.WriteString("# TYPE mindloom_http_request_duration_seconds histogram\n")
	for _, key := range keys {
		s := snapshot[key]
		labels := baseLabels(key)
		var cumulative uint64
		for idx, bound := range latencyBuckets {
			cumulative += s.buckets[idx]
			fmt.Fprintf(&out, "mindloom_http_request_duration_seconds_bucket{%s,le=%q} %d\n",
				labels, formatBound(bound), cumulative)
		}
		fmt.Fprintf(&out, "mindloom_http_request_duration_seconds_bucket{%s,le=\"+Inf\"} %d\n", labels, s.count)
		fmt.Fprintf(&out, "mindloom_http_request_duration_seconds_sum{%s} %s\n", labels, formatBound(s.sum))
		fmt.Fprintf(&out, "mindloom_http_request_duration_seconds_count{%s} %d\n", labels, s.count)
	}

	return out.String()
}

func baseLabels(key seriesKey) string {
	return fmt.Sprintf("handler=%q,method=%q", stripNewlines(key.handler), stripNewlines(key.method))
}

// stripNewlines 去掉标签值中的换行，引号与反斜杠由 %q 负责转义。
func stripNewlines(value string) string {
	return strings.ReplaceAll(value, "\n", "")
}

func formatBound(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
