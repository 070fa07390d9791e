package authcore

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// loginOutcomes approximates the counter traffic of a login-heavy workload:
// mostly successes and refreshes, with failures, lockouts and code traffic.
var loginOutcomes = [...]MetricID{
	MetricLoginSuccess,
	MetricRefreshSuccess,
	MetricLoginSuccess,
	MetricLoginFailure,
	MetricRefreshSuccess,
	MetricCodeSent,
	MetricLoginFailure,
	MetricAccountLocked,
	MetricRateLimitHit,
	MetricCodeVerified,
}

// observedLatencies spans every histogram bucket.
var observedLatencies = [...]time.Duration{
	2 * time.Millisecond,
	7 * time.Millisecond,
	18 * time.Millisecond,
	40 * time.Millisecond,
	80 * time.Millisecond,
	200 * time.Millisecond,
	450 * time.Millisecond,
	3 * time.Second,
}

func benchMetricsEngine(cfg MetricsConfig) *Engine {
	e := &Engine{clock: clockwork.NewFakeClock()}
	if cfg.Enabled {
		e.metrics = NewMetrics(cfg)
	}
	return e
}

func BenchmarkMetricsIncParallel(b *testing.B) {
	e := benchMetricsEngine(MetricsConfig{Enabled: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			e.metricInc(loginOutcomes[i%len(loginOutcomes)])
			i++
		}
	})

	var total uint64
	for _, id := range []MetricID{MetricLoginSuccess, MetricLoginFailure, MetricRefreshSuccess} {
		total += e.metrics.Value(id)
	}
	if total == 0 {
		b.Fatal("no counters recorded")
	}
}

func BenchmarkMetricsIncDisabled(b *testing.B) {
	e := benchMetricsEngine(MetricsConfig{Enabled: false})
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		e.metricInc(loginOutcomes[i%len(loginOutcomes)])
	}
}

func BenchmarkMetricsObserveLatencyParallel(b *testing.B) {
	e := benchMetricsEngine(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			id := MetricValidateLatency
			if i&1 == 1 {
				id = MetricLoginLatency
			}
			e.metrics.Observe(id, observedLatencies[i%len(observedLatencies)])
			i++
		}
	})
}

// BenchmarkMetricsSnapshotUnderLoad measures the admin read while login
// counters are being written.
func BenchmarkMetricsSnapshotUnderLoad(b *testing.B) {
	e := benchMetricsEngine(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; ctx.Err() == nil; i++ {
			e.metricInc(loginOutcomes[i%len(loginOutcomes)])
			e.metrics.Observe(MetricLoginLatency, observedLatencies[i%len(observedLatencies)])
		}
	}()
	b.ReportAllocs()
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		s := e.MetricsSnapshot()
		if len(s.Histograms) != 2 {
			b.Fatalf("histograms = %d, want 2", len(s.Histograms))
		}
	}

	b.StopTimer()
	cancel()
	<-done
}

// BenchmarkValidateAccessTokenMetrics compares the validation hot path with
// latency histograms on and with metrics removed from the engine.
func BenchmarkValidateAccessTokenMetrics(b *testing.B) {
	for _, tc := range []struct {
		name    string
		metrics *Metrics
	}{
		{"histograms", NewMetrics(MetricsConfig{Enabled: true, EnableLatencyHistograms: true})},
		{"off", nil},
	} {
		b.Run(tc.name, func(b *testing.B) {
			engine, cleanup := newBenchmarkEngine(b)
			defer cleanup()
			engine.metrics = tc.metrics
			access := benchLogin(b, engine).AccessToken

			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := engine.ValidateAccessToken(context.Background(), access); err != nil {
					b.Fatalf("validate failed: %v", err)
				}
			}
		})
	}
}
