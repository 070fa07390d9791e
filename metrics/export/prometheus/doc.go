// Package prometheus renders authcore counters and latency histograms in the
// Prometheus text exposition format. Callers mount [Exporter.Handler]; no
// global registry is involved.
package prometheus
