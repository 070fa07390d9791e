// Package otel binds authcore metrics to an OpenTelemetry meter supplied by
// the caller: one observable counter per authcore counter and one observable
// gauge per latency bucket.
package otel
