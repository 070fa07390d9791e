// Package internaldefs holds the metric names shared by the Prometheus and
// OpenTelemetry exporters.
package internaldefs
