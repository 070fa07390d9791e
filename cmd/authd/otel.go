package main

import (
	"context"
	"net/http"
	"sort"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	otelexport "github.com/okada-platform/authcore/metrics/export/otel"
	"github.com/okada-platform/authcore/middleware"
)

// otelView registers the engine on an in-process meter provider with a manual
// reader and serves each collection as a flat JSON object. It lets operators
// check the OTel instrument names without running a collector.
type otelView struct {
	reader   *sdkmetric.ManualReader
	provider *sdkmetric.MeterProvider
	exporter *otelexport.Exporter
}

func newOTelView(source otelexport.Source) (*otelView, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	exp, err := otelexport.New(provider.Meter("github.com/okada-platform/authcore"), source)
	if err != nil {
		return nil, err
	}
	return &otelView{reader: reader, provider: provider, exporter: exp}, nil
}

type otelPoint struct {
	Name  string `json:"name"`
	Value int64  `json:"value"`
}

func (v *otelView) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var rm metricdata.ResourceMetrics
	if err := v.reader.Collect(r.Context(), &rm); err != nil {
		middleware.WriteError(w, err)
		return
	}

	var points []otelPoint
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			var total int64
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
			default:
				continue
			}
			points = append(points, otelPoint{Name: m.Name, Value: total})
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Name < points[j].Name })
	writeJSON(w, http.StatusOK, map[string]any{"metrics": points})
}

func (v *otelView) Close() error {
	if err := v.exporter.Close(); err != nil {
		return err
	}
	return v.provider.Shutdown(context.Background())
}
