package sink

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/iotix/device-engine/internal/infrastructure/config"
)

// influxWriter delivers batches through the InfluxDB v2 API.
//
// The sink core owns batching, buffering and retry, so this writer uses
// the blocking write API: one call per prepared batch.
type influxWriter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

func newInfluxWriter(cfg config.SinkConfig) (*influxWriter, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &influxWriter{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

func (w *influxWriter) writeBatch(ctx context.Context, points []Point) error {
	pts := make([]*write.Point, 0, len(points))
	for _, p := range points {
		tags := make(map[string]string, len(p.Tags))
		for k, v := range p.Tags {
			if v == "" {
				continue
			}
			tags[k] = v
		}
		pts = append(pts, write.NewPoint(p.Measurement, tags, p.Fields, p.Time))
	}
	return w.writeAPI.WritePoint(ctx, pts...)
}

func (w *influxWriter) healthCheck(ctx context.Context) error {
	healthy, err := w.client.Ping(ctx)
	if err != nil {
		return fmt.Errorf("influxdb health check: %w", err)
	}
	if !healthy {
		return fmt.Errorf("influxdb health check: server not healthy")
	}
	return nil
}

func (w *influxWriter) close() {
	w.client.Close()
}
