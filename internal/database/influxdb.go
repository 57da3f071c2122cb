package database

import (
	"context"
	"fmt"
	"time"

	"quo/internal/config"
	"quo/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

func NewInfluxDBClient(config config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(config.Host, config.Password)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", config.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}

	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    config.Host,
			"status":  health.Status,
			"message": msg,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is not healthy: %s", config.Host, health.Status)
	}

	writeAPI := client.WriteAPIBlocking(config.Org, config.Name)

	logger.WithFields(logrus.Fields{
		"host":   config.Host,
		"bucket": config.Name,
		"org":    config.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		bucket:   config.Name,
		org:      config.Org,
	}, nil
}

// WritePlacement writes one node point and one point per rank and container.
func (idb *InfluxDBClient) WritePlacement(ctx context.Context, snap *Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	points := placementPoints(snap)
	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write placement points: %w", err)
	}
	logging.GetLogger().WithFields(logrus.Fields{
		"bucket": idb.bucket,
		"points": len(points),
	}).Debug("Wrote placement snapshot")
	return nil
}

func placementPoints(snap *Snapshot) []*write.Point {
	base := map[string]string{
		"node":         snap.NodeToken,
		"hostname":     snap.Hostname,
		"job_checksum": snap.JobChecksum,
	}
	tags := func(extra map[string]string) map[string]string {
		out := make(map[string]string, len(base)+len(extra))
		for k, v := range base {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	points := []*write.Point{
		influxdb2.NewPoint("quo_node",
			tags(nil),
			map[string]interface{}{
				"nnodes":      snap.NNodes,
				"nnoderanks":  snap.NNodeRanks,
				"sockets":     snap.Sockets,
				"cores":       snap.Cores,
				"pus":         snap.PUs,
				"numa_nodes":  snap.NUMANodes,
				"kernel":      snap.KernelVersion,
				"cpu_model":   snap.CPUModel,
				"reporter_nr": snap.NodeRank,
			},
			snap.CreatedAt),
	}

	for _, r := range snap.Ranks {
		points = append(points, influxdb2.NewPoint("quo_rank_placement",
			tags(map[string]string{"node_rank": fmt.Sprintf("%d", r.NodeRank)}),
			map[string]interface{}{
				"pid":    r.PID,
				"socket": r.Socket,
				"core":   r.Core,
			},
			snap.CreatedAt))
	}

	for _, c := range snap.Containers {
		points = append(points, influxdb2.NewPoint("quo_container_placement",
			tags(map[string]string{"container": c.Name, "image": c.Image}),
			map[string]interface{}{
				"pid":    c.PID,
				"socket": c.Socket,
				"core":   c.Core,
			},
			snap.CreatedAt))
	}

	return points
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
