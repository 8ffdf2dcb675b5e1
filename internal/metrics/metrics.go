// Package metrics provides Prometheus metrics for meshdrop nodes and gateways.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the Prometheus registry for all meshdrop metrics.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

var (
	nodeMetricsOnce     sync.Once
	nodeMetricsInstance *NodeMetrics

	gatewayMetricsOnce     sync.Once
	gatewayMetricsInstance *GatewayMetrics
)

// NodeMetrics holds all Prometheus metrics for a storage node.
type NodeMetrics struct {
	UploadsTotal      *prometheus.CounterVec // meshdrop_uploads_total{result}
	UploadBytes       prometheus.Counter     // meshdrop_upload_bytes_total
	ReplicationPushes *prometheus.CounterVec // meshdrop_replication_pushes_total{result}
	IngestTotal       *prometheus.CounterVec // meshdrop_ingest_total{result}
	DownloadsTotal    *prometheus.CounterVec // meshdrop_downloads_total{source}
	ArchiveOps        *prometheus.CounterVec // meshdrop_archive_operations_total{operation,result}
	GossipPeersLearnt prometheus.Counter     // meshdrop_gossip_peers_learned_total
	MetadataMerges    *prometheus.CounterVec // meshdrop_metadata_merges_total{policy}
	PeerHealth        *prometheus.GaugeVec   // meshdrop_peers{status}
	KnownPeers        prometheus.Gauge       // meshdrop_known_peers
	TaskRuns          *prometheus.CounterVec // meshdrop_task_runs_total{task,result}
	TaskDuration      *prometheus.HistogramVec
	CleanupFiles      *prometheus.CounterVec // meshdrop_cleanup_files_total{kind}
	StorageUsedRatio  prometheus.Gauge
}

// InitNodeMetrics initializes node metrics on the given registry.
// Metrics are only registered once; subsequent calls return the same instance.
func InitNodeMetrics(registry prometheus.Registerer) *NodeMetrics {
	nodeMetricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		nodeMetricsInstance = &NodeMetrics{
			UploadsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_uploads_total",
				Help: "Client uploads by result (replicated, under_replicated, failed)",
			}, []string{"result"}),
			UploadBytes: f.NewCounter(prometheus.CounterOpts{
				Name: "meshdrop_upload_bytes_total",
				Help: "Bytes accepted from client uploads",
			}),
			ReplicationPushes: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_replication_pushes_total",
				Help: "Chunk pushes to peers by result",
			}, []string{"result"}),
			IngestTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_ingest_total",
				Help: "Locally stored chunks by result (stored, checksum_mismatch, error)",
			}, []string{"result"}),
			DownloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_downloads_total",
				Help: "Downloads served by source (local, archive, peer, miss)",
			}, []string{"source"}),
			ArchiveOps: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_archive_operations_total",
				Help: "Archive, restore and reactivate operations by result",
			}, []string{"operation", "result"}),
			GossipPeersLearnt: f.NewCounter(prometheus.CounterOpts{
				Name: "meshdrop_gossip_peers_learned_total",
				Help: "Peers learned through gossip",
			}),
			MetadataMerges: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_metadata_merges_total",
				Help: "Incoming gossip chunk records by applied merge policy",
			}, []string{"policy"}),
			PeerHealth: f.NewGaugeVec(prometheus.GaugeOpts{
				Name: "meshdrop_peers",
				Help: "Known peers by last observed health status",
			}, []string{"status"}),
			KnownPeers: f.NewGauge(prometheus.GaugeOpts{
				Name: "meshdrop_known_peers",
				Help: "Size of the peer registry including self",
			}),
			TaskRuns: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_task_runs_total",
				Help: "Maintenance task runs by task and result",
			}, []string{"task", "result"}),
			TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "meshdrop_task_duration_seconds",
				Help:    "Maintenance task duration in seconds",
				Buckets: prometheus.DefBuckets,
			}, []string{"task"}),
			CleanupFiles: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_cleanup_files_total",
				Help: "Files removed by cleanup (reclaimed, orphaned, scratch)",
			}, []string{"kind"}),
			StorageUsedRatio: f.NewGauge(prometheus.GaugeOpts{
				Name: "meshdrop_storage_used_ratio",
				Help: "Used fraction of the data volume",
			}),
		}
	})
	return nodeMetricsInstance
}

// GatewayMetrics holds all Prometheus metrics for the gateway.
type GatewayMetrics struct {
	DownloadsTotal *prometheus.CounterVec // meshdrop_gateway_downloads_total{outcome}
	HealthyPeers   prometheus.Gauge
	KnownPeers     prometheus.Gauge
	RefreshTotal   *prometheus.CounterVec // meshdrop_gateway_refresh_total{status}
}

// InitGatewayMetrics initializes gateway metrics on the given registry.
func InitGatewayMetrics(registry prometheus.Registerer) *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		if registry == nil {
			registry = Registry
		}
		f := promauto.With(registry)
		gatewayMetricsInstance = &GatewayMetrics{
			DownloadsTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_gateway_downloads_total",
				Help: "Gateway downloads by outcome (served, not_found, no_peer, upstream_error)",
			}, []string{"outcome"}),
			HealthyPeers: f.NewGauge(prometheus.GaugeOpts{
				Name: "meshdrop_gateway_healthy_peers",
				Help: "Peers eligible for download selection",
			}),
			KnownPeers: f.NewGauge(prometheus.GaugeOpts{
				Name: "meshdrop_gateway_known_peers",
				Help: "Peers in the gateway status mirror",
			}),
			RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
				Name: "meshdrop_gateway_refresh_total",
				Help: "Per-node refresh results by observed status",
			}, []string{"status"}),
		}
	})
	return gatewayMetricsInstance
}

// Handler returns an HTTP handler exposing Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
