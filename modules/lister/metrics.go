package lister

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "icylister"

var (
	metricRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "metadata_records_total",
		Help:      "Metadata blocks read from the stream.",
	}, []string{"url"})

	metricFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "titles_filtered_total",
		Help:      "Titles matching a blacklist pattern.",
	}, []string{"url"})

	metricAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "metadata_anomalies_total",
		Help:      "Metadata blocks reported on the diagnostic output, by kind.",
	}, []string{"url", "kind"})

	metricReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "reconnects_total",
		Help:      "Renegotiations after a stream was interrupted.",
	}, []string{"url"})

	metricStreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "stream_errors_total",
		Help:      "Errors that ended a stream handle, by reason.",
	}, []string{"url", "reason"})
)

const (
	anomalyEmpty    = "empty"
	anomalyNoTitle  = "no_title"
	anomalyBadTitle = "bad_title"
	anomalyDecode   = "decode"
)
