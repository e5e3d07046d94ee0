package lib

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds every cumulative counter named in spec.md's error taxonomy
// and testable properties, as plain atomics the way the teacher's PcpCore
// exposes connection counts, generalized into a Prometheus Collector the
// way mrcgq-222/internal/metrics/collectors.go exposes PhantomMetrics.
type Stats struct {
	DataMsgsSent     uint64
	DataMsgsReceived uint64
	ReceiverDupDatas uint64

	SelectiveNaksSent     uint64
	SelectiveNaksReceived uint64
	ParityNaksSent        uint64
	ParityNaksReceived    uint64

	ReceiverNaksFailedNcfRetries  uint64
	ReceiverNaksFailedDataRetries uint64
	ReceiverNaksFailedUnknownNla  uint64

	PacketsDiscarded uint64
	Malformed        uint64
	ChecksumErrors   uint64

	PeersCreated uint64
	PeersExpired uint64

	FecPacketsRecovered uint64
}

func (s *Stats) incr(counter *uint64) {
	atomic.AddUint64(counter, 1)
}

// Snapshot returns a point-in-time copy of every counter.
func (s *Stats) Snapshot() Stats {
	return Stats{
		DataMsgsSent:                  atomic.LoadUint64(&s.DataMsgsSent),
		DataMsgsReceived:              atomic.LoadUint64(&s.DataMsgsReceived),
		ReceiverDupDatas:              atomic.LoadUint64(&s.ReceiverDupDatas),
		SelectiveNaksSent:             atomic.LoadUint64(&s.SelectiveNaksSent),
		SelectiveNaksReceived:         atomic.LoadUint64(&s.SelectiveNaksReceived),
		ParityNaksSent:                atomic.LoadUint64(&s.ParityNaksSent),
		ParityNaksReceived:            atomic.LoadUint64(&s.ParityNaksReceived),
		ReceiverNaksFailedNcfRetries:  atomic.LoadUint64(&s.ReceiverNaksFailedNcfRetries),
		ReceiverNaksFailedDataRetries: atomic.LoadUint64(&s.ReceiverNaksFailedDataRetries),
		ReceiverNaksFailedUnknownNla:  atomic.LoadUint64(&s.ReceiverNaksFailedUnknownNla),
		PacketsDiscarded:              atomic.LoadUint64(&s.PacketsDiscarded),
		Malformed:                     atomic.LoadUint64(&s.Malformed),
		ChecksumErrors:                atomic.LoadUint64(&s.ChecksumErrors),
		PeersCreated:                  atomic.LoadUint64(&s.PeersCreated),
		PeersExpired:                  atomic.LoadUint64(&s.PeersExpired),
		FecPacketsRecovered:           atomic.LoadUint64(&s.FecPacketsRecovered),
	}
}

// StatsCollector adapts Stats to prometheus.Collector so a transport's
// counters can be registered into any Prometheus registry, grounded on the
// NewDesc/BuildFQName pattern in mrcgq-222/internal/metrics/collectors.go.
type StatsCollector struct {
	stats     *Stats
	tsi       string
	descs     map[string]*prometheus.Desc
	namespace string
}

// NewStatsCollector builds a Collector reporting tsi's transport counters
// under the "pgm" Prometheus namespace.
func NewStatsCollector(tsi string, stats *Stats) *StatsCollector {
	c := &StatsCollector{stats: stats, tsi: tsi, namespace: "pgm"}
	c.descs = map[string]*prometheus.Desc{
		"data_msgs_sent":       c.desc("data_msgs_sent_total", "ODATA/RDATA TPDUs sent"),
		"data_msgs_received":   c.desc("data_msgs_received_total", "ODATA/RDATA TPDUs accepted into the receive window"),
		"dup_datas":            c.desc("dup_datas_total", "duplicate data packets observed"),
		"selective_naks_sent":  c.desc("selective_naks_sent_total", "selective NAKs emitted"),
		"selective_naks_recv":  c.desc("selective_naks_received_total", "selective NAKs received at the source"),
		"parity_naks_sent":     c.desc("parity_naks_sent_total", "parity NAKs emitted"),
		"parity_naks_recv":     c.desc("parity_naks_received_total", "parity NAKs received at the source"),
		"naks_failed_ncf":      c.desc("naks_failed_ncf_retries_exceeded_total", "entries LOST after exhausting nak_ncf_retries"),
		"naks_failed_data":     c.desc("naks_failed_data_retries_exceeded_total", "entries LOST after exhausting nak_data_retries"),
		"naks_failed_nla":      c.desc("naks_failed_unknown_nla_total", "entries LOST because the peer's NLA was still unknown"),
		"packets_discarded":    c.desc("packets_discarded_total", "packets discarded for any reason"),
		"malformed":            c.desc("malformed_total", "packets failing framing/option validation"),
		"checksum_errors":      c.desc("checksum_errors_total", "packets failing checksum verification"),
		"peers_created":        c.desc("peers_created_total", "peers created"),
		"peers_expired":        c.desc("peers_expired_total", "peers expired"),
		"fec_packets_recovered": c.desc("fec_packets_recovered_total", "ODATA packets reconstructed from parity"),
	}
	return c
}

func (c *StatsCollector) desc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(c.namespace, "", name), help, nil, prometheus.Labels{"tsi": c.tsi})
}

func (c *StatsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.descs {
		ch <- d
	}
}

func (c *StatsCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Snapshot()
	emit := func(key string, v uint64) {
		ch <- prometheus.MustNewConstMetric(c.descs[key], prometheus.CounterValue, float64(v))
	}
	emit("data_msgs_sent", snap.DataMsgsSent)
	emit("data_msgs_received", snap.DataMsgsReceived)
	emit("dup_datas", snap.ReceiverDupDatas)
	emit("selective_naks_sent", snap.SelectiveNaksSent)
	emit("selective_naks_recv", snap.SelectiveNaksReceived)
	emit("parity_naks_sent", snap.ParityNaksSent)
	emit("parity_naks_recv", snap.ParityNaksReceived)
	emit("naks_failed_ncf", snap.ReceiverNaksFailedNcfRetries)
	emit("naks_failed_data", snap.ReceiverNaksFailedDataRetries)
	emit("naks_failed_nla", snap.ReceiverNaksFailedUnknownNla)
	emit("packets_discarded", snap.PacketsDiscarded)
	emit("malformed", snap.Malformed)
	emit("checksum_errors", snap.ChecksumErrors)
	emit("peers_created", snap.PeersCreated)
	emit("peers_expired", snap.PeersExpired)
	emit("fec_packets_recovered", snap.FecPacketsRecovered)
}
