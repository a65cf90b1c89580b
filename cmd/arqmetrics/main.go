// Command arqmetrics runs a standalone Prometheus exporter over a
// metrics.Collector, the way exporter_example1 exercised the donor
// TCPInfoCollector: no transport traffic, just the /metrics endpoint wired to
// a collector so its shape can be inspected directly.
package main

import (
	"flag"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"arqnet/pkg/metrics"
)

func main() {
	addr := flag.String("listen", ":9090", "address to serve /metrics on")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	log := logrus.New()

	collector := metrics.New(prometheus.Labels{"app": "arqmetrics", "hostname": hostname})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	collector.FrameSent("SYN")
	collector.FrameReceived("SYN|ACK")
	collector.SetCarrierQueueDepth("demo-client", "inbox", 0)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	log.WithField("addr", *addr).Info("arqmetrics: serving /metrics")
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.WithError(err).Fatal("arqmetrics: server stopped")
	}
}
