// Command arqserver accepts a single AppProtocol session over a configured
// carrier and echoes every message it receives back to the sender.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"arqnet/pkg/carrier"
	"arqnet/pkg/config"
	"arqnet/pkg/logging"
	"arqnet/pkg/metrics"
	"arqnet/pkg/protocol"
	"arqnet/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults are used when empty")
	carrierKind := flag.String("carrier", "udp", "carrier substrate: udp or https")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	entry := logging.SessionEntry(log, "", "arqserver", "")

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(prometheus.Labels{"app": "arqserver"})
		go serveMetrics(cfg.Metrics.ListenAddr, collector, entry)
	}

	ctx := context.Background()

	c, err := openServerCarrier(*carrierKind, cfg, collector, entry)
	if err != nil {
		entry.WithError(err).Fatal("arqserver: open carrier")
	}
	defer c.Close()

	initialSeq := cfg.Transport.InitialSeq
	if cfg.Transport.RandomSeq && initialSeq == 0 {
		if initialSeq, err = transport.RandomInitialSeq(); err != nil {
			entry.WithError(err).Fatal("arqserver: random initial seq")
		}
	}
	tcfg := transport.Config{
		RetransmitTimeout: cfg.Transport.Timeout,
		MaxRetries:        cfg.Transport.MaxRetries,
		InitialSeq:        initialSeq,
	}
	ep := transport.NewEndpoint(c, tcfg, entry.WithField("layer", "transport"), collector)

	if _, err := ep.Accept(ctx); err != nil {
		entry.WithError(err).Fatal("arqserver: transport accept")
	}

	sess, err := protocol.Accept(ctx, ep, protocol.Mode(cfg.Mode), entry.WithField("layer", "protocol"))
	if err != nil {
		entry.WithError(err).Fatal("arqserver: protocol accept")
	}
	defer sess.Close(ctx)

	entry.Info("arqserver: session ready, echoing messages")
	for {
		in, err := sess.Recv(ctx)
		if err != nil {
			entry.WithError(err).Info("arqserver: session ended")
			return
		}
		entry.WithFields(logrus.Fields{"sender": in.Sender, "text": in.Text}).Info("arqserver: received message")
		if err := sess.Send(ctx, "echo: "+in.Text); err != nil {
			entry.WithError(err).Warn("arqserver: echo failed")
		}
	}
}

func openServerCarrier(kind string, cfg config.Config, m *metrics.Collector, log *logrus.Entry) (carrier.Carrier, error) {
	switch kind {
	case "udp":
		return carrier.NewUDPCarrier(carrier.UDPConfig{
			ListenAddr:      cfg.Carrier.UDP.ListenAddr,
			SendBufferBytes: cfg.Carrier.UDP.SendBuffer,
			RecvBufferBytes: cfg.Carrier.UDP.RecvBuffer,
		}, log)
	case "https":
		return carrier.NewHTTPSServerCarrier(carrier.HTTPSServerConfig{
			ListenAddr: cfg.Carrier.HTTPS.ListenAddr,
			CertFile:   cfg.Carrier.HTTPS.CertFile,
			KeyFile:    cfg.Carrier.HTTPS.KeyFile,
			QueueLimit: cfg.Carrier.HTTPS.QueueLimit,
		}, log, m)
	default:
		return nil, fmt.Errorf("arqserver: unknown carrier %q", kind)
	}
}

// serveMetrics registers the same collector instance the transport and
// carrier layers record into, so /metrics reflects real session traffic
// rather than a disconnected, permanently-zero registry.
func serveMetrics(addr string, collector *metrics.Collector, log *logrus.Entry) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.WithField("addr", addr).Info("arqserver: serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("arqserver: metrics server stopped")
	}
}
