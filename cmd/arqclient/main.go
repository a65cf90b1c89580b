// Command arqclient dials an arqserver over a configured carrier and sends
// each line of stdin as a message, printing replies as they arrive.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"arqnet/pkg/carrier"
	"arqnet/pkg/config"
	"arqnet/pkg/logging"
	"arqnet/pkg/protocol"
	"arqnet/pkg/transport"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file; defaults are used when empty")
	carrierKind := flag.String("carrier", "udp", "carrier substrate: udp or https")
	serverAddr := flag.String("server", "127.0.0.1:5000", "server address: host:port for udp, URL for https")
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
	entry := logging.SessionEntry(log, "", "arqclient", *serverAddr)

	ctx := context.Background()

	c, peer, err := openClientCarrier(*carrierKind, *serverAddr, cfg, entry)
	if err != nil {
		entry.WithError(err).Fatal("arqclient: open carrier")
	}
	defer c.Close()

	initialSeq := cfg.Transport.InitialSeq
	if cfg.Transport.RandomSeq && initialSeq == 0 {
		if initialSeq, err = transport.RandomInitialSeq(); err != nil {
			entry.WithError(err).Fatal("arqclient: random initial seq")
		}
	}
	tcfg := transport.Config{
		RetransmitTimeout: cfg.Transport.Timeout,
		MaxRetries:        cfg.Transport.MaxRetries,
		InitialSeq:        initialSeq,
	}
	ep := transport.NewEndpoint(c, tcfg, entry.WithField("layer", "transport"), nil)

	if err := ep.Dial(ctx, peer); err != nil {
		entry.WithError(err).Fatal("arqclient: transport dial")
	}

	sess, err := protocol.Dial(ctx, ep, protocol.Mode(cfg.Mode), entry.WithField("layer", "protocol"))
	if err != nil {
		entry.WithError(err).Fatal("arqclient: protocol dial")
	}
	defer sess.Close(ctx)

	go func() {
		for {
			in, err := sess.Recv(ctx)
			if err != nil {
				return
			}
			fmt.Printf("%s: %s\n", in.Sender, in.Text)
		}
	}()

	entry.Info("arqclient: session ready, reading lines from stdin")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := sess.Send(ctx, scanner.Text()); err != nil {
			entry.WithError(err).Error("arqclient: send failed")
			return
		}
	}
}

func openClientCarrier(kind, serverAddr string, cfg config.Config, log *logrus.Entry) (carrier.Carrier, carrier.Addr, error) {
	switch kind {
	case "udp":
		c, err := carrier.NewUDPCarrier(carrier.UDPConfig{
			ListenAddr:      ":0",
			SendBufferBytes: cfg.Carrier.UDP.SendBuffer,
			RecvBufferBytes: cfg.Carrier.UDP.RecvBuffer,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		peer, err := carrier.ResolveUDPAddr(serverAddr)
		if err != nil {
			return nil, nil, err
		}
		return c, peer, nil
	case "https":
		c := carrier.NewHTTPSClientCarrier(carrier.HTTPSClientConfig{
			ServerURL:    serverAddr,
			PollInterval: cfg.Carrier.HTTPS.PollInterval,
		}, log)
		return c, carrier.ServerAddr{}, nil
	default:
		return nil, nil, fmt.Errorf("arqclient: unknown carrier %q", kind)
	}
}
