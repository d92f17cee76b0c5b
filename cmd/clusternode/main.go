package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	logging "github.com/sirupsen/logrus"

	"github.com/torusresearch/torus-cluster/cluster"
	"github.com/torusresearch/torus-cluster/config"
	"github.com/torusresearch/torus-cluster/p2p"
	"github.com/torusresearch/torus-cluster/telemetry"
	"github.com/torusresearch/torus-cluster/version"
)

func main() {
	logging.WithFields(logging.Fields{
		"version": version.NodeVersion,
		"commit":  version.GitCommit,
	}).Info("CLUSTER NODE STARTING...")

	conf, err := config.LoadConfig(os.Getenv("CONFIG_PATH"), os.Args[1:])
	if err != nil {
		logging.WithError(err).Fatal("could not load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	priv, err := p2p.DecodeNodeKey(conf.NodeKey)
	if err != nil {
		logging.WithError(err).Fatal("could not read node key")
	}
	connector, err := p2p.NewLibP2PConnector(ctx, conf.P2PListenAddress, priv, conf.DuplicateWindow())
	if err != nil {
		logging.WithError(err).Fatal("could not start p2p host")
	}
	defer connector.Close()
	if addr, err := connector.FullAddress(); err == nil {
		logging.WithField("address", addr.String()).Info("p2p host listening")
	}

	network := p2p.NewNetwork(connector.ID(), connector,
		p2p.WithHandler(func(from cluster.NodeID, msg cluster.Message) {
			logging.WithFields(logging.Fields{
				"from":    from,
				"session": msg.SessionID,
				"method":  msg.Method,
			}).Info("received message")
		}),
		p2p.WithQueueSize(conf.SendQueueSize),
		p2p.WithRetry(uint(conf.DeliveryAttempts), conf.DeliveryDelay()),
		p2p.WithTeardownTimeout(conf.TeardownTimeout()),
		p2p.WithEmptyBroadcast(conf.AllowEmptyBroadcast),
		p2p.WithMetrics(telemetry.Default()),
	)
	for _, address := range conf.Peers {
		id, err := connector.AddPeer(address)
		if err != nil {
			logging.WithError(err).WithField("address", address).Error("skipping peer")
			continue
		}
		if err := network.AddNode(id); err != nil {
			logging.WithError(err).WithField("peer", id).Error("could not register peer")
		}
	}
	logging.WithField("peers", network.Peers()).Info("cluster ready")

	metricsServer := telemetry.NewServer(conf.MetricsListenAddress, prometheus.DefaultGatherer)
	go func() {
		if err := metricsServer.Serve(); err != nil {
			logging.WithError(err).Error("metrics server stopped")
		}
	}()

	// Stop upon receiving SIGTERM or CTRL-C
	osSignal := make(chan os.Signal, 1)
	signal.Notify(osSignal, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	<-osSignal
	logging.Info("Shutting down the node, received signal.")

	if err := metricsServer.Close(); err != nil {
		logging.WithError(err).Error("could not stop metrics server")
	}
	if err := network.Close(); err != nil {
		logging.WithError(err).Error("could not close network")
	}
}
