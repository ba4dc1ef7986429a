// Command broker relays UDP datagrams between a sender and a receiver
// while injecting drops, bit-flips and delays, for exercising the
// protocol's fault tolerance.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/udpxfer/internal/broker"
	"github.com/mrcgq/udpxfer/internal/metrics"
	"github.com/mrcgq/udpxfer/internal/xudp"
)

type fileConfig struct {
	SenderBind   string  `yaml:"sender_bind"`
	ReceiverBind string  `yaml:"receiver_bind"`
	SenderAddr   string  `yaml:"sender_addr"`
	ReceiverAddr string  `yaml:"receiver_addr"`
	DropRate     float64 `yaml:"drop_rate"`
	ModifyRate   float64 `yaml:"modify_rate"`
	DelayMean    float64 `yaml:"delay_mean_seconds"`
	DelayStd     float64 `yaml:"delay_std_seconds"`
	MetricsAddr  string  `yaml:"metrics_addr"`
	Verbose      bool    `yaml:"verbose"`
}

func main() {
	senderBind := flag.String("sender_bind", "0.0.0.0:9001", "local socket the sender talks to")
	receiverBind := flag.String("receiver_bind", "0.0.0.0:9002", "local socket the receiver talks to")
	senderAddr := flag.String("sender_addr", "", "the real sender's address, host:port (required)")
	receiverAddr := flag.String("receiver_addr", "", "the real receiver's address, host:port (required)")
	dropRate := flag.Float64("drop", 0, "probability of discarding a datagram, in [0,1]")
	modifyRate := flag.Float64("modify", 0, "probability of flipping a bit in each byte, in [0,1]")
	delayMean := flag.Float64("delay-mean", 0, "mean of the Gaussian delay applied to each datagram, in seconds")
	delayStd := flag.Float64("delay-std", 0, "standard deviation of the Gaussian delay, in seconds")
	configPath := flag.String("config", "", "optional YAML file supplying values for flags not set on the command line")
	metricsAddr := flag.String("metrics-addr", "", "if set, expose Prometheus metrics on this address")
	verbose := flag.Bool("v", false, "verbose per-datagram logging")
	flag.Parse()

	if *configPath != "" {
		applyFileConfig(*configPath, senderBind, receiverBind, senderAddr, receiverAddr, dropRate, modifyRate, delayMean, delayStd, metricsAddr, verbose)
	}

	if *senderAddr == "" || *receiverAddr == "" {
		fmt.Fprintln(os.Stderr, "usage: broker -sender_addr host:port -receiver_addr host:port [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	senderBindAddr, err := net.ResolveUDPAddr("udp", *senderBind)
	if err != nil {
		log.Fatalf("resolve sender bind address: %v", err)
	}
	receiverBindAddr, err := net.ResolveUDPAddr("udp", *receiverBind)
	if err != nil {
		log.Fatalf("resolve receiver bind address: %v", err)
	}
	senderPeerAddr, err := net.ResolveUDPAddr("udp", *senderAddr)
	if err != nil {
		log.Fatalf("resolve sender address: %v", err)
	}
	receiverPeerAddr, err := net.ResolveUDPAddr("udp", *receiverAddr)
	if err != nil {
		log.Fatalf("resolve receiver address: %v", err)
	}

	cfg := broker.Config{
		SenderBindAddr:   senderBindAddr,
		ReceiverBindAddr: receiverBindAddr,
		SenderAddr:       senderPeerAddr,
		ReceiverAddr:     receiverPeerAddr,
		DropRate:         *dropRate,
		ModifyRate:       *modifyRate,
		DelayMean:        *delayMean,
		DelayStd:         *delayStd,
		Verbose:          *verbose,
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	clientSock, err := xudp.Bind(senderBindAddr)
	if err != nil {
		log.Fatalf("bind sender socket: %v", err)
	}
	defer clientSock.Close()

	upstreamSock, err := xudp.Bind(receiverBindAddr)
	if err != nil {
		log.Fatalf("bind receiver socket: %v", err)
	}
	defer upstreamSock.Close()

	logOut := io.Writer(io.Discard)
	if *verbose {
		logOut = os.Stderr
	}
	logger := log.New(logOut, "broker: ", log.LstdFlags)

	var stats *metrics.BrokerStats
	if *metricsAddr != "" {
		srv := metrics.NewServer(*metricsAddr)
		stats = metrics.NewBrokerStats(srv.Registry())
		srv.Start()
		defer srv.Stop()
	}

	b := broker.New(cfg, clientSock, upstreamSock, logger, stats)

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	fmt.Printf("relaying %s <-> %s via %s/%s (drop=%.2f modify=%.2f delay=N(%.3f,%.3f))\n",
		senderPeerAddr, receiverPeerAddr, senderBindAddr, receiverBindAddr, cfg.DropRate, cfg.ModifyRate, cfg.DelayMean, cfg.DelayStd)

	if err := b.Run(ctx); err != nil {
		log.Fatalf("broker stopped: %v", err)
	}
}

func applyFileConfig(path string, senderBind, receiverBind, senderAddr, receiverAddr *string, dropRate, modifyRate, delayMean, delayStd *float64, metricsAddr *string, verbose *bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read config %s: %v", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		log.Fatalf("parse config %s: %v", path, err)
	}

	seen := map[string]bool{}
	flag.Visit(func(f *flag.Flag) { seen[f.Name] = true })

	if fc.SenderBind != "" && !seen["sender_bind"] {
		*senderBind = fc.SenderBind
	}
	if fc.ReceiverBind != "" && !seen["receiver_bind"] {
		*receiverBind = fc.ReceiverBind
	}
	if fc.SenderAddr != "" && !seen["sender_addr"] {
		*senderAddr = fc.SenderAddr
	}
	if fc.ReceiverAddr != "" && !seen["receiver_addr"] {
		*receiverAddr = fc.ReceiverAddr
	}
	if fc.DropRate != 0 && !seen["drop"] {
		*dropRate = fc.DropRate
	}
	if fc.ModifyRate != 0 && !seen["modify"] {
		*modifyRate = fc.ModifyRate
	}
	if fc.DelayMean != 0 && !seen["delay-mean"] {
		*delayMean = fc.DelayMean
	}
	if fc.DelayStd != 0 && !seen["delay-std"] {
		*delayStd = fc.DelayStd
	}
	if fc.MetricsAddr != "" && !seen["metrics-addr"] {
		*metricsAddr = fc.MetricsAddr
	}
	if fc.Verbose && !seen["v"] {
		*verbose = true
	}
}
