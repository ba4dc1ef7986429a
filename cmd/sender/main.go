// Command sender transfers one file to a receiver over the reliable UDP
// protocol implemented in internal/sender.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mrcgq/udpxfer/internal/metrics"
	"github.com/mrcgq/udpxfer/internal/sender"
	"github.com/mrcgq/udpxfer/internal/xudp"
)

// fileConfig mirrors the flags a --config file may override. Flags passed
// on the command line always win over the file, matching the client's
// config precedence.
type fileConfig struct {
	Bind         string  `yaml:"bind"`
	Addr         string  `yaml:"addr"`
	File         string  `yaml:"file"`
	PacketSize   int     `yaml:"packet_size"`
	WindowSize   int     `yaml:"window_size"`
	ChecksumSize int     `yaml:"checksum_size"`
	Timeout      float64 `yaml:"timeout_seconds"`
	Repetition   int     `yaml:"repetition"`
	MetricsAddr  string  `yaml:"metrics_addr"`
	Verbose      bool    `yaml:"verbose"`
}

func main() {
	bind := flag.String("bind", "0.0.0.0:0", "local address to send from")
	addr := flag.String("addr", "", "receiver address, host:port (required)")
	file := flag.String("f", "", "path of the file to send (required)")
	packetSize := flag.Int("packet", 1400, "proposed packet size in bytes")
	windowSize := flag.Int("window", 32, "proposed sliding window size in packets")
	checksumSize := flag.Int("checksum", 8, "proposed checksum size in bytes (0-64)")
	timeoutSec := flag.Float64("timeout", 1.0, "per-packet retransmission timeout, in seconds")
	repetition := flag.Int("repetition", 5, "max retransmissions before giving up")
	configPath := flag.String("config", "", "optional YAML file supplying values for flags not set on the command line")
	metricsAddr := flag.String("metrics-addr", "", "if set, expose Prometheus metrics on this address")
	verbose := flag.Bool("v", false, "verbose per-packet logging")
	flag.Parse()

	if *configPath != "" {
		applyFileConfig(*configPath, bind, addr, file, packetSize, windowSize, checksumSize, timeoutSec, repetition, metricsAddr, verbose)
	}

	if *addr == "" || *file == "" {
		fmt.Fprintln(os.Stderr, "usage: sender -addr host:port -f file [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	bindAddr, err := net.ResolveUDPAddr("udp", *bind)
	if err != nil {
		log.Fatalf("resolve bind address: %v", err)
	}
	peerAddr, err := net.ResolveUDPAddr("udp", *addr)
	if err != nil {
		log.Fatalf("resolve receiver address: %v", err)
	}

	cfg := sender.Config{
		BindAddr:             bindAddr,
		PeerAddr:             peerAddr,
		ProposedPacketSize:   uint16(*packetSize),
		ProposedWindowSize:   uint16(*windowSize),
		ProposedChecksumSize: uint16(*checksumSize),
		Timeout:              time.Duration(*timeoutSec * float64(time.Second)),
		MaxRetries:           *repetition,
		Verbose:              *verbose,
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	f, err := os.Open(*file)
	if err != nil {
		log.Fatalf("open %s: %v", *file, err)
	}
	defer f.Close()

	sock, err := xudp.Bind(bindAddr)
	if err != nil {
		log.Fatalf("bind: %v", err)
	}
	defer sock.Close()

	logOut := io.Writer(io.Discard)
	if *verbose {
		logOut = os.Stderr
	}
	logger := log.New(logOut, "sender: ", log.LstdFlags)

	var xferMetrics *metrics.Transfer
	if *metricsAddr != "" {
		srv := metrics.NewServer(*metricsAddr)
		xferMetrics = metrics.NewTransfer(srv.Registry(), "sender")
		srv.Start()
		defer srv.Stop()
	}

	s := sender.New(cfg, sock, logger, xferMetrics)
	printBanner(*file, peerAddr, cfg)

	if err := s.Run(f); err != nil {
		log.Fatalf("transfer failed: %v", err)
	}
	fmt.Printf("sent %s to %s\n", *file, peerAddr)
}

func applyFileConfig(path string, bind, addr, file *string, packetSize, windowSize, checksumSize *int, timeoutSec *float64, repetition *int, metricsAddr *string, verbose *bool) {
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

	if fc.Bind != "" && !seen["bind"] {
		*bind = fc.Bind
	}
	if fc.Addr != "" && !seen["addr"] {
		*addr = fc.Addr
	}
	if fc.File != "" && !seen["f"] {
		*file = fc.File
	}
	if fc.PacketSize != 0 && !seen["packet"] {
		*packetSize = fc.PacketSize
	}
	if fc.WindowSize != 0 && !seen["window"] {
		*windowSize = fc.WindowSize
	}
	if fc.ChecksumSize != 0 && !seen["checksum"] {
		*checksumSize = fc.ChecksumSize
	}
	if fc.Timeout != 0 && !seen["timeout"] {
		*timeoutSec = fc.Timeout
	}
	if fc.Repetition != 0 && !seen["repetition"] {
		*repetition = fc.Repetition
	}
	if fc.MetricsAddr != "" && !seen["metrics-addr"] {
		*metricsAddr = fc.MetricsAddr
	}
	if fc.Verbose && !seen["v"] {
		*verbose = true
	}
}

func printBanner(file string, peer *net.UDPAddr, cfg sender.Config) {
	fmt.Printf("sending %s -> %s (packet=%d window=%d checksum=%d timeout=%s)\n",
		file, peer, cfg.ProposedPacketSize, cfg.ProposedWindowSize, cfg.ProposedChecksumSize, cfg.Timeout)
}
