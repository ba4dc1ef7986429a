// Command receiver accepts one file transfer over the reliable UDP protocol
// implemented in internal/receiver and writes it into a directory.
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
	"github.com/mrcgq/udpxfer/internal/receiver"
	"github.com/mrcgq/udpxfer/internal/xudp"
)

type fileConfig struct {
	Bind         string  `yaml:"bind"`
	OutputDir    string  `yaml:"output_dir"`
	PacketSize   int     `yaml:"packet_size"`
	WindowSize   int     `yaml:"window_size"`
	ChecksumSize int     `yaml:"checksum_size"`
	Timeout      float64 `yaml:"timeout_seconds"`
	Repetition   int     `yaml:"repetition"`
	MetricsAddr  string  `yaml:"metrics_addr"`
	Verbose      bool    `yaml:"verbose"`
}

func main() {
	bind := flag.String("bind", "0.0.0.0:9000", "local address to listen on")
	outputDir := flag.String("d", ".", "directory to write the received file into")
	packetSize := flag.Int("packet", 1400, "maximum packet size this receiver will accept")
	windowSize := flag.Int("window", 32, "maximum sliding window size this receiver will accept")
	checksumSize := flag.Int("checksum", 8, "minimum checksum size this receiver will accept (0-64)")
	timeoutSec := flag.Float64("timeout", 5.0, "idle timeout waiting for the next packet, in seconds")
	repetition := flag.Int("repetition", 5, "timeout multiplier while waiting for a connection or data")
	configPath := flag.String("config", "", "optional YAML file supplying values for flags not set on the command line")
	metricsAddr := flag.String("metrics-addr", "", "if set, expose Prometheus metrics on this address")
	verbose := flag.Bool("v", false, "verbose per-packet logging")
	flag.Parse()

	if *configPath != "" {
		applyFileConfig(*configPath, bind, outputDir, packetSize, windowSize, checksumSize, timeoutSec, repetition, metricsAddr, verbose)
	}

	bindAddr, err := net.ResolveUDPAddr("udp", *bind)
	if err != nil {
		log.Fatalf("resolve bind address: %v", err)
	}
	if err := os.MkdirAll(*outputDir, 0o755); err != nil {
		log.Fatalf("create output directory: %v", err)
	}

	cfg := receiver.Config{
		BindAddr:        bindAddr,
		MaxPacketSize:   uint16(*packetSize),
		MaxWindowSize:   uint16(*windowSize),
		MinChecksumSize: uint16(*checksumSize),
		Timeout:         time.Duration(*timeoutSec * float64(time.Second)),
		MaxRetries:      *repetition,
		OutputDir:       *outputDir,
		Verbose:         *verbose,
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	sock, err := xudp.Bind(bindAddr)
	if err != nil {
		log.Fatalf("bind: %v", err)
	}
	defer sock.Close()

	logOut := io.Writer(io.Discard)
	if *verbose {
		logOut = os.Stderr
	}
	logger := log.New(logOut, "receiver: ", log.LstdFlags)

	var xferMetrics *metrics.Transfer
	if *metricsAddr != "" {
		srv := metrics.NewServer(*metricsAddr)
		xferMetrics = metrics.NewTransfer(srv.Registry(), "receiver")
		srv.Start()
		defer srv.Stop()
	}

	storage := receiver.NewFileStorage(*outputDir)
	r := receiver.New(cfg, sock, storage, logger, xferMetrics)

	fmt.Printf("listening on %s, writing into %s\n", bindAddr, *outputDir)
	if err := r.Run(); err != nil {
		log.Fatalf("transfer failed: %v", err)
	}
	fmt.Println("transfer complete")
}

func applyFileConfig(path string, bind, outputDir *string, packetSize, windowSize, checksumSize *int, timeoutSec *float64, repetition *int, metricsAddr *string, verbose *bool) {
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
	if fc.OutputDir != "" && !seen["d"] {
		*outputDir = fc.OutputDir
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
