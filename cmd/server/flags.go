package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/arbiterml/modelplane/internal/config"
)

// Flags holds command line overrides. Only flags the operator actually set
// are layered over the file and environment configuration.
type Flags struct {
	Port           int
	Host           string
	ConfigFile     string
	LogLevel       string
	LogFormat      string
	MetricsPort    int
	StorageBackend string
	ScorerEndpoint string
	Version        bool
}

func ParseFlags() *Flags {
	flags := &Flags{}

	flag.IntVar(&flags.Port, "port", 8080, "Server port")
	flag.StringVar(&flags.Host, "host", "0.0.0.0", "Server host")
	flag.StringVar(&flags.ConfigFile, "config", "", "Path to configuration file")
	flag.StringVar(&flags.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&flags.LogFormat, "log-format", "json", "Log format (json, text)")
	flag.IntVar(&flags.MetricsPort, "metrics-port", 9090, "Prometheus metrics port")
	flag.StringVar(&flags.StorageBackend, "storage", "", "Storage backend (memory, redis, postgres)")
	flag.StringVar(&flags.ScorerEndpoint, "scorer-endpoint", "", "Serving layer scoring endpoint for shadow traffic")
	flag.BoolVar(&flags.Version, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\nTenant-aware ModelOps control plane\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flags.Version {
		fmt.Println(versionString())
		os.Exit(0)
	}

	return flags
}

// Apply layers explicitly set flags over the loaded configuration.
func (f *Flags) Apply(cfg *config.Config) {
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "port":
			cfg.Server.Port = f.Port
		case "host":
			cfg.Server.Host = f.Host
		case "log-level":
			cfg.Logging.Level = f.LogLevel
		case "log-format":
			cfg.Logging.Format = f.LogFormat
		case "metrics-port":
			cfg.Server.MetricsPort = f.MetricsPort
		case "storage":
			cfg.Storage.Backend = f.StorageBackend
		case "scorer-endpoint":
			cfg.Shadow.ScorerEndpoint = f.ScorerEndpoint
		}
	})
}
