package main

import (
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/migadu/balancer/config"
)

// cliOptions holds the command line. Values that were given override the
// configuration file, both at startup and on every reload.
type cliOptions struct {
	configPath  string
	pidFile     string
	algorithm   string
	poolSize    int
	metricsAddr string
	watch       bool
	showVersion bool

	port     int
	backends []config.BackendConfig
	set      map[string]bool
}

const usageText = `Usage: balancer [flags] <port> <host:port[:weight]>...

Flags may appear anywhere among the positional arguments.

Signals:
  SIGINT, SIGTERM  stop and print final statistics
  SIGUSR1          print statistics
  SIGHUP           reload the configuration file
  SIGUSR2          drain and exit (sent by a successor)

Flags:
`

func parseArgs(args []string, stderr io.Writer) (*cliOptions, error) {
	o := &cliOptions{set: make(map[string]bool)}

	fs := flag.NewFlagSet("balancer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "Path to configuration file (.toml, .yaml, .json)")
	fs.StringVar(&o.algorithm, "a", "", "Load balancing algorithm: rr, wrr, lc, iphash")
	fs.IntVar(&o.poolSize, "p", 0, "Backend connection pool size (0 disables pooling)")
	fs.StringVar(&o.pidFile, "pid-file", "", "Optional PID marker; a reload without one hands off to the spawning process")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve metrics and stats API on this address")
	fs.BoolVar(&o.watch, "watch", false, "Reload automatically when the configuration file changes")
	fs.BoolVar(&o.showVersion, "version", false, "Show version information and exit")
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}

	var positional []string
	rest := args
	for {
		if err := fs.Parse(rest); err != nil {
			return nil, err
		}
		rest = fs.Args()
		if len(rest) == 0 {
			break
		}
		positional = append(positional, rest[0])
		rest = rest[1:]
	}
	fs.Visit(func(f *flag.Flag) { o.set[f.Name] = true })

	if o.set["a"] {
		alg, err := config.NormalizeAlgorithm(o.algorithm)
		if err != nil {
			return nil, err
		}
		o.algorithm = alg
	}
	if o.poolSize < 0 {
		return nil, fmt.Errorf("pool size must not be negative: %d", o.poolSize)
	}

	if len(positional) > 0 {
		port, err := strconv.Atoi(positional[0])
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid listen port %q", positional[0])
		}
		o.port = port
		for _, spec := range positional[1:] {
			b, err := config.ParseBackend(spec)
			if err != nil {
				return nil, err
			}
			o.backends = append(o.backends, b)
		}
	}

	if o.configPath == "" && !o.showVersion {
		if o.port == 0 {
			return nil, fmt.Errorf("listen port is required without -config")
		}
		if len(o.backends) == 0 {
			return nil, fmt.Errorf("at least one backend is required without -config")
		}
	}
	return o, nil
}

// apply writes the explicitly given values onto cfg.
func (o *cliOptions) apply(cfg *config.Config) {
	if o.port > 0 {
		cfg.ListenPort = o.port
	}
	if len(o.backends) > 0 {
		cfg.Backends = append([]config.BackendConfig(nil), o.backends...)
	}
	if o.set["a"] {
		cfg.Algorithm = o.algorithm
	}
	if o.set["p"] {
		cfg.Pool.Enabled = o.poolSize > 0
		if o.poolSize > 0 {
			cfg.Pool.MaxSize = o.poolSize
		}
	}
	if o.pidFile != "" {
		cfg.PIDFile = o.pidFile
	}
	if o.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Addr = o.metricsAddr
	}
}

// loadConfig builds the effective configuration: defaults, then the file if
// one was given, then the command line.
func (o *cliOptions) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadAndValidate(o.configPath, o.apply)
	}
	cfg := config.NewDefaultConfig()
	o.apply(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
