package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"netprobe/internal/models"
	"netprobe/internal/parser"
)

// Config holds all configuration settings for the application.
type Config struct {
	Target         string
	PortSpec       string
	ScanType       models.ScanType
	Timeout        time.Duration
	ResolveTimeout time.Duration
	Concurrency    int
	Rate           float64
	Banner         bool
	Ping           bool
	NoResponse     models.PortStatus
	ShowClosed     bool

	OutputFile     string
	Format         string
	StreamFile     string
	ResumeFile     string
	CheckpointFile string

	ListenAddr       string
	MaxPorts         int
	APIRatePerMinute int

	DatabaseURL   string
	PubSubProject string
	PubSubTopic   string

	LogLevel string
	LogFile  string
}

// defaultAPIMaxPorts limits API scans when neither --max-ports nor
// MAX_PORTS_PER_SCAN is given.
const defaultAPIMaxPorts = 1000

// Serve reports whether the HTTP API should run instead of a single scan.
func (c *Config) Serve() bool { return c.ListenAddr != "" }

// ScanConfig converts the CLI settings into an engine scan request.
func (c *Config) ScanConfig() models.ScanConfig {
	return models.ScanConfig{
		Target:           c.Target,
		PortSpec:         c.PortSpec,
		ScanType:         c.ScanType,
		TimeoutMs:        int(c.Timeout / time.Millisecond),
		Concurrency:      c.Concurrency,
		ResolveTimeoutMs: int(c.ResolveTimeout / time.Millisecond),
		RatePerSecond:    c.Rate,
		GrabBanner:       c.Banner,
		Ping:             c.Ping,
		NoResponse:       c.NoResponse,
	}
}

// Load parses command-line flags and returns a populated Config struct.
// Deployment settings default from the environment.
func Load() (*Config, error) {
	target := flag.String("target", "", "Host to scan: IPv4, IPv6 or hostname.")
	portInput := flag.String("port", "", "Ports and ranges (22,80,8000-8100), or @file with a TXT/CSV port list.")
	scanType := flag.String("scantype", "tcp", "Scan type: tcp, syn, udp, fin or xmas.")
	timeoutMs := flag.Int("timeout", getEnvInt("DEFAULT_TIMEOUT_MS", 1000), "Per-probe timeout in milliseconds.")
	resolveTimeoutMs := flag.Int("resolve-timeout", models.DefaultResolveTimeoutMs, "DNS resolution budget in milliseconds.")
	concurrency := flag.Int("concurrency", models.DefaultConcurrency, "Maximum probes in flight.")
	rate := flag.Float64("rate", 0, "Probes per second, 0 for unlimited.")
	banner := flag.Bool("banner", false, "Grab banners from open TCP ports for version detection.")
	ping := flag.Bool("ping", false, "Ping the target before scanning (informational).")
	ambiguous := flag.String("ambiguous", "filtered", "Status for FIN/XMAS/UDP probes that get no reply: filtered or open.")
	showClosed := flag.Bool("show-closed", false, "Include closed ports in the console table.")
	outputFile := flag.String("output", "", "Write the finished scan to this file.")
	format := flag.String("format", "json", "Export format for --output: json or csv.")
	streamFile := flag.String("stream", "", "Append each result to this CSV file as it completes.")
	resumeFile := flag.String("resume", "", "Resume scan from a checkpoint file.")
	checkpointFile := flag.String("checkpoint", "checkpoint.json", "Where to save unscanned ports on interrupt.")
	listenAddr := flag.String("serve", getEnv("LISTEN_ADDR", ""), "Run the HTTP API on this address instead of scanning.")
	maxPorts := flag.Int("max-ports", getEnvInt("MAX_PORTS_PER_SCAN", 0), "Reject scans with more ports than this, 0 for no limit.")
	apiRate := flag.Int("api-rate", getEnvInt("RATE_LIMIT_PER_MINUTE", 60), "Scan submissions per minute accepted by the API.")
	databaseURL := flag.String("database-url", getEnv("DATABASE_URL", ""), "Postgres URL for storing results.")
	pubsubProject := flag.String("pubsub-project", getEnv("PUBSUB_PROJECT_ID", ""), "Pub/Sub project for publishing results.")
	pubsubTopic := flag.String("pubsub-topic", getEnv("PUBSUB_TOPIC", ""), "Pub/Sub topic for publishing results.")
	logLevel := flag.String("loglevel", "INFO", "Log level: DEBUG, INFO, WARN or ERROR.")
	logFile := flag.String("logfile", "portRunner.log", "Log file path, empty for stdout only.")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "A concurrent TCP/UDP port scanner with service detection.")
		flag.PrintDefaults()
	}
	flag.Parse()

	cfg := &Config{
		Target:           strings.TrimSpace(*target),
		PortSpec:         strings.TrimSpace(*portInput),
		Timeout:          time.Duration(*timeoutMs) * time.Millisecond,
		ResolveTimeout:   time.Duration(*resolveTimeoutMs) * time.Millisecond,
		Concurrency:      *concurrency,
		Rate:             *rate,
		Banner:           *banner,
		Ping:             *ping,
		NoResponse:       models.PortStatus(strings.ToLower(strings.TrimSpace(*ambiguous))),
		ShowClosed:       *showClosed,
		OutputFile:       *outputFile,
		Format:           strings.ToLower(strings.TrimSpace(*format)),
		StreamFile:       *streamFile,
		ResumeFile:       *resumeFile,
		CheckpointFile:   *checkpointFile,
		ListenAddr:       *listenAddr,
		MaxPorts:         *maxPorts,
		APIRatePerMinute: *apiRate,
		DatabaseURL:      *databaseURL,
		PubSubProject:    *pubsubProject,
		PubSubTopic:      *pubsubTopic,
		LogLevel:         *logLevel,
		LogFile:          *logFile,
	}

	st, err := models.ParseScanType(*scanType)
	if err != nil {
		return nil, fmt.Errorf("--scantype must be one of tcp, syn, udp, fin, xmas")
	}
	cfg.ScanType = st

	if !cfg.Serve() && cfg.ResumeFile == "" && (cfg.Target == "" || cfg.PortSpec == "") {
		flag.Usage()
		return nil, fmt.Errorf("missing required arguments: --target and --port")
	}
	if *timeoutMs <= 0 || *timeoutMs > models.MaxTimeoutMs {
		return nil, fmt.Errorf("--timeout must be between 1 and %d milliseconds", models.MaxTimeoutMs)
	}
	if *resolveTimeoutMs <= 0 || *resolveTimeoutMs > models.MaxTimeoutMs {
		return nil, fmt.Errorf("--resolve-timeout must be between 1 and %d milliseconds", models.MaxTimeoutMs)
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("--concurrency must be a positive integer")
	}
	if cfg.Rate < 0 {
		return nil, fmt.Errorf("--rate must not be negative")
	}
	if cfg.NoResponse != models.StatusFiltered && cfg.NoResponse != models.StatusOpen {
		return nil, fmt.Errorf("--ambiguous must be either 'filtered' or 'open'")
	}
	if cfg.Format != "json" && cfg.Format != "csv" {
		return nil, fmt.Errorf("--format must be either 'json' or 'csv'")
	}
	if cfg.Serve() && !flagSet("max-ports") && os.Getenv("MAX_PORTS_PER_SCAN") == "" {
		cfg.MaxPorts = defaultAPIMaxPorts
	}
	if cfg.MaxPorts < 0 {
		return nil, fmt.Errorf("--max-ports must not be negative")
	}
	if cfg.APIRatePerMinute <= 0 {
		return nil, fmt.Errorf("--api-rate must be a positive integer")
	}
	if (cfg.PubSubProject == "") != (cfg.PubSubTopic == "") {
		return nil, fmt.Errorf("--pubsub-project and --pubsub-topic must be set together")
	}

	if spec, ok, err := portFileSpec(cfg.PortSpec); err != nil {
		return nil, fmt.Errorf("failed to read port file: %w", err)
	} else if ok {
		cfg.PortSpec = spec
	}

	return cfg, nil
}

// portFileSpec loads a port list when input names a file: either "@path"
// or a path ending in .txt or .csv.
func portFileSpec(input string) (string, bool, error) {
	path, isFile := strings.CutPrefix(input, "@")
	lower := strings.ToLower(input)
	if !isFile && !strings.HasSuffix(lower, ".txt") && !strings.HasSuffix(lower, ".csv") {
		return "", false, nil
	}
	spec, err := parser.LoadPortSpec(path)
	if err != nil {
		return "", false, err
	}
	return spec, true, nil
}

// flagSet reports whether name was given on the command line.
func flagSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil && n >= 0 {
			return n
		}
	}
	return fallback
}
