package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-serialmgr/internal/logging"
	"github.com/kstaniek/go-serialmgr/internal/manager"
	"github.com/kstaniek/go-serialmgr/internal/port"
	"github.com/kstaniek/go-serialmgr/internal/serial"
)

type appConfig struct {
	listenAddr      string
	driver          string
	pollInterval    time.Duration
	writeBackoff    time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	sessionBuffer   int
	sessionPolicy   string
	mdnsEnable      bool
	mdnsName        string
	autoconnect     string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	listen := flag.String("listen", ":20000", "TCP listen address for the control protocol")
	driver := flag.String("driver", "bugst", "Serial driver: "+strings.Join(serial.DriverNames(), "|"))
	pollInterval := flag.Duration("poll-interval", manager.DefaultPollInterval, "Sleep between empty polls while a read waits for data")
	writeBackoff := flag.Duration("write-backoff", 0, "Delay between write retries")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 5*time.Minute, "Idle time after which a silent client is dropped")
	sessionBuffer := flag.Int("session-buffer", 64, "Per-client event queue length")
	sessionPolicy := flag.String("session-policy", "drop", "Slow client policy: drop|kick")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default serial-server-<hostname>)")
	autoconnect := flag.String("autoconnect", "", "Connect at startup: descriptor JSON or name[:baud]")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.listenAddr = *listen
	cfg.driver = *driver
	cfg.pollInterval = *pollInterval
	cfg.writeBackoff = *writeBackoff
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.sessionBuffer = *sessionBuffer
	cfg.sessionPolicy = *sessionPolicy
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.autoconnect = *autoconnect

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges only; it opens no devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if !slices.Contains(serial.DriverNames(), c.driver) {
		return fmt.Errorf("invalid driver: %s", c.driver)
	}
	switch c.sessionPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid session-policy: %s", c.sessionPolicy)
	}
	if c.sessionBuffer <= 0 {
		return fmt.Errorf("session-buffer must be > 0 (got %d)", c.sessionBuffer)
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.writeBackoff < 0 {
		return fmt.Errorf("write-backoff must be >= 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.autoconnect != "" {
		if _, err := port.ParseAddress(c.autoconnect); err != nil {
			return fmt.Errorf("invalid autoconnect: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides maps SERIAL_SERVER_* environment variables to config
// fields unless the corresponding flag was set explicitly. Empty values are
// ignored. Durations use time.ParseDuration syntax.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	str := func(flagName, env string, dst *string) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			*dst = v
		}
	}
	num := func(flagName, env string, dst *int, minVal int) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= minVal {
				*dst = n
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", env, v)
			}
		}
	}
	dur := func(flagName, env string, dst *time.Duration) {
		if _, ok := set[flagName]; ok {
			return
		}
		if v, ok := get(env); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				*dst = d
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid %s: %q", env, v)
			}
		}
	}

	str("listen", "SERIAL_SERVER_LISTEN", &c.listenAddr)
	str("driver", "SERIAL_SERVER_DRIVER", &c.driver)
	dur("poll-interval", "SERIAL_SERVER_POLL_INTERVAL", &c.pollInterval)
	dur("write-backoff", "SERIAL_SERVER_WRITE_BACKOFF", &c.writeBackoff)
	str("log-format", "SERIAL_SERVER_LOG_FORMAT", &c.logFormat)
	str("log-level", "SERIAL_SERVER_LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("SERIAL_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	dur("log-metrics-interval", "SERIAL_SERVER_LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	num("max-clients", "SERIAL_SERVER_MAX_CLIENTS", &c.maxClients, 0)
	dur("handshake-timeout", "SERIAL_SERVER_HANDSHAKE_TIMEOUT", &c.handshakeTO)
	dur("client-read-timeout", "SERIAL_SERVER_CLIENT_READ_TIMEOUT", &c.clientReadTO)
	num("session-buffer", "SERIAL_SERVER_SESSION_BUFFER", &c.sessionBuffer, 1)
	str("session-policy", "SERIAL_SERVER_SESSION_POLICY", &c.sessionPolicy)
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("SERIAL_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	str("mdns-name", "SERIAL_SERVER_MDNS_NAME", &c.mdnsName)
	str("autoconnect", "SERIAL_SERVER_AUTOCONNECT", &c.autoconnect)
	return firstErr
}
