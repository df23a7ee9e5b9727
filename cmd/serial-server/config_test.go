package main

import (
	"testing"
	"time"
)

func validConfig() *appConfig {
	return &appConfig{
		listenAddr:    ":20000",
		driver:        "loopback",
		pollInterval:  100 * time.Millisecond,
		logFormat:     "text",
		logLevel:      "info",
		sessionBuffer: 8,
		sessionPolicy: "drop",
		handshakeTO:   time.Second,
		clientReadTO:  time.Second,
	}
}

func TestConfigValidate_OK(t *testing.T) {
	c := validConfig()
	if err := c.validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	c.autoconnect = `{"name":"loop0","speed":9600,"data_bits":8,"parity":"none","stop_bits":1,"flow_control":"none"}`
	if err := c.validate(); err != nil {
		t.Fatalf("json autoconnect: %v", err)
	}
	c.autoconnect = "/dev/ttyUSB0:115200"
	if err := c.validate(); err != nil {
		t.Fatalf("short autoconnect: %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badDriver", func(c *appConfig) { c.driver = "x" }},
		{"badPolicy", func(c *appConfig) { c.sessionPolicy = "x" }},
		{"badSessionBuf", func(c *appConfig) { c.sessionBuffer = 0 }},
		{"badPoll", func(c *appConfig) { c.pollInterval = 0 }},
		{"badBackoff", func(c *appConfig) { c.writeBackoff = -time.Millisecond }},
		{"badHandshakeTO", func(c *appConfig) { c.handshakeTO = 0 }},
		{"badClientReadTO", func(c *appConfig) { c.clientReadTO = 0 }},
		{"badMaxClients", func(c *appConfig) { c.maxClients = -1 }},
		{"badAutoconnect", func(c *appConfig) { c.autoconnect = "/dev/ttyUSB0:0" }},
	}
	for _, tc := range tests {
		base := validConfig()
		tc.mod(base)
		if err := base.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	var nilCfg *appConfig
	if err := nilCfg.validate(); err == nil {
		t.Fatal("nil config accepted")
	}
}

func TestListenPort(t *testing.T) {
	cases := map[string]int{"[::]:20000": 20000, "127.0.0.1:31": 31, "nonsense": 0, ":x": 0}
	for in, want := range cases {
		if got := listenPort(in); got != want {
			t.Fatalf("listenPort(%q) = %d want %d", in, got, want)
		}
	}
}

func TestMDNSMeta(t *testing.T) {
	c := validConfig()
	c.mdnsName = "bench"
	if got := mdnsInstance(c); got != "bench" {
		t.Fatalf("instance %q", got)
	}
	meta := mdnsMeta(c)
	if len(meta) == 0 || meta[0] != "driver=loopback" {
		t.Fatalf("meta %v", meta)
	}
}
