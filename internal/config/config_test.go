package config

import (
	"net/netip"
	"os"
	"strings"
	"testing"
	"time"
)

func TestParseDefaultsAndOverrides(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  listen_addr: "0.0.0.0:9000"
relay:
  binding_idle_timeout: 30s
  read_buffer: 128KiB
  max_payload: 1400
limits:
  udp_packets_per_second: 100
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if cfg.Server.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("listen_addr = %q", cfg.Server.ListenAddr)
	}
	if cfg.Relay.BindingIdleTimeout != 30*time.Second {
		t.Errorf("binding_idle_timeout = %v", cfg.Relay.BindingIdleTimeout)
	}
	if cfg.Relay.ReadBuffer != 128*1024 {
		t.Errorf("read_buffer = %d", cfg.Relay.ReadBuffer)
	}
	if cfg.Relay.MaxPayload != 1400 {
		t.Errorf("max_payload = %d", cfg.Relay.MaxPayload)
	}
	if cfg.Limits.UDPPacketsPerSecond != 100 {
		t.Errorf("udp_packets_per_second = %d", cfg.Limits.UDPPacketsPerSecond)
	}
	// Untouched sections keep their defaults.
	if cfg.Log.Level != "info" || cfg.Policy.Preset != "production" {
		t.Errorf("defaults disturbed: log=%q preset=%q", cfg.Log.Level, cfg.Policy.Preset)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("server:\n  listen_adr: \":80\"\n"))
	if err == nil {
		t.Fatal("typo in field name accepted")
	}
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "hunter2")
	cfg, err := Parse([]byte(`
auth:
  mode: token
  secret: ${RELAY_TEST_SECRET}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Auth.Secret != "hunter2" {
		t.Fatalf("secret = %q", cfg.Auth.Secret)
	}

	cfg, err = Parse([]byte("server:\n  listen_addr: \"${RELAY_TEST_MISSING:-127.0.0.1:1234}\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.ListenAddr != "127.0.0.1:1234" {
		t.Fatalf("listen_addr = %q, want fallback", cfg.Server.ListenAddr)
	}
}

func TestValidateErrors(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantSub string
	}{
		{"bad_log_level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"bad_log_format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"token_without_secret", func(c *Config) { c.Auth.Mode = "token" }, "auth.secret"},
		{"bad_auth_mode", func(c *Config) { c.Auth.Mode = "mtls" }, "auth.mode"},
		{"read_buffer_too_small", func(c *Config) { c.Relay.ReadBuffer = 100; c.Relay.MaxPayload = 1200 }, "read_buffer"},
		{"bad_preset", func(c *Config) { c.Policy.Preset = "open" }, "policy.preset"},
		{"bad_cidr", func(c *Config) { c.Policy.AllowNetworks = []string{"10.0.0.0/99"} }, "allow_networks"},
		{"bad_port", func(c *Config) { c.Policy.DenyPorts = []string{"0"} }, "deny_ports"},
		{"bad_port_range", func(c *Config) { c.WebRTC.UDPPortMin = 2000; c.WebRTC.UDPPortMax = 1000 }, "udp_port_min"},
		{"bad_listen_ip", func(c *Config) { c.WebRTC.ListenIP = "localhost" }, "listen_ip"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %v, want mention of %s", err, tc.wantSub)
			}
		})
	}
}

func TestEgressPolicyFromConfig(t *testing.T) {
	cfg := Default()
	cfg.Policy.AllowNetworks = []string{"203.0.113.0/24"}
	cfg.Policy.DenyPorts = []string{"53", "1000-2000"}

	p, err := cfg.EgressPolicy()
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	if p.DefaultAllow {
		t.Fatal("production preset must default-deny")
	}
	if err := p.AllowUDP(netip.MustParseAddr("203.0.113.7"), 9000); err != nil {
		t.Fatalf("allowlisted network denied: %v", err)
	}
	if err := p.AllowUDP(netip.MustParseAddr("203.0.113.7"), 53); err == nil {
		t.Fatal("denied port allowed")
	}
	if err := p.AllowUDP(netip.MustParseAddr("198.51.100.1"), 9000); err == nil {
		t.Fatal("non-allowlisted network allowed under production preset")
	}

	cfg = Default()
	cfg.Policy.Preset = "dev"
	p, err = cfg.EgressPolicy()
	if err != nil {
		t.Fatalf("dev policy: %v", err)
	}
	if err := p.AllowUDP(netip.MustParseAddr("8.8.8.8"), 53); err != nil {
		t.Fatalf("dev preset denied public endpoint: %v", err)
	}
}

func TestSettingsBuilders(t *testing.T) {
	cfg := Default()
	cfg.Relay.MaxBindingsPerSession = 7
	cfg.Limits.MaxSessions = 3
	cfg.WebRTC.ListenIP = "192.0.2.10"
	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}

	rc := cfg.RelaySettings()
	if rc.MaxBindings != 7 || rc.MaxPayloadBytes != 1200 {
		t.Fatalf("relay settings = %+v", rc)
	}

	sc := cfg.SessionSettings()
	if sc.MaxSessions != 3 || sc.Limits.UDPPacketsPerSecond != cfg.Limits.UDPPacketsPerSecond {
		t.Fatalf("session settings = %+v", sc)
	}

	nc, err := cfg.NetworkSettings()
	if err != nil {
		t.Fatalf("network settings: %v", err)
	}
	if nc.ListenIP != netip.MustParseAddr("192.0.2.10") || len(nc.ICEServers) != 1 {
		t.Fatalf("network settings = %+v", nc)
	}
}

func TestAuthSecretFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/secret"
	if err := os.WriteFile(path, []byte("  s3cr3t\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg := Default()
	cfg.Auth.Mode = "token"
	cfg.Auth.SecretFile = path

	secret, err := cfg.AuthSecret()
	if err != nil {
		t.Fatalf("secret: %v", err)
	}
	if string(secret) != "s3cr3t" {
		t.Fatalf("secret = %q", secret)
	}

	cfg.Auth.Mode = "none"
	if secret, _ := cfg.AuthSecret(); secret != nil {
		t.Fatalf("secret = %q with auth disabled", secret)
	}
}
