// Package config provides configuration parsing and validation for the
// relay daemon.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"

	"github.com/stratovm/udp-relay/internal/egress"
	"github.com/stratovm/udp-relay/internal/relay"
	"github.com/stratovm/udp-relay/internal/rtc"
)

// ByteSize is a byte count that accepts human-readable YAML values like
// "64KiB" or plain integers.
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		var n int64
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("invalid byte size %q", node.Value)
		}
		*b = ByteSize(n)
		return nil
	}
	v, err := humanize.ParseBytes(raw)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", raw, err)
	}
	*b = ByteSize(v)
	return nil
}

func (b ByteSize) Int() int { return int(b) }

// Config is the complete daemon configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Relay     RelayConfig     `yaml:"relay"`
	Limits    LimitsConfig    `yaml:"limits"`
	Policy    PolicyConfig    `yaml:"policy"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Signaling SignalingConfig `yaml:"signaling"`
}

type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	MetricsAddr       string        `yaml:"metrics_addr"` // empty disables the metrics listener
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type AuthConfig struct {
	Mode       string `yaml:"mode"`        // none, token
	Secret     string `yaml:"secret"`      // HS256 shared secret
	SecretFile string `yaml:"secret_file"` // alternative to inlining the secret
}

type RelayConfig struct {
	MaxBindingsPerSession   int           `yaml:"max_bindings_per_session"`
	BindingIdleTimeout      time.Duration `yaml:"binding_idle_timeout"`
	ReadBuffer              ByteSize      `yaml:"read_buffer"`
	SendQueueFrames         int           `yaml:"send_queue_frames"`
	MaxPayload              ByteSize      `yaml:"max_payload"`
	MaxRemotesPerBinding    int           `yaml:"max_remotes_per_binding"`
	AllowUnsolicitedInbound bool          `yaml:"allow_unsolicited_inbound"`
	PreferV2                bool          `yaml:"prefer_v2"`
}

type LimitsConfig struct {
	MaxSessions                  int           `yaml:"max_sessions"`
	UDPPacketsPerSecond          int           `yaml:"udp_packets_per_second"`
	UDPBytesPerSecond            ByteSize      `yaml:"udp_bytes_per_second"`
	ClientBytesPerSecond         ByteSize      `yaml:"client_bytes_per_second"`
	PacketsPerSecondPerDest      int           `yaml:"udp_packets_per_second_per_destination"`
	MaxUniqueDestinations        int           `yaml:"max_unique_destinations"`
	MaxDestinationBuckets        int           `yaml:"max_destination_buckets"`
	HardCloseAfterViolations     int           `yaml:"hard_close_after_violations"`
	ViolationWindow              time.Duration `yaml:"violation_window"`
}

type PolicyConfig struct {
	Preset               string   `yaml:"preset"` // production, dev
	AllowPrivateNetworks bool     `yaml:"allow_private_networks"`
	AllowNetworks        []string `yaml:"allow_networks"`
	DenyNetworks         []string `yaml:"deny_networks"`
	AllowPorts           []string `yaml:"allow_ports"`
	DenyPorts            []string `yaml:"deny_ports"`
}

type WebRTCConfig struct {
	UDPPortMin           uint16      `yaml:"udp_port_min"`
	UDPPortMax           uint16      `yaml:"udp_port_max"`
	NAT1To1IPs           []string    `yaml:"nat_1to1_ips"`
	NAT1To1CandidateType string      `yaml:"nat_1to1_candidate_type"`
	ListenIP             string      `yaml:"listen_ip"`
	SCTPReceiveBuffer    ByteSize    `yaml:"sctp_receive_buffer"`
	ICEServers           []ICEServer `yaml:"ice_servers"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type SignalingConfig struct {
	AuthTimeout       time.Duration `yaml:"auth_timeout"`
	MaxMessageBytes   ByteSize      `yaml:"max_message_bytes"`
	MessagesPerSecond int           `yaml:"messages_per_second"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:        "127.0.0.1:8080",
			MetricsAddr:       "",
			ShutdownTimeout:   10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Auth: AuthConfig{
			Mode: "none",
		},
		Relay: RelayConfig{
			MaxBindingsPerSession:   128,
			BindingIdleTimeout:      60 * time.Second,
			ReadBuffer:              64 * 1024,
			SendQueueFrames:         512,
			MaxPayload:              1200,
			MaxRemotesPerBinding:    64,
			AllowUnsolicitedInbound: false,
			PreferV2:                true,
		},
		Limits: LimitsConfig{
			MaxSessions:              256,
			UDPPacketsPerSecond:      5000,
			UDPBytesPerSecond:        10 * 1024 * 1024,
			ClientBytesPerSecond:     10 * 1024 * 1024,
			PacketsPerSecondPerDest:  2000,
			MaxUniqueDestinations:    256,
			HardCloseAfterViolations: 0,
			ViolationWindow:          10 * time.Second,
		},
		Policy: PolicyConfig{
			Preset: "production",
		},
		Signaling: SignalingConfig{
			AuthTimeout:       10 * time.Second,
			MaxMessageBytes:   64 * 1024,
			MessagesPerSecond: 10,
		},
	}
}

// Load reads, parses and validates a configuration file. An empty path
// yields the validated defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes on top of the defaults.
// ${VAR} references are expanded from the environment before parsing, so
// secrets can stay out of the file.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.ListenAddr == "" {
		errs = append(errs, "server.listen_addr is required")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.level %q (must be debug, info, warn, or error)", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("invalid log.format %q (must be text or json)", c.Log.Format))
	}

	switch c.Auth.Mode {
	case "none":
	case "token":
		if c.Auth.Secret == "" && c.Auth.SecretFile == "" {
			errs = append(errs, "auth.secret or auth.secret_file is required when auth.mode is token")
		}
		if c.Auth.Secret != "" && c.Auth.SecretFile != "" {
			errs = append(errs, "auth.secret and auth.secret_file are mutually exclusive")
		}
	default:
		errs = append(errs, fmt.Sprintf("invalid auth.mode %q (must be none or token)", c.Auth.Mode))
	}

	if c.Relay.MaxPayload <= 0 {
		errs = append(errs, "relay.max_payload must be positive")
	}
	if c.Relay.ReadBuffer > 0 && c.Relay.ReadBuffer <= c.Relay.MaxPayload {
		errs = append(errs, "relay.read_buffer must exceed relay.max_payload so oversized datagrams are detectable")
	}
	if c.Relay.BindingIdleTimeout <= 0 {
		errs = append(errs, "relay.binding_idle_timeout must be positive")
	}

	switch c.Policy.Preset {
	case "production", "dev":
	default:
		errs = append(errs, fmt.Sprintf("invalid policy.preset %q (must be production or dev)", c.Policy.Preset))
	}
	if _, err := egress.ParsePrefixList(strings.Join(c.Policy.AllowNetworks, ",")); err != nil {
		errs = append(errs, fmt.Sprintf("policy.allow_networks: %v", err))
	}
	if _, err := egress.ParsePrefixList(strings.Join(c.Policy.DenyNetworks, ",")); err != nil {
		errs = append(errs, fmt.Sprintf("policy.deny_networks: %v", err))
	}
	if _, err := egress.ParsePortRangeList(strings.Join(c.Policy.AllowPorts, ",")); err != nil {
		errs = append(errs, fmt.Sprintf("policy.allow_ports: %v", err))
	}
	if _, err := egress.ParsePortRangeList(strings.Join(c.Policy.DenyPorts, ",")); err != nil {
		errs = append(errs, fmt.Sprintf("policy.deny_ports: %v", err))
	}

	if c.WebRTC.UDPPortMin > c.WebRTC.UDPPortMax {
		errs = append(errs, "webrtc.udp_port_min must not exceed webrtc.udp_port_max")
	}
	if c.WebRTC.ListenIP != "" {
		if _, err := netip.ParseAddr(c.WebRTC.ListenIP); err != nil {
			errs = append(errs, fmt.Sprintf("webrtc.listen_ip: %v", err))
		}
	}
	switch c.WebRTC.NAT1To1CandidateType {
	case "", "host", "srflx":
	default:
		errs = append(errs, fmt.Sprintf("invalid webrtc.nat_1to1_candidate_type %q (must be host or srflx)", c.WebRTC.NAT1To1CandidateType))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// AuthSecret resolves the token secret, reading auth.secret_file if set.
func (c *Config) AuthSecret() ([]byte, error) {
	if c.Auth.Mode != "token" {
		return nil, nil
	}
	if c.Auth.SecretFile != "" {
		data, err := os.ReadFile(c.Auth.SecretFile)
		if err != nil {
			return nil, fmt.Errorf("read auth.secret_file: %w", err)
		}
		return []byte(strings.TrimSpace(string(data))), nil
	}
	return []byte(c.Auth.Secret), nil
}

// EgressPolicy builds the destination policy from the policy section.
func (c *Config) EgressPolicy() (*egress.Policy, error) {
	var p *egress.Policy
	switch c.Policy.Preset {
	case "dev":
		p = egress.Dev()
	default:
		p = egress.Production()
	}
	if c.Policy.AllowPrivateNetworks {
		p.AllowPrivateNetworks = true
	}

	var err error
	if p.AllowNets, err = egress.ParsePrefixList(strings.Join(c.Policy.AllowNetworks, ",")); err != nil {
		return nil, err
	}
	if p.DenyNets, err = egress.ParsePrefixList(strings.Join(c.Policy.DenyNetworks, ",")); err != nil {
		return nil, err
	}
	if p.AllowPorts, err = egress.ParsePortRangeList(strings.Join(c.Policy.AllowPorts, ",")); err != nil {
		return nil, err
	}
	if p.DenyPorts, err = egress.ParsePortRangeList(strings.Join(c.Policy.DenyPorts, ",")); err != nil {
		return nil, err
	}
	return p, nil
}

// RelaySettings builds the per-session relay configuration.
func (c *Config) RelaySettings() relay.Config {
	return relay.Config{
		MaxBindings:             c.Relay.MaxBindingsPerSession,
		BindingIdleTimeout:      c.Relay.BindingIdleTimeout,
		ReadBufferBytes:         c.Relay.ReadBuffer.Int(),
		SendQueueFrames:         c.Relay.SendQueueFrames,
		MaxPayloadBytes:         c.Relay.MaxPayload.Int(),
		MaxRemotesPerBinding:    c.Relay.MaxRemotesPerBinding,
		AllowUnsolicitedInbound: c.Relay.AllowUnsolicitedInbound,
		PreferV2:                c.Relay.PreferV2,
	}
}

// SessionSettings builds the session manager configuration.
func (c *Config) SessionSettings() relay.SessionConfig {
	return relay.SessionConfig{
		MaxSessions: c.Limits.MaxSessions,
		Limits: relay.SessionLimits{
			UDPPacketsPerSecond:               c.Limits.UDPPacketsPerSecond,
			UDPBytesPerSecond:                 int(c.Limits.UDPBytesPerSecond),
			ClientBytesPerSecond:              int(c.Limits.ClientBytesPerSecond),
			UDPPacketsPerSecondPerDestination: c.Limits.PacketsPerSecondPerDest,
			MaxUniqueDestinations:             c.Limits.MaxUniqueDestinations,
			MaxDestinationBuckets:             c.Limits.MaxDestinationBuckets,
		},
		HardCloseAfterViolations: c.Limits.HardCloseAfterViolations,
		ViolationWindow:          c.Limits.ViolationWindow,
	}
}

// NetworkSettings builds the WebRTC network configuration.
func (c *Config) NetworkSettings() (rtc.NetworkConfig, error) {
	nc := rtc.NetworkConfig{
		UDPPortMin:             c.WebRTC.UDPPortMin,
		UDPPortMax:             c.WebRTC.UDPPortMax,
		NAT1To1IPs:             c.WebRTC.NAT1To1IPs,
		NAT1To1CandidateType:   c.WebRTC.NAT1To1CandidateType,
		SCTPReceiveBufferBytes: uint32(c.WebRTC.SCTPReceiveBuffer),
	}
	if c.WebRTC.ListenIP != "" {
		addr, err := netip.ParseAddr(c.WebRTC.ListenIP)
		if err != nil {
			return rtc.NetworkConfig{}, fmt.Errorf("webrtc.listen_ip: %w", err)
		}
		nc.ListenIP = addr
	}
	for _, s := range c.WebRTC.ICEServers {
		nc.ICEServers = append(nc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return nc, nil
}
