package voicechat

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/bt-bridge/voicechat/shared"
	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultOfferAttempts    = 3
	DefaultOfferDelay       = time.Second
	DefaultDataChannelLabel = "text"
)

// Metadata is the LLM context posted to the server before negotiation.
type Metadata struct {
	UserID    string `yaml:"user_id" json:"user_id"`
	SessionID string `yaml:"session_id" json:"session_id"`
	SectionID string `yaml:"section_id" json:"section_id"`
	PersonaID string `yaml:"persona_id,omitempty" json:"persona_id,omitempty"`
	IsDaily   bool   `yaml:"is_daily" json:"is_daily"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// VisualizerMounts names the mount points visualizers attach to. Empty
// means no visualizer.
type VisualizerMounts struct {
	Input  string `yaml:"input,omitempty"`
	Output string `yaml:"output,omitempty"`
}

type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

type LogConfig struct {
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

type TranscriptConfig struct {
	Path string `yaml:"path,omitempty"`
}

type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// TelemetryConfig enables the Prometheus exporter when MetricsAddr is set.
type TelemetryConfig struct {
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	ServiceName string `yaml:"service_name,omitempty"`
}

type Config struct {
	ServerURL  string           `yaml:"server_url"`
	ICEServers []ICEServer      `yaml:"ice_servers,omitempty"`
	Metadata   Metadata         `yaml:"metadata"`
	Visualizer VisualizerMounts `yaml:"visualizers,omitempty"`
	OfferRetry RetryConfig      `yaml:"offer_retry,omitempty"`
	// RequestTimeout bounds each signaling request. Zero leaves them
	// unbounded apart from the caller's context.
	RequestTimeout   time.Duration    `yaml:"request_timeout,omitempty"`
	DataChannelLabel string           `yaml:"data_channel_label,omitempty"`
	Log              LogConfig        `yaml:"log,omitempty"`
	Transcript       TranscriptConfig `yaml:"transcript,omitempty"`
	NATS             NATSConfig       `yaml:"nats,omitempty"`
	Telemetry        TelemetryConfig  `yaml:"telemetry,omitempty"`
}

func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg.WithDefaults(), nil
}

func (c *Config) applyEnv() (err error) {
	if c.ServerURL, err = shared.Getenv(shared.GetenvString, "VOICECHAT_SERVER_URL", false, c.ServerURL); err != nil {
		return err
	}
	if c.Metadata.UserID, err = shared.Getenv(shared.GetenvString, "VOICECHAT_USER_ID", false, c.Metadata.UserID); err != nil {
		return err
	}
	if c.Metadata.SessionID, err = shared.Getenv(shared.GetenvString, "VOICECHAT_SESSION_ID", false, c.Metadata.SessionID); err != nil {
		return err
	}
	if c.Metadata.SectionID, err = shared.Getenv(shared.GetenvString, "VOICECHAT_SECTION_ID", false, c.Metadata.SectionID); err != nil {
		return err
	}
	if c.Metadata.PersonaID, err = shared.Getenv(shared.GetenvString, "VOICECHAT_PERSONA_ID", false, c.Metadata.PersonaID); err != nil {
		return err
	}
	if c.Metadata.IsDaily, err = shared.Getenv(shared.GetenvBool, "VOICECHAT_IS_DAILY", false, c.Metadata.IsDaily); err != nil {
		return err
	}
	return nil
}

// WithDefaults returns a copy with zero fields filled in.
func (c Config) WithDefaults() Config {
	if c.OfferRetry.Attempts <= 0 {
		c.OfferRetry.Attempts = DefaultOfferAttempts
	}
	if c.OfferRetry.Delay <= 0 {
		c.OfferRetry.Delay = DefaultOfferDelay
	}
	if c.DataChannelLabel == "" {
		c.DataChannelLabel = DefaultDataChannelLabel
	}
	c.ICEServers = append([]ICEServer(nil), c.ICEServers...)
	return c
}

func (c Config) Validate() error {
	if c.ServerURL == "" {
		return shared.ErrNoServerURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil {
		return fmt.Errorf("parsing server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server URL scheme %q is not http(s)", u.Scheme)
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("ice server %d has no urls", i)
		}
	}
	return nil
}

func (c Config) webrtcConfiguration() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, s := range c.ICEServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return webrtc.Configuration{ICEServers: servers}
}
