package common

import "github.com/spf13/viper"

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Gateway Related Config

// AdmissionConfig defines per-client event admission control parameters
type AdmissionConfig struct {
	// MaxEvents is the max number of events a client may submit per window
	MaxEvents int `mapstructure:"max_events" json:"max_events" validate:"gte=1"`
	// WindowSec is the admission window length in seconds
	WindowSec int `mapstructure:"window_sec" json:"window_sec" validate:"gte=1"`
}

// BreakerConfig defines circuit breaker parameters for the enrichment dependency
type BreakerConfig struct {
	// EvalWindowSec is the rolling error-rate evaluation window in seconds
	EvalWindowSec int `mapstructure:"eval_window_sec" json:"eval_window_sec" validate:"gte=1"`
	// ErrorThresholdPercent is the error percentage at which the breaker opens
	ErrorThresholdPercent int `mapstructure:"error_threshold_percent" json:"error_threshold_percent" validate:"gte=1,lte=100"`
	// MinSamples is the minimum number of calls within the window before the
	// error rate is evaluated
	MinSamples int `mapstructure:"min_samples" json:"min_samples" validate:"gte=1"`
	// CooldownSec is the duration an open breaker waits before allowing a
	// half-open trial call, in seconds
	CooldownSec int `mapstructure:"cooldown_sec" json:"cooldown_sec" validate:"gte=1"`
	// CallTimeoutSec is the per-call timeout in seconds. A call exceeding it
	// counts as a failure.
	CallTimeoutSec int `mapstructure:"call_timeout_sec" json:"call_timeout_sec" validate:"gte=1"`
}

// LivenessConfig defines connection liveness tracking parameters
type LivenessConfig struct {
	// HeartbeatIntervalSec is the expected client heartbeat interval in seconds
	HeartbeatIntervalSec int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=1"`
	// StalenessMultiplier scales the heartbeat interval into the staleness
	// threshold. A subscription missing heartbeats for longer than
	// multiplier x interval is eligible for eviction.
	StalenessMultiplier int `mapstructure:"staleness_multiplier" json:"staleness_multiplier" validate:"gte=1"`
	// SweepIntervalSec is the interval between stale subscription sweeps in
	// seconds. The sweep is a backstop for missed disconnects only; a stale
	// subscriber can linger for up to sweep interval + staleness threshold.
	SweepIntervalSec int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
}

// BackplaneConfig defines cross-process broadcast parameters
type BackplaneConfig struct {
	// SubjectPrefix is the NATS subject prefix for gateway broadcast messages
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
}

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// GatewayServerConfig defines configuration for the gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
	// Admission are the per-client event admission parameters
	Admission AdmissionConfig `mapstructure:"admission" json:"admission" validate:"required,dive"`
	// Breaker are the enrichment circuit breaker parameters
	Breaker BreakerConfig `mapstructure:"breaker" json:"breaker" validate:"required,dive"`
	// Liveness are the connection liveness tracking parameters
	Liveness LivenessConfig `mapstructure:"liveness" json:"liveness" validate:"required,dive"`
	// Backplane are the cross-process broadcast parameters
	Backplane BackplaneConfig `mapstructure:"backplane" json:"backplane" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config for the gateway server
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required,dive"`
	// Gateway are the gateway server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default Gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Vistrack-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
	viper.SetDefault("gateway.admission.max_events", 100)
	viper.SetDefault("gateway.admission.window_sec", 60)
	viper.SetDefault("gateway.breaker.eval_window_sec", 30)
	viper.SetDefault("gateway.breaker.error_threshold_percent", 50)
	viper.SetDefault("gateway.breaker.min_samples", 5)
	viper.SetDefault("gateway.breaker.cooldown_sec", 30)
	viper.SetDefault("gateway.breaker.call_timeout_sec", 5)
	viper.SetDefault("gateway.liveness.heartbeat_interval_sec", 30)
	viper.SetDefault("gateway.liveness.staleness_multiplier", 2)
	viper.SetDefault("gateway.liveness.sweep_interval_sec", 300)
	viper.SetDefault("gateway.backplane.subject_prefix", "vistrack.gateway")
}
