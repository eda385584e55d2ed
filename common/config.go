// Copyright 2024-2025 The restogw Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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

// NATSConfig defines parameters for connecting to the shared event stream broker
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
	// ReadTimeout is the maximum duration for reading the entire request in
	// seconds. A zero or negative value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out writes of the
	// response in seconds. A zero or negative value means there will be no timeout.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled in seconds.
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
// Connection Admission Config

// AdmissionConfig defines connection admission limits
type AdmissionConfig struct {
	// MaxConnectionsPerUser is the per-user live connection limit
	MaxConnectionsPerUser int `mapstructure:"max_connections_per_user" json:"max_connections_per_user" validate:"gte=1"`
	// MaxConnectionsTotal is the per-instance live connection limit
	MaxConnectionsTotal int `mapstructure:"max_connections_total" json:"max_connections_total" validate:"gte=1"`
	// AcceptTimeout is the hard timeout on connection admission in seconds
	AcceptTimeout int `mapstructure:"accept_timeout_sec" json:"accept_timeout_sec" validate:"gte=1"`
}

// LockShardConfig defines the lock shard layout of the connection registry
type LockShardConfig struct {
	// UserShards is the number of per-user lock shards
	UserShards int `mapstructure:"user_shards" json:"user_shards" validate:"gte=1"`
	// BranchShards is the number of per-branch lock shards
	BranchShards int `mapstructure:"branch_shards" json:"branch_shards" validate:"gte=1"`
}

// RateLimitConfig defines the per-connection inbound message rate guard
type RateLimitConfig struct {
	// MaxMessagesPerSec is the sliding window message budget per connection
	MaxMessagesPerSec int `mapstructure:"max_messages_per_sec" json:"max_messages_per_sec" validate:"gte=1"`
	// AbuseStrikes is the number of consecutive violation windows before the
	// connection is closed
	AbuseStrikes int `mapstructure:"abuse_strikes" json:"abuse_strikes" validate:"gte=1"`
}

// HeartbeatConfig defines connection heartbeat / staleness parameters
type HeartbeatConfig struct {
	// SweepInterval is the interval between stale connection sweeps in seconds
	SweepInterval int `mapstructure:"sweep_interval_sec" json:"sweep_interval_sec" validate:"gte=1"`
	// StaleTimeout is the max duration since last heartbeat before a connection
	// is considered dead in seconds
	StaleTimeout int `mapstructure:"stale_timeout_sec" json:"stale_timeout_sec" validate:"gte=1"`
}

// ===============================================================================
// Event Pipeline Config

// CircuitBreakerConfig defines the breaker guarding the broker subscription
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count which opens the breaker
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold" validate:"gte=1"`
	// CooldownSec is how long the breaker stays open before allowing trials
	CooldownSec int `mapstructure:"cooldown_sec" json:"cooldown_sec" validate:"gte=1"`
	// HalfOpenTrials is the number of trial calls allowed while half-open
	HalfOpenTrials int `mapstructure:"half_open_trials" json:"half_open_trials" validate:"gte=1"`
}

// SubscriberConfig defines the event subscriber parameters
type SubscriberConfig struct {
	// TopicPatterns are the broker subjects the gateway subscribes to
	TopicPatterns []string `mapstructure:"topic_patterns" json:"topic_patterns" validate:"required,min=1"`
	// QueueCapacity is the bounded event queue depth
	QueueCapacity int `mapstructure:"queue_capacity" json:"queue_capacity" validate:"gte=1"`
	// DrainBatchSize is the max events handled per consumer drain pass
	DrainBatchSize int `mapstructure:"drain_batch_size" json:"drain_batch_size" validate:"gte=1"`
	// BackoffBaseMSec is the base of the jittered reconnect backoff
	BackoffBaseMSec int `mapstructure:"backoff_base_msec" json:"backoff_base_msec" validate:"gte=1"`
	// BackoffMaxMSec caps the jittered reconnect backoff
	BackoffMaxMSec int `mapstructure:"backoff_max_msec" json:"backoff_max_msec" validate:"gte=1"`
	// DropAlertPercent is the trailing window drop rate which raises an alert
	DropAlertPercent float64 `mapstructure:"drop_alert_percent" json:"drop_alert_percent" validate:"gt=0,lte=100"`
	// DropAlertWindowSec is the trailing window length for the drop rate alert
	DropAlertWindowSec int `mapstructure:"drop_alert_window_sec" json:"drop_alert_window_sec" validate:"gte=1"`
	// Breaker defines the circuit breaker parameters
	Breaker CircuitBreakerConfig `mapstructure:"breaker" json:"breaker" validate:"required,dive"`
}

// BroadcastConfig defines the fan-out delivery parameters
type BroadcastConfig struct {
	// BatchSize is the number of sockets written concurrently per batch
	BatchSize int `mapstructure:"batch_size" json:"batch_size" validate:"gte=1"`
	// SendTimeoutMSec is the per-socket write deadline in milliseconds
	SendTimeoutMSec int `mapstructure:"send_timeout_msec" json:"send_timeout_msec" validate:"gte=1"`
}

// ===============================================================================
// Sector Assignment Config

// SectorCacheConfig defines the sector assignment cache parameters
type SectorCacheConfig struct {
	// RedisAddr is the address of the sector assignment source of truth
	RedisAddr string `mapstructure:"redis_addr" json:"redis_addr" validate:"required"`
	// TTLSec is the cache entry lifetime in seconds
	TTLSec int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=1"`
	// LookupTimeoutMSec is the hard timeout on a source of truth query
	LookupTimeoutMSec int `mapstructure:"lookup_timeout_msec" json:"lookup_timeout_msec" validate:"gte=1"`
	// MaxEntries bounds the cache size
	MaxEntries int `mapstructure:"max_entries" json:"max_entries" validate:"gte=1"`
}

// ===============================================================================
// Authentication Config

// AuthConfig defines credential verification parameters
type AuthConfig struct {
	// StaffSigningSecret is the HMAC secret for staff / admin tokens
	StaffSigningSecret string `mapstructure:"staff_signing_secret" json:"-" validate:"required"`
	// GuestSigningSecret is the HMAC secret for guest session tokens
	GuestSigningSecret string `mapstructure:"guest_signing_secret" json:"-" validate:"required"`
	// ClockSkewSec is the accepted clock skew when validating token lifetimes
	ClockSkewSec int `mapstructure:"clock_skew_sec" json:"clock_skew_sec" validate:"gte=0"`
}

// ===============================================================================
// Complete Config

// GatewayServerConfig defines configuration for the gateway server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Admission are the connection admission limits
	Admission AdmissionConfig `mapstructure:"admission" json:"admission" validate:"required,dive"`
	// Locks is the lock shard layout of the connection registry
	Locks LockShardConfig `mapstructure:"locks" json:"locks" validate:"required,dive"`
	// RateLimit is the per-connection inbound message rate guard
	RateLimit RateLimitConfig `mapstructure:"rate_limit" json:"rate_limit" validate:"required,dive"`
	// Heartbeat are the connection heartbeat parameters
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat" json:"heartbeat" validate:"required,dive"`
	// Subscriber are the event subscriber parameters
	Subscriber SubscriberConfig `mapstructure:"subscriber" json:"subscriber" validate:"required,dive"`
	// Broadcast are the fan-out delivery parameters
	Broadcast BroadcastConfig `mapstructure:"broadcast" json:"broadcast" validate:"required,dive"`
	// SectorCache are the sector assignment cache parameters
	SectorCache SectorCacheConfig `mapstructure:"sector_cache" json:"sector_cache" validate:"required,dive"`
	// Auth are the credential verification parameters
	Auth AuthConfig `mapstructure:"auth" json:"auth" validate:"required,dive"`
}

// SystemConfig defines the complete system config
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

	// Default gateway HTTP server settings
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3000)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Restogw-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default admission settings
	viper.SetDefault("gateway.admission.max_connections_per_user", 4)
	viper.SetDefault("gateway.admission.max_connections_total", 10000)
	viper.SetDefault("gateway.admission.accept_timeout_sec", 10)

	// Default lock shard layout
	viper.SetDefault("gateway.locks.user_shards", 32)
	viper.SetDefault("gateway.locks.branch_shards", 16)

	// Default rate limit settings
	viper.SetDefault("gateway.rate_limit.max_messages_per_sec", 20)
	viper.SetDefault("gateway.rate_limit.abuse_strikes", 3)

	// Default heartbeat settings
	viper.SetDefault("gateway.heartbeat.sweep_interval_sec", 30)
	viper.SetDefault("gateway.heartbeat.stale_timeout_sec", 60)

	// Default subscriber settings
	viper.SetDefault("gateway.subscriber.topic_patterns", []string{
		"rt.branch.>", "rt.sector.>", "rt.session.>", "rt.admin.>",
	})
	viper.SetDefault("gateway.subscriber.queue_capacity", 5000)
	viper.SetDefault("gateway.subscriber.drain_batch_size", 64)
	viper.SetDefault("gateway.subscriber.backoff_base_msec", 250)
	viper.SetDefault("gateway.subscriber.backoff_max_msec", 15000)
	viper.SetDefault("gateway.subscriber.drop_alert_percent", 5.0)
	viper.SetDefault("gateway.subscriber.drop_alert_window_sec", 60)
	viper.SetDefault("gateway.subscriber.breaker.failure_threshold", 5)
	viper.SetDefault("gateway.subscriber.breaker.cooldown_sec", 30)
	viper.SetDefault("gateway.subscriber.breaker.half_open_trials", 1)

	// Default broadcast settings
	viper.SetDefault("gateway.broadcast.batch_size", 50)
	viper.SetDefault("gateway.broadcast.send_timeout_msec", 2000)

	// Default sector cache settings
	viper.SetDefault("gateway.sector_cache.redis_addr", "127.0.0.1:6379")
	viper.SetDefault("gateway.sector_cache.ttl_sec", 300)
	viper.SetDefault("gateway.sector_cache.lookup_timeout_msec", 2000)
	viper.SetDefault("gateway.sector_cache.max_entries", 4096)

	// Default auth settings
	viper.SetDefault("gateway.auth.clock_skew_sec", 30)
}
