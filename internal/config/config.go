package config

import "github.com/spf13/viper"

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for rikoclaw. Values are merged
// from flags, RIKOCLAW_* env vars, and defaults by viper (set up by the
// cobra command in cmd/rikoclaw).
type Config struct {
	DataDir string

	// Agent CLI binaries for the two engine slots.
	PrimaryCmd   string
	SecondaryCmd string
	DefaultModel string

	// Queue manager.
	MaxConcurrentRuns int
	MaxQueueSize      int
	RunTimeoutSec     int

	// Session rotation.
	RotationThreshold  float64
	RotationTimeoutSec int
	SessionMaxAgeHours int

	// Memory service (mecho).
	MechoEnabled bool
	MechoAddr    string
	MechoAPIURL  string
	MechoDataDir string

	// Embedding endpoint for archival memory.
	EmbeddingBaseURL string
	EmbeddingAPIKey  string
	EmbeddingModel   string

	// Scheduler.
	SchedulesPath string
	TimeZone      string

	// Heartbeat.
	HeartbeatEnabled     bool
	HeartbeatIntervalMin int
	HeartbeatChannelID   string
	HeartbeatActiveStart int
	HeartbeatActiveEnd   int
	HeartbeatChecklist   string

	// Restart directive handling.
	RestartCommand    string
	RestartMaxPending int // minutes a pending resume stays valid

	LogLevel string
}

// Load reads configuration from viper, which merges flag values, env vars,
// and defaults (set up by the cobra command in cmd/rikoclaw).
func Load() Config {
	return Config{
		DataDir: viper.GetString("data_dir"),

		PrimaryCmd:   viper.GetString("primary_cmd"),
		SecondaryCmd: viper.GetString("secondary_cmd"),
		DefaultModel: viper.GetString("default_model"),

		MaxConcurrentRuns: viper.GetInt("max_concurrent_runs"),
		MaxQueueSize:      viper.GetInt("max_queue_size"),
		RunTimeoutSec:     viper.GetInt("run_timeout_sec"),

		RotationThreshold:  viper.GetFloat64("rotation_threshold"),
		RotationTimeoutSec: viper.GetInt("rotation_timeout_sec"),
		SessionMaxAgeHours: viper.GetInt("session_max_age_hours"),

		MechoEnabled: viper.GetBool("mecho_enabled"),
		MechoAddr:    viper.GetString("mecho_addr"),
		MechoAPIURL:  viper.GetString("mecho_api_url"),
		MechoDataDir: viper.GetString("mecho_data_dir"),

		EmbeddingBaseURL: viper.GetString("embedding_base_url"),
		EmbeddingAPIKey:  viper.GetString("embedding_api_key"),
		EmbeddingModel:   viper.GetString("embedding_model"),

		SchedulesPath: viper.GetString("schedules_path"),
		TimeZone:      viper.GetString("time_zone"),

		HeartbeatEnabled:     viper.GetBool("heartbeat_enabled"),
		HeartbeatIntervalMin: viper.GetInt("heartbeat_interval_min"),
		HeartbeatChannelID:   viper.GetString("heartbeat_channel_id"),
		HeartbeatActiveStart: viper.GetInt("heartbeat_active_start"),
		HeartbeatActiveEnd:   viper.GetInt("heartbeat_active_end"),
		HeartbeatChecklist:   viper.GetString("heartbeat_checklist"),

		RestartCommand:    viper.GetString("restart_command"),
		RestartMaxPending: viper.GetInt("restart_max_pending_min"),

		LogLevel: viper.GetString("log_level"),
	}
}
