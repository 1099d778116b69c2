package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the configuration file looked up in the config directory.
const FileName = "dcdl_controller.cfg.json"

// DefaultSegments is the controlled corridor of the reference scenario.
var DefaultSegments = []string{"2", "3", "4", "5", "6", "7", "8", "9", "10", "11"}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	setDefaults(viper.GetViper())

	viper.SetEnvPrefix("DCDL")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("logsDir", "./dcdllogs")

	v.SetDefault("control.mode", "custom")
	v.SetDefault("control.seed", 9497)
	v.SetDefault("control.maxSteps", 0)

	v.SetDefault("engine.url", "ws://localhost:8813/engine")
	v.SetDefault("engine.secret", "")
	v.SetDefault("engine.requestTimeout", "10s")

	v.SetDefault("corridor.segments", DefaultSegments)
	v.SetDefault("corridor.controlledLaneIndex", 0)
	v.SetDefault("corridor.mergeLaneIndex", 1)
	v.SetDefault("corridor.segmentLength", 200.0)
	v.SetDefault("corridor.controlAreaLength", 2000.0)
	v.SetDefault("corridor.exitDirection", 1)

	v.SetDefault("timing.stepLength", 0.1)
	v.SetDefault("timing.decisionCycle", 60.0)

	v.SetDefault("safety.ttcThreshold", 5.0)
	v.SetDefault("safety.relaxedTTCThreshold", 2.5)
	v.SetDefault("safety.ttcCap", 10.0)

	v.SetDefault("motivation.dissatisfactionThreshold", 4.0)
	v.SetDefault("motivation.speedGainThreshold", 3.0)
	v.SetDefault("motivation.stopBarDistance", 250.0)
	v.SetDefault("motivation.lowSpeedGuard", 1.0)
	v.SetDefault("motivation.designSpeed", 120.0/3.6)

	v.SetDefault("cooperation.cooldownTicks", 10)
	v.SetDefault("cooperation.durationTicks", 5)
	v.SetDefault("cooperation.defaultReactionTime", 1.21)
	v.SetDefault("cooperation.minReactionTime", 0.1)
	v.SetDefault("cooperation.accelMargin", 1.2)
	v.SetDefault("cooperation.decelMargin", 1.0)
	v.SetDefault("cooperation.accelFraction", 0.5)
	v.SetDefault("cooperation.decelFraction", 0.6)

	v.SetDefault("vehicle.defaultLength", 5.0)
	v.SetDefault("vehicle.defaultWidth", 1.8)
	v.SetDefault("vehicle.defaultAccel", 2.6)
	v.SetDefault("vehicle.defaultDecel", 4.5)
	v.SetDefault("vehicle.defaultTau", 1.0)
	v.SetDefault("vehicle.defaultMinGap", 2.5)
	v.SetDefault("vehicle.defaultClass", "HV")
	v.SetDefault("vehicle.classes", []map[string]any{
		{"typeId": "hv", "class": "HV"},
		{"typeId": "cav", "class": "CAV"},
	})
	v.SetDefault("vehicle.vclassHV", "custom1")
	v.SetDefault("vehicle.vclassCAV", "custom2")

	v.SetDefault("laneChange.duration", 0.1)

	v.SetDefault("policy.type", "fixed")
	v.SetDefault("policy.m", 5)
	v.SetDefault("policy.n", 5)
	v.SetDefault("policy.schedule", []map[string]any{})
	v.SetDefault("policy.url", "http://localhost:5000")
	v.SetDefault("policy.apiKey", "")
	v.SetDefault("policy.timeout", "5s")

	v.SetDefault("reward.alpha", 1.0)
	v.SetDefault("reward.beta", 1.0)
	v.SetDefault("reward.gamma", 1.0)
	v.SetDefault("reward.population", PopulationAll)

	v.SetDefault("rl.algorithm", "QMIX")
	v.SetDefault("rl.learningRate", 0.0001)
	v.SetDefault("rl.gamma", 0.99)
	v.SetDefault("rl.bufferSize", 50000)
	v.SetDefault("rl.batchSize", 64)
	v.SetDefault("rl.epochs", 5000)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.memory.outputDir", "./recordings")
	v.SetDefault("storage.memory.compressOutput", true)
	v.SetDefault("storage.sqlite.dumpInterval", "3m")
	v.SetDefault("storage.sqlite.dumpDir", "./recordings")
	v.SetDefault("storage.bufferSize", 10000)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.username", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.database", "dcdl")

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.host", "localhost")
	v.SetDefault("influx.port", "8086")
	v.SetDefault("influx.protocol", "http")
	v.SetDefault("influx.token", "supersecrettoken")
	v.SetDefault("influx.org", "dcdl-metrics")
	v.SetDefault("influx.backupPath", "./dcdllogs/influx_backup.lp.gz")

	v.SetDefault("graylog.enabled", false)
	v.SetDefault("graylog.address", "localhost:12201")

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.serviceName", "dcdl-controller")
	v.SetDefault("otel.batchTimeout", "5s")
	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.insecure", true)

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "1s")
	v.SetDefault("monitor.statusFile", "./dcdllogs/status.txt")

	v.SetDefault("geo.originLon", 0.0)
	v.SetDefault("geo.originLat", 0.0)
}

// Default returns the built-in configuration without reading any file.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config: decoding defaults: %v", err))
	}
	return cfg
}

// Get decodes the loaded configuration into a validated Config value.
func Get() (Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the controller relies on.
func (c Config) Validate() error {
	var errs []error
	if len(c.Corridor.Segments) == 0 {
		errs = append(errs, errors.New("corridor.segments must not be empty"))
	}
	seen := make(map[string]bool, len(c.Corridor.Segments))
	for _, s := range c.Corridor.Segments {
		if seen[s] {
			errs = append(errs, fmt.Errorf("corridor.segments: duplicate segment %q", s))
		}
		seen[s] = true
	}
	if c.Corridor.ControlledLaneIndex < 0 {
		errs = append(errs, errors.New("corridor.controlledLaneIndex must be >= 0"))
	}
	if c.Corridor.ExitDirection != 1 && c.Corridor.ExitDirection != -1 {
		errs = append(errs, errors.New("corridor.exitDirection must be 1 or -1"))
	}
	if c.Timing.StepLength <= 0 {
		errs = append(errs, errors.New("timing.stepLength must be > 0"))
	}
	if c.Timing.DecisionCycle < c.Timing.StepLength {
		errs = append(errs, errors.New("timing.decisionCycle must be >= timing.stepLength"))
	}
	if c.Safety.TTCCap <= 0 {
		errs = append(errs, errors.New("safety.ttcCap must be > 0"))
	}
	if c.Motivation.DesignSpeed <= 0 {
		errs = append(errs, errors.New("motivation.designSpeed must be > 0"))
	}
	if c.Motivation.SpeedGainThreshold <= 0 {
		errs = append(errs, errors.New("motivation.speedGainThreshold must be > 0"))
	}
	if c.Reward.Alpha < 0 || c.Reward.Beta < 0 || c.Reward.Gamma < 0 {
		errs = append(errs, errors.New("reward weights must be non-negative"))
	}
	switch c.Reward.Population {
	case PopulationAll, PopulationCorridor:
	default:
		errs = append(errs, fmt.Errorf("reward.population: unknown population %q", c.Reward.Population))
	}
	co := c.Cooperation
	if co.AccelMargin < 1 {
		errs = append(errs, errors.New("cooperation.accelMargin must be >= 1"))
	}
	if co.DecelMargin < 1 {
		errs = append(errs, errors.New("cooperation.decelMargin must be >= 1"))
	}
	if co.AccelFraction <= 0 || co.AccelFraction > 1 {
		errs = append(errs, errors.New("cooperation.accelFraction must be in (0, 1]"))
	}
	if co.DecelFraction <= 0 || co.DecelFraction > 1 {
		errs = append(errs, errors.New("cooperation.decelFraction must be in (0, 1]"))
	}
	if _, err := c.Vehicle.ClassTable(); err != nil {
		errs = append(errs, err)
	}
	switch c.Control.Mode {
	case ModeNoControl, ModeBaseline, ModeCustom:
	default:
		errs = append(errs, fmt.Errorf("control.mode: unknown mode %q", c.Control.Mode))
	}
	return errors.Join(errs...)
}

// GetStorageConfig returns the storage backend configuration.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type:       viper.GetString("storage.type"),
		BufferSize: viper.GetInt("storage.bufferSize"),
		Memory: MemoryConfig{
			OutputDir:      viper.GetString("storage.memory.outputDir"),
			CompressOutput: viper.GetBool("storage.memory.compressOutput"),
		},
		SQLite: SQLiteConfig{
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
			DumpDir:      viper.GetString("storage.sqlite.dumpDir"),
		},
	}
}

// GetDBConfig returns the Postgres connection settings.
func GetDBConfig() DBConfig {
	return DBConfig{
		Host:     viper.GetString("db.host"),
		Port:     viper.GetString("db.port"),
		Username: viper.GetString("db.username"),
		Password: viper.GetString("db.password"),
		Database: viper.GetString("db.database"),
	}
}

// GetInfluxConfig returns the InfluxDB settings.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:    viper.GetBool("influx.enabled"),
		Host:       viper.GetString("influx.host"),
		Port:       viper.GetString("influx.port"),
		Protocol:   viper.GetString("influx.protocol"),
		Token:      viper.GetString("influx.token"),
		Org:        viper.GetString("influx.org"),
		BackupPath: viper.GetString("influx.backupPath"),
	}
}

// GetOTelConfig returns the OpenTelemetry settings.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetGraylogConfig returns the GELF sink settings.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled: viper.GetBool("graylog.enabled"),
		Address: viper.GetString("graylog.address"),
	}
}

// GetMonitorConfig returns the status monitor settings.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Enabled:    viper.GetBool("monitor.enabled"),
		Interval:   viper.GetDuration("monitor.interval"),
		StatusFile: viper.GetString("monitor.statusFile"),
	}
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}
