package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// fileConfig is the optional YAML configuration. Command-line flags win over
// file values.
type fileConfig struct {
	Verbose  bool   `yaml:"verbose"`
	Loopback bool   `yaml:"loopback"`
	LogFile  string `yaml:"log_file"`
}

func loadConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg, nil
}

// apply fills flags the user did not set on the command line.
func (c fileConfig) apply(cmd *cobra.Command, flags *globalFlags) {
	pf := cmd.Flags()
	if !pf.Changed("verbose") {
		flags.verbose = c.Verbose
	}
	if !pf.Changed("loopback") {
		flags.loopback = c.Loopback
	}
	if !pf.Changed("log-file") && c.LogFile != "" {
		flags.logFile = c.LogFile
	}
}

// newLogger logs to stderr, or as JSON to a rotated file when path is set.
func newLogger(verbose bool, path string) (*zap.Logger, error) {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	if path == "" {
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(level)
		cfg.OutputPaths = []string{"stderr"}
		return cfg.Build()
	}

	sink := zapcore.AddSync(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
	})
	core := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), sink, level)
	return zap.New(core), nil
}
