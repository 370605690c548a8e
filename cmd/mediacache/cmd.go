// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.
package main

type ServerCmd struct {
	HttpAddr        string `arg:"--http-addr" help:"address of the local media endpoint" default:"127.0.0.1:5000"`
	PrefetchWorkers *int   `arg:"--prefetch-workers" help:"number of workers to prefetch content, overrides the config file"`
	Metrics         string `arg:"--metrics" help:"metrics collector" default:"prometheus" valid:"prometheus,memory"`
	MetricsFile     string `arg:"--metrics-file" help:"file the memory collector reports to" default:"/var/log/mediacache-metrics"`
}

type WarmCmd struct {
	Url string `arg:"positional,required" help:"media URL to fill the cache with"`
}

type EvictCmd struct{}

type ConfigCmd struct{}

type Arguments struct {
	Server *ServerCmd `arg:"subcommand:run" help:"run the local media endpoint"`
	Warm   *WarmCmd   `arg:"subcommand:warm" help:"read a media URL through the cache"`
	Evict  *EvictCmd  `arg:"subcommand:evict" help:"apply the eviction policy to every cached resource"`
	Config *ConfigCmd `arg:"subcommand:config" help:"print the effective configuration"`

	ConfigPath  string `arg:"--config" help:"path of the TOML configuration file"`
	CacheDir    string `arg:"--cache-dir" help:"cache directory, overrides the config file"`
	CachePolicy string `arg:"--cache-policy" help:"eviction policy, overrides the config file"`
	CacheLimit  int64  `arg:"--cache-limit" help:"bytes kept per resource by the size-bounded policy, overrides the config file"`

	Version  bool   `arg:"-v" help:"show version and exit"`
	LogLevel string `arg:"--log-level" help:"set the log level" default:"info" valid:"debug,info,warn,error,fatal,panic"`
}

var version string
