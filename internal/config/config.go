package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"proxypool/internal/domain"
	"proxypool/internal/support"
)

const (
	DefaultDBPath          = "proxies.db"
	DefaultWorkerCount     = 20
	DefaultProbeTimeout    = 5 * time.Second
	DefaultSourceTimeout   = 10 * time.Second
	DefaultRefreshDeadline = 2 * time.Minute
	DefaultLiveTarget      = "https://magichour.ai"
	DefaultLogLevel        = "info"
)

// DefaultSources are the public plain-text HTTP proxy lists used when none
// are configured.
var DefaultSources = []string{
	"https://api.proxyscrape.com/v2/?request=getproxies&protocol=http&timeout=1000&country=all&ssl=all&anonymity=all",
	"https://www.proxy-list.download/api/v1/get?type=http",
	"https://www.proxyscan.io/api/proxy?limit=100&type=http",
	"https://raw.githubusercontent.com/TheSpeedX/PROXY-List/master/http.txt",
	"https://openproxy.space/list/http",
}

// Pool carries everything the pool manager and its collaborators need. It is
// passed explicitly; nothing in the pool reads globals.
type Pool struct {
	Sources         []string      `yaml:"sources"`
	DBPath          string        `yaml:"db_path"`
	WorkerCount     int           `yaml:"worker_count"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	SourceTimeout   time.Duration `yaml:"source_timeout"`
	RefreshDeadline time.Duration `yaml:"refresh_deadline"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	LiveTarget      string        `yaml:"live_target"`
	DefaultQuota    int           `yaml:"default_quota"`
	RedisURL        string        `yaml:"redis_url"`
	MetricsAddr     string        `yaml:"metrics_addr"`
	LogLevel        string        `yaml:"log_level"`
}

func Default() Pool {
	sources := make([]string, len(DefaultSources))
	copy(sources, DefaultSources)

	return Pool{
		Sources:         sources,
		DBPath:          DefaultDBPath,
		WorkerCount:     DefaultWorkerCount,
		ProbeTimeout:    DefaultProbeTimeout,
		SourceTimeout:   DefaultSourceTimeout,
		RefreshDeadline: DefaultRefreshDeadline,
		LiveTarget:      DefaultLiveTarget,
		DefaultQuota:    domain.DefaultQuota,
		LogLevel:        DefaultLogLevel,
	}
}

// Load layers defaults, an optional YAML file and PROXYPOOL_* environment
// variables, in that order.
func Load(path string) (Pool, error) {
	cfg := Default()

	if path = strings.TrimSpace(path); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Pool{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Pool{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Pool{}, err
	}
	return cfg, nil
}

func (c *Pool) applyEnv() {
	c.Sources = support.GetEnvList("PROXYPOOL_SOURCES", c.Sources)
	c.DBPath = support.GetEnv("PROXYPOOL_DB_PATH", c.DBPath)
	c.WorkerCount = support.GetEnvInt("PROXYPOOL_WORKERS", c.WorkerCount)
	c.ProbeTimeout = support.GetEnvDuration("PROXYPOOL_PROBE_TIMEOUT", c.ProbeTimeout)
	c.SourceTimeout = support.GetEnvDuration("PROXYPOOL_SOURCE_TIMEOUT", c.SourceTimeout)
	c.RefreshDeadline = support.GetEnvDuration("PROXYPOOL_REFRESH_DEADLINE", c.RefreshDeadline)
	c.RefreshInterval = support.GetEnvDuration("PROXYPOOL_REFRESH_INTERVAL", c.RefreshInterval)
	c.LiveTarget = support.GetEnv("PROXYPOOL_LIVE_TARGET", c.LiveTarget)
	c.DefaultQuota = support.GetEnvInt("PROXYPOOL_DEFAULT_QUOTA", c.DefaultQuota)
	c.RedisURL = support.GetEnv("PROXYPOOL_REDIS_URL", c.RedisURL)
	c.MetricsAddr = support.GetEnv("PROXYPOOL_METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = support.GetEnv("PROXYPOOL_LOG_LEVEL", c.LogLevel)
}

// Validate fills zero values with defaults and rejects settings the pool
// cannot run with.
func (c *Pool) Validate() error {
	if len(c.Sources) == 0 {
		c.Sources = append([]string(nil), DefaultSources...)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = DefaultDBPath
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = DefaultProbeTimeout
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = DefaultSourceTimeout
	}
	if c.RefreshDeadline <= 0 {
		c.RefreshDeadline = DefaultRefreshDeadline
	}
	if c.RefreshInterval < 0 {
		c.RefreshInterval = 0
	}
	if c.DefaultQuota <= 0 {
		c.DefaultQuota = domain.DefaultQuota
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = DefaultLogLevel
	}

	c.LiveTarget = strings.TrimSpace(c.LiveTarget)
	if c.LiveTarget == "" {
		c.LiveTarget = DefaultLiveTarget
	}
	target, err := url.Parse(c.LiveTarget)
	if err != nil {
		return fmt.Errorf("config: live target: %w", err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return errors.New("config: live target must be an http or https URL")
	}
	if target.Host == "" {
		return errors.New("config: live target has no host")
	}

	return nil
}
