package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Load returns the effective configuration after applying precedence:
// defaults < environment (AUGUR_* / CACHE_* / REPOMETRICS_*) < flag
// overrides (dot-notated keys).
func Load(flagOverrides map[string]any) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if err := applyEnvOverrides(v); err != nil {
		return nil, err
	}
	for k, val := range flagOverrides {
		v.Set(k, val)
	}

	cfg := New()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := New()

	v.SetDefault("source.driver", def.Source.Driver)
	v.SetDefault("source.dsn", def.Source.DSN)
	v.SetDefault("source.host", def.Source.Host)
	v.SetDefault("source.port", def.Source.Port)
	v.SetDefault("source.database", def.Source.Database)
	v.SetDefault("source.user", def.Source.User)
	v.SetDefault("source.password", def.Source.Password)
	v.SetDefault("source.maxinflight", def.Source.MaxInFlight)

	v.SetDefault("cache.driver", def.Cache.Driver)
	v.SetDefault("cache.dsn", def.Cache.DSN)
	v.SetDefault("cache.ttl", def.Cache.TTL)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.queuesize", def.Worker.QueueSize)
	v.SetDefault("worker.tasktimeout", def.Worker.TaskTimeout)
	v.SetDefault("worker.maxattempts", def.Worker.MaxAttempts)
	v.SetDefault("worker.retrybasedelay", def.Worker.RetryBaseDelay)

	v.SetDefault("waiter.pollinterval", def.Waiter.PollInterval)
	v.SetDefault("waiter.maxpollinterval", def.Waiter.MaxPollInterval)
	v.SetDefault("waiter.budget", def.Waiter.Budget)

	v.SetDefault("server.addr", def.Server.Addr)
	v.SetDefault("log.level", def.Log.Level)
}

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindDuration
)

var envBindings = []struct {
	Env  string
	Key  string
	Kind valueKind
}{
	{"AUGUR_HOST", "source.host", kindString},
	{"AUGUR_PORT", "source.port", kindInt},
	{"AUGUR_DATABASE", "source.database", kindString},
	{"AUGUR_USERNAME", "source.user", kindString},
	{"AUGUR_PASSWORD", "source.password", kindString},
	{"AUGUR_DSN", "source.dsn", kindString},

	{"CACHE_DSN", "cache.dsn", kindString},
	{"CACHE_DRIVER", "cache.driver", kindString},
	{"CACHE_TTL", "cache.ttl", kindDuration},

	{"REPOMETRICS_SOURCE_DRIVER", "source.driver", kindString},
	{"REPOMETRICS_MAX_IN_FLIGHT", "source.maxinflight", kindInt},
	{"REPOMETRICS_WORKERS", "worker.count", kindInt},
	{"REPOMETRICS_QUEUE_SIZE", "worker.queuesize", kindInt},
	{"REPOMETRICS_TASK_TIMEOUT", "worker.tasktimeout", kindDuration},
	{"REPOMETRICS_MAX_ATTEMPTS", "worker.maxattempts", kindInt},
	{"REPOMETRICS_RETRY_BASE_DELAY", "worker.retrybasedelay", kindDuration},
	{"REPOMETRICS_POLL_INTERVAL", "waiter.pollinterval", kindDuration},
	{"REPOMETRICS_MAX_POLL_INTERVAL", "waiter.maxpollinterval", kindDuration},
	{"REPOMETRICS_WAIT_BUDGET", "waiter.budget", kindDuration},
	{"REPOMETRICS_ADDR", "server.addr", kindString},
	{"REPOMETRICS_LOG_LEVEL", "log.level", kindString},
}

func applyEnvOverrides(v *viper.Viper) error {
	for _, binding := range envBindings {
		val := os.Getenv(binding.Env)
		if val == "" {
			continue
		}
		parsed, err := parseValueByKind(val, binding.Kind)
		if err != nil {
			return fmt.Errorf("env %s: %w", binding.Env, err)
		}
		v.Set(binding.Key, parsed)
	}
	return nil
}

func parseValueByKind(raw string, kind valueKind) (any, error) {
	switch kind {
	case kindString:
		return raw, nil
	case kindInt:
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("expected integer: %w", err)
		}
		return n, nil
	case kindDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("expected duration: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported value kind")
	}
}
