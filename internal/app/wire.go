package app

import (
	"encoding/json"
	"os"
	"strings"
	"time"

	"postqueue/internal/beat"
	"postqueue/internal/broker"
	"postqueue/internal/config"
	"postqueue/internal/diag"
	"postqueue/internal/store"
	"postqueue/internal/worker"
)

// roleEnabled combines the config's enabled flag (nil means true) with the
// process role flag.
func roleEnabled(flag *bool, role bool) bool {
	if !role {
		return false
	}
	return flag == nil || *flag
}

func brokerConfig(cfg *config.Config) (broker.Config, error) {
	addr := cfg.Broker.Addr
	if strings.TrimSpace(addr) == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	password := cfg.Broker.Password
	if password == "" {
		password = os.Getenv("REDIS_PASSWORD")
	}

	resultTTL, err := config.ParseDurationOrDefault("broker.result_ttl", cfg.Broker.ResultTTL, 24*time.Hour)
	if err != nil {
		return broker.Config{}, err
	}
	dialTimeout, err := config.ParseDurationOrDefault("broker.dial_timeout", cfg.Broker.DialTimeout, 5*time.Second)
	if err != nil {
		return broker.Config{}, err
	}

	return broker.Config{
		Addr:        addr,
		Password:    password,
		DB:          cfg.Broker.DB,
		Namespace:   cfg.Broker.Namespace,
		Queue:       cfg.Broker.Queue,
		ResultTTL:   resultTTL,
		DialTimeout: dialTimeout,
	}, nil
}

func workerConfig(cfg *config.Config, opts Options) (worker.Config, error) {
	pollTimeout, err := config.ParseDurationOrDefault("worker.poll_timeout", cfg.Worker.PollTimeout, 5*time.Second)
	if err != nil {
		return worker.Config{}, err
	}
	// "0s" means disabled here, so only an omitted field gets the default.
	defaultTimeout, err := config.ParseDurationField("worker.default_timeout", cfg.Worker.DefaultTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	if strings.TrimSpace(cfg.Worker.DefaultTimeout) == "" {
		defaultTimeout = 30 * time.Minute
	}
	softTimeout, err := config.ParseDurationField("worker.soft_timeout", cfg.Worker.SoftTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	if strings.TrimSpace(cfg.Worker.SoftTimeout) == "" {
		softTimeout = 25 * time.Minute
	}
	retryBase, err := config.ParseDurationOrDefault("worker.retry_base", cfg.Worker.RetryBase, 500*time.Millisecond)
	if err != nil {
		return worker.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("worker.retry_max_delay", cfg.Worker.RetryMaxDelay, 15*time.Second)
	if err != nil {
		return worker.Config{}, err
	}

	maxTasks := cfg.Worker.MaxTasksPerChild
	if maxTasks == 0 {
		maxTasks = 1000
	} else if maxTasks < 0 {
		maxTasks = 0
	}

	return worker.Config{
		Enabled:          roleEnabled(cfg.Worker.Enabled, opts.Worker),
		Concurrency:      cfg.Worker.Concurrency,
		PollTimeout:      pollTimeout,
		DefaultTimeout:   defaultTimeout,
		SoftTimeout:      softTimeout,
		RetryMax:         cfg.Worker.RetryMax,
		RetryBase:        retryBase,
		RetryMaxDelay:    retryMaxDelay,
		MaxTasksPerChild: maxTasks,
		HistorySize:      cfg.Worker.HistorySize,
	}, nil
}

func beatConfig(cfg *config.Config, opts Options) beat.Config {
	entries := make([]beat.Entry, 0, len(cfg.Beat.Entries))
	for _, e := range cfg.Beat.Entries {
		entries = append(entries, beat.Entry{
			Name:     e.Name,
			Task:     e.Task,
			Schedule: e.Schedule,
			Payload:  json.RawMessage(e.Payload),
		})
	}
	return beat.Config{
		Enabled:  roleEnabled(cfg.Beat.Enabled, opts.Beat),
		Timezone: cfg.Beat.Timezone,
		Entries:  entries,
	}
}

func storeConfig(cfg *config.Config) (store.Config, error) {
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: busy,
	}, nil
}

func diagConfig(cfg *config.Config) (diag.Config, error) {
	readTimeout, err := config.ParseDurationOrDefault("diag.read_timeout", cfg.Diag.ReadTimeout, 5*time.Second)
	if err != nil {
		return diag.Config{}, err
	}
	writeTimeout, err := config.ParseDurationOrDefault("diag.write_timeout", cfg.Diag.WriteTimeout, 0)
	if err != nil {
		return diag.Config{}, err
	}
	idleTimeout, err := config.ParseDurationOrDefault("diag.idle_timeout", cfg.Diag.IdleTimeout, time.Minute)
	if err != nil {
		return diag.Config{}, err
	}
	return diag.Config{
		Enabled:       cfg.Diag.Enabled,
		Addr:          cfg.Diag.Addr,
		Token:         cfg.Diag.Token,
		AllowInsecure: cfg.Diag.AllowInsecure,
		Pprof:         cfg.Diag.Pprof,
		ReadTimeout:   readTimeout,
		WriteTimeout:  writeTimeout,
		IdleTimeout:   idleTimeout,
	}, nil
}

func lowerKeys(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}
