package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

type Config struct {
	LogLevel        string
	DataDir         string
	LocalHost       string
	LocalPort       int
	ExecutorBaseURL string
	StepDelay       time.Duration
	StepPassRate    float64
}

var (
	cacheTTL   = 10 * time.Second
	nowFunc    = time.Now
	cacheMu    sync.RWMutex
	cachedCfg  Config
	cachedAt   time.Time
	cacheValid bool
)

func LoadConfig() Config {
	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = nowFunc()
	cacheValid = true
	cacheMu.Unlock()
	return cfg
}

func GetConfig() *Config {
	now := nowFunc()
	cacheMu.RLock()
	valid := cacheValid && now.Sub(cachedAt) < cacheTTL
	if valid {
		out := cachedCfg
		cacheMu.RUnlock()
		return &out
	}
	cacheMu.RUnlock()

	cfg := loadFromEnv()
	cacheMu.Lock()
	cachedCfg = cfg
	cachedAt = now
	cacheValid = true
	cacheMu.Unlock()

	out := cfg
	return &out
}

func loadFromEnv() Config {
	level := os.Getenv("QADECK_LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	dataDir := os.Getenv("QADECK_DATA_DIR")
	if dataDir == "" {
		dataDir = defaultDataDir()
	}

	localHost := os.Getenv("QADECK_LOCAL_HOST")
	if localHost == "" {
		localHost = "127.0.0.1"
	}

	localPort := 4687
	if p := os.Getenv("QADECK_LOCAL_PORT"); p != "" {
		if n := atoiOrDefault(p, 4687); n > 0 {
			localPort = n
		}
	}

	executorBaseURL := os.Getenv("QADECK_EXECUTOR_BASE_URL")
	if executorBaseURL == "" {
		executorBaseURL = "http://127.0.0.1:8787"
	}

	stepDelay := 900 * time.Millisecond
	if v := os.Getenv("QADECK_STEP_DELAY_MS"); v != "" {
		if n := atoiOrDefault(v, 900); n > 0 {
			stepDelay = time.Duration(n) * time.Millisecond
		}
	}

	passRate := 0.8
	if v := os.Getenv("QADECK_STEP_PASS_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			passRate = f
		}
	}

	return Config{
		LogLevel:        level,
		DataDir:         dataDir,
		LocalHost:       localHost,
		LocalPort:       localPort,
		ExecutorBaseURL: executorBaseURL,
		StepDelay:       stepDelay,
		StepPassRate:    passRate,
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Clean(".qadeck")
	}
	return filepath.Join(home, ".qadeck")
}

func atoiOrDefault(v string, fallback int) int {
	n := 0
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return fallback
		}
		n = n*10 + int(v[i]-'0')
	}
	if n == 0 {
		return fallback
	}
	return n
}
