package config

import (
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/didier3529/bradley-dataflow/pkg/logger"
)

type Dataflow struct {
	URL                  string        `toml:"url"`
	HealthServerAddr     string        `toml:"health_server_addr"`
	ReconnectInterval    time.Duration `toml:"reconnect_interval"`
	MaxReconnectAttempts int           `toml:"max_reconnect_attempts"`
	HeartbeatInterval    time.Duration `toml:"heartbeat_interval"`
	MessageTimeout       time.Duration `toml:"message_timeout"`
	EnableLogging        bool          `toml:"enable_logging"`
	EnableMetrics        bool          `toml:"enable_metrics"`
	Channels             []string      `toml:"channels"`
}

type MySQL struct {
	DSN                string   `toml:"dsn"`
	SlaveAddr          []string `toml:"slave_addr"`
	MaxIdleConnections int      `toml:"max_idle_connections"`
	MaxOpenConnections int      `toml:"max_open_connections"`
	SetConnMaxLifetime int      `toml:"set_conn_max_lifetime"`
	SetConnMaxIdleTime int      `toml:"set_conn_max_idle_time"`
	ProxyEnabled       bool     `toml:"proxy_enabled"`
	ProxyAddr          string   `toml:"proxy_addr"`
}

type NATS struct {
	Endpoint string `toml:"endpoint"`
}

type Relay struct {
	Enabled  bool          `toml:"enabled"`
	PoolSize int           `toml:"pool_size"`
	DedupTTL time.Duration `toml:"dedup_ttl"`
}

type Store struct {
	Enabled       bool          `toml:"enabled"`
	BatchSize     int           `toml:"batch_size"`
	FlushInterval time.Duration `toml:"flush_interval"`
	MaxQueueSize  int           `toml:"max_queue_size"`
}

type Logger struct {
	Level      string `toml:"level"`
	Filename   string `toml:"filename"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
	Compress   bool   `toml:"compress"`
	Console    bool   `toml:"console"`
}

type Config struct {
	Dataflow Dataflow `toml:"dataflow"`
	MySQL    MySQL    `toml:"mysql"`
	NATS     NATS     `toml:"nats"`
	Relay    Relay    `toml:"relay"`
	Store    Store    `toml:"store"`
	Logger   Logger   `toml:"log"`
}

var (
	cfg         *Config
	cfgPath     string
	cfgLock     sync.RWMutex
	lastModTime time.Time
	stopChan    chan struct{}
)

func Default() *Config {
	return &Config{
		Dataflow: Dataflow{
			URL:                  "wss://data.bradley.ai/ws",
			HealthServerAddr:     "0.0.0.0:16900",
			ReconnectInterval:    3 * time.Second,
			MaxReconnectAttempts: 10,
			HeartbeatInterval:    30 * time.Second,
			MessageTimeout:       10 * time.Second,
			EnableLogging:        true,
			EnableMetrics:        true,
			Channels:             []string{"price", "nft", "portfolio", "sentiment"},
		},
		MySQL: MySQL{
			DSN:                "root:password@tcp(localhost:3306)/bradley?charset=utf8mb4&parseTime=True&loc=Local",
			SlaveAddr:          []string{},
			MaxIdleConnections: 16,
			MaxOpenConnections: 64,
			SetConnMaxLifetime: 7200,
			SetConnMaxIdleTime: 3600,
			ProxyEnabled:       false,
			ProxyAddr:          "127.0.0.1:7890",
		},
		NATS: NATS{
			Endpoint: "nats://localhost:4222",
		},
		Relay: Relay{
			Enabled:  true,
			PoolSize: 100,
			DedupTTL: 5 * time.Minute,
		},
		Store: Store{
			Enabled:       true,
			BatchSize:     100,
			FlushInterval: 2 * time.Second,
			MaxQueueSize:  10000,
		},
		Logger: Logger{
			Level:      "info",
			Filename:   "logs/dataflow.log",
			MaxSize:    10,
			MaxBackups: 60,
			MaxAge:     7,
			Compress:   false,
			Console:    false,
		},
	}
}

func Load(path string) error {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	cfgLock.Lock()
	defer cfgLock.Unlock()
	cfg = c
	cfgPath = path
	lastModTime = info.ModTime()

	return nil
}

func Get() *Config {
	cfgLock.RLock()
	defer cfgLock.RUnlock()
	return cfg
}

// Init 初始化配置并启动定期重载（默认10秒）
func Init(path string) error {
	return InitWithInterval(path, 10*time.Second)
}

// InitWithInterval 初始化配置并指定重载间隔
func InitWithInterval(path string, interval time.Duration) error {
	if err := Load(path); err != nil {
		return err
	}

	stopChan = make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				reloadIfNeeded()
			case <-stopChan:
				return
			}
		}
	}()

	return nil
}

// Stop 停止配置重载
func Stop() {
	if stopChan != nil {
		close(stopChan)
	}
}

// reloadIfNeeded 仅在文件修改时重载
func reloadIfNeeded() {
	cfgLock.RLock()
	path := cfgPath
	lastMod := lastModTime
	cfgLock.RUnlock()

	if path == "" {
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Error().Err(err).Msg("config stat failed")
		return
	}

	if info.ModTime().After(lastMod) {
		if err = Load(path); err != nil {
			logger.Error().Err(err).Msg("config reload failed")
		} else {
			logger.Info().Msg("config reloaded")
		}
	}
}
