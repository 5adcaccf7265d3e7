package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/didier3529/bradley-dataflow/config"
	"github.com/didier3529/bradley-dataflow/internal/dataflow"
	"github.com/didier3529/bradley-dataflow/internal/feed"
	"github.com/didier3529/bradley-dataflow/internal/monitor"
	"github.com/didier3529/bradley-dataflow/internal/nats"
	"github.com/didier3529/bradley-dataflow/internal/relay"
	"github.com/didier3529/bradley-dataflow/internal/store"
	"github.com/didier3529/bradley-dataflow/pkg/logger"
	"github.com/didier3529/bradley-dataflow/pkg/sigproc"
)

func main() {
	var configFile string
	flag.StringVar(&configFile, "config", "cfg.toml", "config file path")
	flag.Parse()

	// 加载配置
	if err := config.Init(configFile); err != nil {
		panic(err)
	}
	cfg := config.Get()

	// 初始化日志
	if err := initLogger(cfg); err != nil {
		panic("init logger failed: " + err.Error())
	}
	defer logger.Close()

	logger.Info().Msg("bradley dataflow service starting...")

	// 初始化指标
	monitor.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化数据库与批量写入器
	var writer *store.Writer
	if cfg.Store.Enabled {
		store.InitMysqlDB(cfg.MySQL)
		store.AutoMigrate(store.MySQL())

		writer = store.NewWriter(store.MySQL(), store.WriterConfig{
			BatchSize:     cfg.Store.BatchSize,
			FlushInterval: cfg.Store.FlushInterval,
			MaxQueueSize:  cfg.Store.MaxQueueSize,
		})
		writer.Start()
	}

	// 初始化 NATS 与转发器
	var publisher *nats.Publisher
	var fwd *relay.Relay
	if cfg.Relay.Enabled {
		var err error
		publisher, err = nats.NewPublisher(cfg.NATS.Endpoint)
		if err != nil {
			logger.Fatal().Err(err).Msg("init nats publisher failed")
		}

		fwd, err = relay.New(publisher, relay.Config{
			PoolSize: cfg.Relay.PoolSize,
			DedupTTL: cfg.Relay.DedupTTL,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("init relay failed")
		}
	}

	// 连接管理器：配置驱动，生命周期由 Provider 持有
	provider := dataflow.NewProvider(dataflow.Config{
		URL:                  cfg.Dataflow.URL,
		ReconnectInterval:    cfg.Dataflow.ReconnectInterval,
		MaxReconnectAttempts: cfg.Dataflow.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.Dataflow.HeartbeatInterval,
		MessageTimeout:       cfg.Dataflow.MessageTimeout,
		EnableLogging:        cfg.Dataflow.EnableLogging,
		EnableMetrics:        cfg.Dataflow.EnableMetrics,
		Dialer:               dataflow.NewWebsocketDialer(cfg.Dataflow.MessageTimeout),
	})
	mgr := provider.Init()

	// 行情解码层，下游挂接转发器与落库写入器
	marketFeed := feed.New(mgr, cfg.Dataflow.Channels)
	if fwd != nil {
		marketFeed.AddSink(fwd)
	}
	if writer != nil {
		marketFeed.AddSink(writer)
	}
	marketFeed.Attach()

	// 建连失败时由管理器自动退避重试
	if err := mgr.Connect(ctx); err != nil {
		logger.Warn().Err(err).Msg("initial connect failed, retrying in background")
	}

	// 指标轮询（受 enable_metrics 控制）
	if cfg.Dataflow.EnableMetrics {
		monitor.StartMetricsPoller(ctx, mgr, 5*time.Second)
	}

	// 初始化健康检查服务器
	// 转发关闭时 publisher 是空指针，不能直接塞进接口，否则接口非 nil 但调用即崩
	var pubRef monitor.PublisherRef
	if publisher != nil {
		pubRef = publisher
	}
	healthServer := monitor.NewHealthServer(cfg.Dataflow.HealthServerAddr, mgr, pubRef)
	if err := healthServer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start health server failed")
	}

	logger.Info().
		Str("url", cfg.Dataflow.URL).
		Str("health_addr", cfg.Dataflow.HealthServerAddr).
		Strs("channels", cfg.Dataflow.Channels).
		Msg("bradley dataflow service started successfully")

	// 优雅关闭
	sigproc.GracefulShutdown(func(sig os.Signal) {
		logger.Info().Str("signal", sig.String()).Msg("shutting down...")

		cancel()

		// 停止行情解码与连接管理器
		marketFeed.Detach()
		provider.Dispose()

		// 关闭转发器与 NATS
		if fwd != nil {
			fwd.Close()
		}
		if publisher != nil {
			publisher.Close()
		}

		// 关闭健康检查服务器
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		healthServer.Stop(shutdownCtx)

		// 关闭配置重载
		config.Stop()

		// 关闭批量写入器与数据库
		if writer != nil {
			if err := writer.GracefulShutdown(10 * time.Second); err != nil {
				logger.Warn().Err(err).Msg("snapshot writer shutdown incomplete")
			}
			store.CloseMySQL()
		}

		logger.Info().Msg("bradley dataflow service stopped")
	})

	<-ctx.Done()
}

func initLogger(cfg *config.Config) error {
	return logger.NewBuilder().
		SetFilename(cfg.Logger.Filename).
		SetMaxSize(cfg.Logger.MaxSize).
		SetMaxBackups(cfg.Logger.MaxBackups).
		SetMaxAge(cfg.Logger.MaxAge).
		SetLevel(cfg.Logger.Level).
		EnableCompression(cfg.Logger.Compress).
		EnableConsoleOutput(cfg.Logger.Console).
		Build()
}
