package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"LiveUplink/internal/chunk"
	"LiveUplink/internal/config"
	"LiveUplink/internal/database"
	"LiveUplink/internal/ingest"
	"LiveUplink/internal/logger"
	"LiveUplink/internal/sink"
	"LiveUplink/internal/transport"
	"LiveUplink/internal/uplink"
)

func main() {
	var (
		mode       = flag.String("mode", "demo", "运行模式: uplink, ingest, demo")
		configPath = flag.String("config", "", "配置文件路径，默认搜索 ./liveuplink.yaml")
		duration   = flag.Duration("duration", 10*time.Second, "demo 模式运行时长")
		watch      = flag.Bool("watch", true, "监控配置文件并热加载日志级别")
	)
	flag.Parse()

	loader, err := config.NewLoader(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	cfg := loader.Config()

	log, level, err := logger.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if *watch {
		loader.OnChange(func(next *config.Config, err error) {
			if err != nil {
				log.Warn("config reload rejected", zap.Error(err))
				return
			}
			if err := logger.ApplyLevel(level, next.Log.Level); err != nil {
				log.Warn("log level not applied", zap.Error(err))
				return
			}
			log.Info("config reloaded", zap.String("log_level", next.Log.Level))
		})
		if loader.Watch() {
			log.Info("watching config file", zap.String("file", loader.ConfigFile()))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "uplink":
		err = runUplink(ctx, cfg, log)
	case "ingest":
		err = runIngest(ctx, cfg, log)
	case "demo":
		err = runDemo(ctx, cfg, log, *duration)
	default:
		fmt.Printf("未知模式: %s\n", *mode)
		flag.Usage()
		os.Exit(1)
	}

	if err != nil {
		log.Error("exited with error", zap.String("mode", *mode), zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

// newCapture 根据 capture.source 选择采集设备
func newCapture(c config.CaptureConfig) chunk.Capture {
	switch c.Source {
	case "synthetic":
		capture := chunk.NewSyntheticCapture(c.ByteRate)
		capture.Limit = c.Limit
		return capture
	case "stdin":
		return chunk.NewReaderCapture(chunk.StdinOpener())
	default:
		return chunk.NewReaderCapture(chunk.FileOpener(c.Source))
	}
}

func newUplink(cfg *config.Config, log *zap.Logger) *uplink.Uplink {
	rec := chunk.NewRecorder(newCapture(cfg.Capture), cfg.RecorderConfig(), log)
	dialer := transport.NewWebSocketDialer(cfg.WebSocketConfig())
	return uplink.New(rec, dialer, cfg.UplinkConfig(cfg.ResolveStreamID()), log)
}

// logEvents 把上行链路事件写入日志，事件通道关闭后返回
func logEvents(up *uplink.Uplink, log *zap.Logger) {
	for e := range up.Events() {
		switch e.Kind {
		case uplink.EventEviction, uplink.EventReconnectScheduled:
			log.Warn("uplink event", zap.Stringer("event", e))
		case uplink.EventFailed:
			log.Error("uplink event", zap.Stringer("event", e))
		default:
			log.Info("uplink event", zap.Stringer("event", e))
		}
	}
}

// runUplink 采集并上传，直到收到信号或出现致命错误
func runUplink(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	up := newUplink(cfg, log)

	events := make(chan struct{})
	go func() {
		defer close(events)
		logEvents(up, log)
	}()

	log.Info("uplink starting",
		zap.String("endpoint", cfg.Endpoint.URL),
		zap.String("source", cfg.Capture.Source))

	err := up.Run(ctx)
	<-events

	printStats("uplink", up.Stats())
	return err
}

// buildSink 组合配置中启用的存储。未配置目录和数据库时使用内存存储。
// 返回的 cleanup 关闭存储和连接池
func buildSink(ctx context.Context, cfg *config.Config, log *zap.Logger) (sink.Sink, func(), error) {
	var (
		sinks sink.Multi
		pool  *pgxpool.Pool
	)
	cleanup := func() {
		if err := sinks.Close(); err != nil {
			log.Warn("sink close failed", zap.Error(err))
		}
		if pool != nil {
			pool.Close()
		}
	}

	if cfg.Sink.Dir != "" {
		fs, err := sink.NewFileSink(cfg.FileSinkConfig())
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, fs)
	}

	if cfg.Sink.Database.Enable {
		dsn, dbCfg := cfg.DatabaseConfig()
		p, err := database.Connect(ctx, dsn, dbCfg, log)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		pool = p
		ledger, err := sink.NewPostgresLedger(ctx, database.NewLedger(pool), log)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sinks = append(sinks, ledger)
	}

	switch len(sinks) {
	case 0:
		log.Warn("no durable sink configured, chunks are kept in memory")
		return sink.NewMemorySink(), func() {}, nil
	case 1:
		return sinks[0], cleanup, nil
	default:
		return sinks, cleanup, nil
	}
}

// runIngest 运行接收端
func runIngest(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	sk, cleanup, err := buildSink(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	server := ingest.New(cfg.IngestConfig(), sk, log)
	log.Info("ingest starting", zap.String("addr", cfg.Ingest.Addr), zap.String("path", cfg.Ingest.Path))

	err = server.Run(ctx)
	printStats("ingest", server.GetStats())
	return err
}

// runDemo 在同一进程中运行接收端和合成数据上行链路。
// 上行链路先停止并尽力发送剩余数据，然后关闭接收端
func runDemo(ctx context.Context, cfg *config.Config, log *zap.Logger, duration time.Duration) error {
	fmt.Println("🚀 LiveUplink - 分块媒体上行链路演示")
	fmt.Println("=================================================")

	ingestCfg := cfg.IngestConfig()
	ingestCfg.Addr = "127.0.0.1:0"
	ingestCfg.GRPCAddr = ""
	sk := sink.NewMemorySink()
	server := ingest.New(ingestCfg, sk, log)

	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()

	g.Go(func() error {
		return server.Run(serverCtx)
	})

	select {
	case <-server.Ready():
	case <-gctx.Done():
		return g.Wait()
	}

	demoCfg := *cfg
	demoCfg.Capture.Source = "synthetic"
	demoCfg.Endpoint.URL = fmt.Sprintf("ws://%s%s", server.Addr(), ingestCfg.Path)
	up := newUplink(&demoCfg, log)

	fmt.Printf("📡 接收端: %s\n", demoCfg.Endpoint.URL)
	fmt.Printf("⏱️  运行时长: %v\n", duration)

	g.Go(func() error {
		logEvents(up, log)
		return nil
	})
	g.Go(func() error {
		defer stopServer()

		upCtx, cancel := context.WithTimeout(gctx, duration)
		defer cancel()

		if err := up.Run(upCtx); err != nil {
			return fmt.Errorf("uplink: %w", err)
		}
		return nil
	})

	err := g.Wait()

	fmt.Println()
	printStats("uplink", up.Stats())
	printStats("ingest", server.GetStats())
	for _, s := range server.Streams() {
		printStats("stream", s)
		fmt.Printf("💾 %s 已存储数据块: %d\n", s.StreamID, len(sk.Records(s.StreamID)))
	}
	return err
}

func printStats(title string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Printf("📊 %s: %v\n", title, v)
		return
	}
	fmt.Printf("📊 %s:\n%s\n", title, data)
}
