package config

import (
	"github.com/google/uuid"

	"LiveUplink/internal/chunk"
	"LiveUplink/internal/database"
	"LiveUplink/internal/ingest"
	"LiveUplink/internal/sink"
	"LiveUplink/internal/transport"
	"LiveUplink/internal/uplink"
)

// ResolveStreamID 返回配置的流 id，未配置时每次运行生成新的 id
func (c *Config) ResolveStreamID() string {
	if c.StreamID != "" {
		return c.StreamID
	}
	return uuid.NewString()
}

// RecorderConfig 转换为录制器配置
func (c *Config) RecorderConfig() chunk.RecorderConfig {
	return chunk.RecorderConfig{
		Interval:    c.Capture.Interval,
		ReadSize:    c.Capture.ReadSize,
		ChunkBuffer: c.Capture.ChunkBuffer,
	}
}

// WebSocketConfig 转换为拨号配置
func (c *Config) WebSocketConfig() *transport.WebSocketConfig {
	ws := transport.DefaultWebSocketConfig(c.Endpoint.URL)
	ws.HandshakeTimeout = c.Transport.HandshakeTimeout
	ws.WriteTimeout = c.Transport.WriteTimeout
	ws.PingInterval = c.Transport.PingInterval
	ws.PongTimeout = c.Transport.PongTimeout
	ws.EnableCompression = c.Endpoint.EnableCompression
	if c.Endpoint.UserAgent != "" {
		ws.UserAgent = c.Endpoint.UserAgent
	}
	return ws
}

// UplinkConfig 转换为上行链路配置
func (c *Config) UplinkConfig(streamID string) uplink.Config {
	cfg := uplink.DefaultConfig(streamID)
	cfg.Capacity = c.Uplink.Capacity
	cfg.MaxBytes = c.Uplink.MaxBytes
	cfg.FlushTimeout = c.Uplink.FlushTimeout
	cfg.ConfirmInterval = c.Uplink.ConfirmInterval
	cfg.EventBuffer = c.Uplink.EventBuffer

	cfg.Session.QueueSize = c.Transport.QueueSize
	cfg.Session.LowWater = c.Transport.LowWater
	cfg.Session.HandshakeTimeout = c.Transport.HandshakeTimeout
	cfg.Session.DrainTimeout = c.Transport.DrainTimeout

	cfg.Backoff = uplink.BackoffConfig{
		Base:       c.Backoff.Base,
		Factor:     c.Backoff.Factor,
		Cap:        c.Backoff.Cap,
		MaxRetries: c.Backoff.MaxRetries,
	}
	return cfg
}

// IngestConfig 转换为接收端配置
func (c *Config) IngestConfig() *ingest.Config {
	cfg := ingest.DefaultConfig(c.Ingest.Addr)
	cfg.GRPCAddr = c.Ingest.GRPCAddr
	cfg.Path = c.Ingest.Path
	cfg.Acks = c.Ingest.Acks
	cfg.HandshakeTimeout = c.Ingest.HandshakeTimeout
	cfg.IdleTimeout = c.Ingest.IdleTimeout
	cfg.ShutdownTimeout = c.Ingest.ShutdownTimeout
	cfg.MaxConnections = c.Ingest.MaxConnections
	return cfg
}

// FileSinkConfig 转换为文件存储配置
func (c *Config) FileSinkConfig() sink.FileSinkConfig {
	return sink.FileSinkConfig{Dir: c.Sink.Dir, Fsync: c.Sink.Fsync}
}

// DatabaseConfig 转换为数据库配置，返回连接串和连接池参数
func (c *Config) DatabaseConfig() (string, *database.Config) {
	d := c.Sink.Database
	cfg := &database.Config{
		Host:     d.Host,
		Port:     d.Port,
		User:     d.User,
		Password: d.Password,
		DBName:   d.DBName,
		SSLMode:  d.SSLMode,
		MaxConns: d.MaxConns,
	}
	if d.DSN != "" {
		return d.DSN, cfg
	}
	return cfg.DSN(), cfg
}
