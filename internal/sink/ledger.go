package sink

import (
	"context"

	"go.uber.org/zap"

	"LiveUplink/internal/database"
)

// PostgresLedger 把数据块元数据记入 Postgres，不保存负载
type PostgresLedger struct {
	ledger *database.Ledger
	logger *zap.Logger
}

var (
	_ Sink    = (*PostgresLedger)(nil)
	_ Resumer = (*PostgresLedger)(nil)
)

// NewPostgresLedger 创建并建表。连接池由调用方管理
func NewPostgresLedger(ctx context.Context, ledger *database.Ledger, logger *zap.Logger) (*PostgresLedger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := ledger.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return &PostgresLedger{ledger: ledger, logger: logger.Named("ledger")}, nil
}

func (p *PostgresLedger) Write(ctx context.Context, rec Record) error {
	inserted, err := p.ledger.Insert(ctx, database.ChunkRow{
		StreamID:   rec.StreamID,
		Seq:        rec.Seq,
		SessionID:  rec.SessionID,
		Length:     len(rec.Data),
		ReceivedAt: rec.ReceivedAt,
	})
	if err != nil {
		return err
	}
	if !inserted {
		p.logger.Debug("chunk already recorded",
			zap.String("stream_id", rec.StreamID),
			zap.Uint64("seq", rec.Seq))
	}
	return nil
}

func (p *PostgresLedger) LastSeq(ctx context.Context, streamID string) (uint64, bool, error) {
	return p.ledger.LastSeq(ctx, streamID)
}

func (p *PostgresLedger) Close() error {
	return nil
}
