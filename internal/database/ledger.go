// Package database 持久化接收端的数据块元数据
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS uplink_chunks (
	stream_id   TEXT        NOT NULL,
	seq         BIGINT      NOT NULL,
	session_id  TEXT        NOT NULL DEFAULT '',
	length      INTEGER     NOT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (stream_id, seq)
)`

// ChunkRow 一条数据块元数据
type ChunkRow struct {
	StreamID   string
	Seq        uint64
	SessionID  string
	Length     int
	ReceivedAt time.Time
}

// Ledger 数据块元数据表
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger 创建元数据表访问对象
func NewLedger(pool *pgxpool.Pool) *Ledger {
	if pool == nil {
		panic("pool cannot be nil")
	}
	return &Ledger{pool: pool}
}

// EnsureSchema 建表
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create uplink_chunks failed: %w", err)
	}
	return nil
}

// Insert 写入一条记录，重复的 (stream_id, seq) 被忽略。返回是否为新记录
func (l *Ledger) Insert(ctx context.Context, row ChunkRow) (bool, error) {
	tag, err := l.pool.Exec(ctx,
		`INSERT INTO uplink_chunks (stream_id, seq, session_id, length, received_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (stream_id, seq) DO NOTHING`,
		row.StreamID, int64(row.Seq), row.SessionID, row.Length, row.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert chunk %s/%d failed: %w", row.StreamID, row.Seq, err)
	}
	return tag.RowsAffected() == 1, nil
}

// LastSeq 返回流已记录的最大序列号
func (l *Ledger) LastSeq(ctx context.Context, streamID string) (uint64, bool, error) {
	var seq *int64
	err := l.pool.QueryRow(ctx,
		`SELECT MAX(seq) FROM uplink_chunks WHERE stream_id = $1`, streamID).Scan(&seq)
	if err != nil {
		return 0, false, fmt.Errorf("query last seq failed: %w", err)
	}
	if seq == nil {
		return 0, false, nil
	}
	return uint64(*seq), true, nil
}

// Range 按序列号顺序返回 [from, to] 区间内的记录
func (l *Ledger) Range(ctx context.Context, streamID string, from, to uint64) ([]ChunkRow, error) {
	rows, err := l.pool.Query(ctx,
		`SELECT stream_id, seq, session_id, length, received_at
		 FROM uplink_chunks
		 WHERE stream_id = $1 AND seq BETWEEN $2 AND $3
		 ORDER BY seq`,
		streamID, int64(from), int64(to))
	if err != nil {
		return nil, fmt.Errorf("query chunks failed: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (ChunkRow, error) {
		var (
			r   ChunkRow
			seq int64
		)
		if err := row.Scan(&r.StreamID, &seq, &r.SessionID, &r.Length, &r.ReceivedAt); err != nil {
			return ChunkRow{}, err
		}
		r.Seq = uint64(seq)
		return r, nil
	})
}

// CountGaps 统计区间内缺失的序列号数量
func (l *Ledger) CountGaps(ctx context.Context, streamID string) (uint64, error) {
	var (
		minSeq, maxSeq *int64
		count          int64
	)
	err := l.pool.QueryRow(ctx,
		`SELECT MIN(seq), MAX(seq), COUNT(*) FROM uplink_chunks WHERE stream_id = $1`,
		streamID).Scan(&minSeq, &maxSeq, &count)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("query gaps failed: %w", err)
	}
	if err != nil || minSeq == nil {
		return 0, nil
	}
	return uint64(*maxSeq-*minSeq+1-count), nil
}
