package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"LiveUplink/internal/database"
	"LiveUplink/internal/sink"
)

func main() {
	var (
		dir     = flag.String("dir", "./segments", "分段文件目录")
		stream  = flag.String("stream", "", "流 id")
		entries = flag.Int("entries", 20, "打印的索引条目数，0 表示全部，负数表示不打印")
		dsn     = flag.String("dsn", "", "可选：与 PostgreSQL 台账对账")
	)
	flag.Parse()

	if *stream == "" {
		fmt.Fprintln(os.Stderr, "必须指定 -stream")
		flag.Usage()
		os.Exit(2)
	}

	idxPath := sink.IndexPath(*dir, *stream)
	index, err := sink.ReadIndex(idxPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取索引失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("📂 分段: %s\n", sink.SegmentPath(*dir, *stream))
	fmt.Printf("📇 索引: %s (%d 条)\n", idxPath, len(index))
	printIndex(index, *entries)

	report, err := sink.Verify(*dir, *stream)
	if err != nil {
		fmt.Fprintf(os.Stderr, "校验失败: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Printf("🔍 帧数: %d, 索引: %d, 字节: %d\n", report.Frames, report.Indexed, report.Bytes)
	fmt.Printf("   序列号: %d..%d, 空洞: %d\n", report.FirstSeq, report.LastSeq, report.Gaps)

	ok := report.OK()
	for _, m := range report.Mismatches {
		fmt.Printf("   ❌ %s\n", m)
	}

	if *dsn != "" {
		if !reconcile(*dsn, *stream, report) {
			ok = false
		}
	}

	if !ok {
		os.Exit(1)
	}
	fmt.Println("✅ 校验通过")
}

func printIndex(index []sink.IndexEntry, limit int) {
	if limit < 0 {
		return
	}
	n := len(index)
	if limit > 0 && limit < n {
		n = limit
	}

	fmt.Printf("%10s %12s %10s  %s\n", "SEQ", "OFFSET", "LENGTH", "RECEIVED")
	for _, e := range index[:n] {
		fmt.Printf("%10d %12d %10d  %s\n", e.Seq, e.Offset, e.Length, e.Time().Format(time.RFC3339Nano))
	}
	if n < len(index) {
		fmt.Printf("... %d more\n", len(index)-n)
	}
}

// reconcile 对比分段文件与数据库台账
func reconcile(dsn, streamID string, report sink.VerifyReport) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.Connect(ctx, dsn, nil, zap.NewNop())
	if err != nil {
		fmt.Fprintf(os.Stderr, "连接数据库失败: %v\n", err)
		return false
	}
	defer pool.Close()

	ledger := database.NewLedger(pool)
	rows, err := ledger.Range(ctx, streamID, report.FirstSeq, report.LastSeq)
	if err != nil {
		fmt.Fprintf(os.Stderr, "查询台账失败: %v\n", err)
		return false
	}
	gaps, err := ledger.CountGaps(ctx, streamID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "统计空洞失败: %v\n", err)
		return false
	}

	fmt.Println()
	fmt.Printf("🗄️  台账: %d 行, 空洞: %d, 连接池: %v\n", len(rows), gaps, database.PoolStats(pool))

	ok := true
	if len(rows) != report.Frames {
		fmt.Printf("   ❌ 台账 %d 行，分段 %d 帧\n", len(rows), report.Frames)
		ok = false
	}
	if gaps != report.Gaps {
		fmt.Printf("   ❌ 台账空洞 %d，分段空洞 %d\n", gaps, report.Gaps)
		ok = false
	}
	return ok
}
