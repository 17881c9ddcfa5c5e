package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// StreamAssertions 对接收端观测到的序列号做断言
type StreamAssertions struct {
	t *testing.T
}

// NewStreamAssertions 创建断言工具
func NewStreamAssertions(t *testing.T) *StreamAssertions {
	return &StreamAssertions{t: t}
}

// AssertStrictlyIncreasing 断言序列号严格递增（无重复、无乱序）
func (sa *StreamAssertions) AssertStrictlyIncreasing(seqs []uint64) {
	sa.t.Helper()

	for i := 1; i < len(seqs); i++ {
		if !assert.Greater(sa.t, seqs[i], seqs[i-1],
			"sequence not strictly increasing at index %d: %d after %d", i, seqs[i], seqs[i-1]) {
			return
		}
	}
	sa.t.Logf("sequence check passed: %d chunks", len(seqs))
}

// AssertContiguous 断言序列号为 from..to 的连续区间
func (sa *StreamAssertions) AssertContiguous(seqs []uint64, from, to uint64) {
	sa.t.Helper()

	require.Len(sa.t, seqs, int(to-from+1), "unexpected chunk count")
	for i, seq := range seqs {
		require.Equal(sa.t, from+uint64(i), seq, "missing or reordered chunk at index %d", i)
	}
}

// AssertSubsequenceOf 断言 seqs 是 all 的有序子序列
func (sa *StreamAssertions) AssertSubsequenceOf(seqs, all []uint64) {
	sa.t.Helper()

	j := 0
	for _, seq := range seqs {
		for j < len(all) && all[j] != seq {
			j++
		}
		if !assert.Less(sa.t, j, len(all), "seq %d not found in order", seq) {
			return
		}
		j++
	}
}

// AssertBackoffCeilings 断言退避上限单调不减且不超过 cap
func (sa *StreamAssertions) AssertBackoffCeilings(ceilings []time.Duration, cap time.Duration) {
	sa.t.Helper()

	for i, c := range ceilings {
		assert.LessOrEqual(sa.t, c, cap, "ceiling %d exceeds cap", i)
		if i > 0 {
			assert.GreaterOrEqual(sa.t, c, ceilings[i-1], "ceiling %d decreased", i)
		}
	}
}

// AssertBackoffDelays 断言每次延迟都在 [0, ceiling] 内
func (sa *StreamAssertions) AssertBackoffDelays(delays, ceilings []time.Duration) {
	sa.t.Helper()

	require.Len(sa.t, delays, len(ceilings))
	for i := range delays {
		assert.GreaterOrEqual(sa.t, delays[i], time.Duration(0))
		assert.LessOrEqual(sa.t, delays[i], ceilings[i], "delay %d above its ceiling", i)
	}
}
