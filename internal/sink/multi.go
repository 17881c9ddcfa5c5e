package sink

import (
	"context"
	"errors"
)

// Multi 依次写入多个存储
type Multi []Sink

var (
	_ Sink    = Multi(nil)
	_ Resumer = Multi(nil)
)

func (m Multi) Write(ctx context.Context, rec Record) error {
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// LastSeq 取所有可恢复存储中最小的进度，只有全部存储都持有的数据块才算已接收
func (m Multi) LastSeq(ctx context.Context, streamID string) (uint64, bool, error) {
	var (
		min   uint64
		found bool
	)
	for _, s := range m {
		r, ok := s.(Resumer)
		if !ok {
			continue
		}
		seq, has, err := r.LastSeq(ctx, streamID)
		if err != nil {
			return 0, false, err
		}
		if !has {
			return 0, false, nil
		}
		if !found || seq < min {
			min = seq
		}
		found = true
	}
	return min, found, nil
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
