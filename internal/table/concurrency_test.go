package table

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/segtable/internal/segment"
)

// Duplicate keys must stay rejected while background conversion rewrites
// the frozen segments the duplicate check reads.
func TestConcurrentInsertsDuringCompaction(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxWrSegSize = 256
	tbl, err := Create(filepath.Join(t.TempDir(), "tbl"), cfg, Options{CompactionWorkers: 2})
	require.NoError(t, err)
	defer func() { _ = tbl.Close() }()

	const (
		writers = 4
		keys    = 300
	)
	rows := make([][][]byte, writers)
	for w := range rows {
		for k := 0; k < keys; k++ {
			rows[w] = append(rows[w], encode(t, tbl, k, w, "payload-payload"))
		}
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners = map[int]int64{}
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Every writer races for every key.
			for k := 0; k < keys; k++ {
				id, err := tbl.InsertRow(rows[w][k])
				if err != nil {
					if !errors.Is(err, segment.ErrDuplicate) {
						t.Errorf("insert %d: %v", k, err)
					}
					continue
				}
				mu.Lock()
				if prev, dup := winners[k]; dup {
					t.Errorf("key %d inserted twice: ids %d and %d", k, prev, id)
				}
				winners[k] = id
				mu.Unlock()
			}
		}()
	}

	// A reader keeps scanning, which makes conversions back off and retry.
	stop := make(chan struct{})
	var scans sync.WaitGroup
	scans.Add(1)
	go func() {
		defer scans.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			it, err := tbl.NewIndexIterForward(0)
			if err != nil {
				return
			}
			prev := []byte(nil)
			for {
				_, key, ok := it.Next()
				if !ok {
					break
				}
				if prev != nil && tbl.Config().Indexes[0].Key.CompareData(prev, key) > 0 {
					t.Errorf("index iteration out of order")
				}
				prev = append(prev[:0], key...)
			}
			_ = it.Close()
			time.Sleep(time.Millisecond)
		}
	}()

	wg.Wait()
	close(stop)
	scans.Wait()
	assert.Len(t, winners, keys)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for {
		ok, err := tbl.Compact(ctx)
		require.NoError(t, err)
		require.NoError(t, tbl.WaitIdle(ctx))
		if !ok {
			break
		}
	}

	for k := 0; k < keys; k++ {
		ids, err := tbl.IndexSearchExact(0, indexKey(t, tbl, 0, k, 0))
		require.NoError(t, err)
		require.Equal(t, []int64{winners[k]}, ids, "key %d", k)
	}
	st, err := tbl.Stats()
	require.NoError(t, err)
	assert.Equal(t, int64(keys), st.LiveRows)
	assert.Greater(t, len(st.Segments), 2)
}
