package table

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkInsertRow(b *testing.B) {
	tbl := newTestTable(b)
	rows := make([][]byte, b.N)
	for i := range rows {
		rows[i] = encode(b, tbl, i, i%16, "benchmark-payload")
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := tbl.InsertRow(rows[i]); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGetValueAppend(b *testing.B) {
	for _, converted := range []bool{false, true} {
		b.Run(fmt.Sprintf("converted=%v", converted), func(b *testing.B) {
			tbl := newTestTable(b)
			const n = 10000
			for i := 0; i < n; i++ {
				mustInsert(b, tbl, i, i%16, "benchmark-payload")
			}
			if converted {
				if err := tbl.Rollover(); err != nil {
					b.Fatal(err)
				}
				if _, err := tbl.Compact(context.Background()); err != nil {
					b.Fatal(err)
				}
				if err := tbl.WaitIdle(context.Background()); err != nil {
					b.Fatal(err)
				}
			}
			var buf []byte
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				var err error
				if buf, err = tbl.GetValueAppend(int64(i%n), buf[:0]); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkIndexSearchExact(b *testing.B) {
	tbl := newTestTable(b)
	const n = 10000
	keys := make([][]byte, n)
	for i := 0; i < n; i++ {
		mustInsert(b, tbl, i, i%16, "benchmark-payload")
		keys[i] = indexKey(b, tbl, 0, i, 0)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ids, err := tbl.IndexSearchExact(0, keys[i%n])
		if err != nil || len(ids) != 1 {
			b.Fatalf("search %d: %v %v", i%n, ids, err)
		}
	}
}

func BenchmarkStoreIterForward(b *testing.B) {
	tbl := newTestTable(b)
	const n = 10000
	for i := 0; i < n; i++ {
		mustInsert(b, tbl, i, i%16, "benchmark-payload")
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		it, err := tbl.NewStoreIterForward()
		if err != nil {
			b.Fatal(err)
		}
		count := 0
		for {
			if _, _, ok := it.Next(); !ok {
				break
			}
			count++
		}
		_ = it.Close()
		if count != n {
			b.Fatalf("iterated %d rows, want %d", count, n)
		}
	}
}
