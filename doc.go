// Package segtable provides an embedded, segmented row table with secondary
// indexes for Go.
//
// Rows are appended to a writable segment that keeps its data and indexes
// in memory-friendly structures. When the writable segment is full it is
// frozen and a background worker converts it into a compressed readonly
// segment with sorted or hash indexes. Row ids are global, grow
// monotonically and survive conversion.
//
// # Quick Start
//
//	cfg, _ := schema.NewConfig([]schema.Column{
//	    {Name: "id", Type: schema.Uint64},
//	    {Name: "name", Type: schema.Binary},
//	}, []schema.IndexSpec{
//	    {Fields: []string{"id"}, Ordered: true, Unique: true},
//	})
//
//	tbl, _ := segtable.Open("./data", segtable.WithSchema(cfg))
//	defer tbl.Close()
//
//	id, _ := tbl.Insert(ctx, map[string]any{"id": 1, "name": "alice"})
//	row, _ := tbl.Get(id)
//
// Open creates the table when the directory holds none and WithSchema is
// given. Re-opening reads the schema persisted in dbmeta.json.
//
// # Unique Indexes
//
// Inserting a row whose key already exists in a unique index fails with an
// error matching ErrDuplicate. The error is an *ErrDuplicateKey naming the
// index and the key:
//
//	var dup *segtable.ErrDuplicateKey
//	if errors.As(err, &dup) {
//	    fmt.Println(dup.Index, dup.Key)
//	}
//
// # Iteration
//
// Store iterators walk live rows in id order, index iterators walk the
// entries of one index merged across segments. Both see rows appended while
// they are open. Background conversion backs off while iterators are open,
// so close them promptly:
//
//	for id, row := range tbl.All() {
//	    fmt.Println(id, tbl.Config().Row.ToJSON(row))
//	}
//
// # Backup and Restore
//
// Backup uploads a consistent snapshot to any blobstore.BlobStore and
// commits a manifest. Restore downloads and verifies the files and opens
// the table:
//
//	store, _ := s3.New(ctx, "my-bucket", s3.WithPrefix("tables/users/"))
//	_, _ = tbl.Backup(ctx, store, "nightly-2026-10-14")
//	restored, _ := segtable.Restore(ctx, store, "./restored")
//
// # Observability
//
// WithLogger attaches a structured slog logger, WithMetricsCollector records
// operation latencies and WithMetricsObserver receives background flush and
// conversion events. The metrics/prometheus package implements both
// interfaces.
package segtable
