package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/hupe1980/segtable"
	"github.com/hupe1980/segtable/blobstore"
	"github.com/hupe1980/segtable/config"
)

type env struct {
	file *config.File
	dir  string
}

func loadEnv(configPath, dir string) (*env, error) {
	f := &config.File{}
	if configPath != "" {
		var err error
		if f, err = config.Load(configPath); err != nil {
			return nil, err
		}
	}
	if dir == "" {
		dir = f.Dir
	}
	return &env{file: f, dir: dir}, nil
}

type cli struct {
	env    *env
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func (c *cli) open() (*segtable.Table, error) {
	if c.env.dir == "" {
		return nil, errors.New("no table directory: set -dir, SEGTABLE_DIR or dir in the config file")
	}
	opts, err := c.env.file.Options()
	if err != nil {
		return nil, err
	}
	return segtable.Open(c.env.dir, opts...)
}

func (c *cli) store(ctx context.Context) (blobstore.BlobStore, error) {
	if c.env.file.Backup == nil {
		return nil, errors.New("no backup target in the config file")
	}
	return c.env.file.Backup.Open(ctx)
}

func (c *cli) printJSON(v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// withTable opens the table, runs fn and closes the table. The close error
// is reported when fn succeeded.
func (c *cli) withTable(fn func(tbl *segtable.Table) error) (err error) {
	tbl, err := c.open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := tbl.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(tbl)
}

func (c *cli) stats(_ context.Context, args []string) error {
	if err := c.flags("stats").Parse(args); err != nil {
		return err
	}
	return c.withTable(func(tbl *segtable.Table) error {
		st, err := tbl.Stats()
		if err != nil {
			return err
		}
		return c.printJSON(st)
	})
}

func (c *cli) compact(ctx context.Context, args []string) error {
	if err := c.flags("compact").Parse(args); err != nil {
		return err
	}
	return c.withTable(func(tbl *segtable.Table) error {
		rounds := 0
		for {
			converted, err := tbl.Compact(ctx)
			if err != nil {
				return err
			}
			if err := tbl.WaitIdle(ctx); err != nil {
				return err
			}
			if !converted {
				break
			}
			rounds++
		}
		fmt.Fprintf(c.stdout, "compaction rounds: %d, segments: %d\n", rounds, tbl.NumSegments())
		return nil
	})
}

func (c *cli) dump(ctx context.Context, args []string) error {
	fs := c.flags("dump")
	indexName := fs.String("index", "", "walk this index (comma joined fields) instead of the store")
	reverse := fs.Bool("reverse", false, "iterate backwards")
	limit := fs.Int("limit", 0, "stop after this many rows (0 means all)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.withTable(func(tbl *segtable.Table) error {
		w := bufio.NewWriter(c.stdout)
		n := 0
		done := func() bool {
			n++
			return *limit > 0 && n >= *limit
		}
		if *indexName == "" {
			it, err := c.storeIter(tbl, *reverse)
			if err != nil {
				return err
			}
			defer func() { _ = it.Close() }()
			for ctx.Err() == nil {
				id, row, ok := it.Next()
				if !ok {
					break
				}
				fmt.Fprintf(w, "%d\t%s\n", id, tbl.Config().Row.ToJSON(row))
				if done() {
					break
				}
			}
			return w.Flush()
		}

		indexID, err := tbl.IndexID(*indexName)
		if err != nil {
			return err
		}
		it, err := c.indexIter(tbl, indexID, *reverse)
		if err != nil {
			return err
		}
		defer func() { _ = it.Close() }()
		keySchema := tbl.Config().Indexes[indexID].Key
		var row []byte
		for ctx.Err() == nil {
			id, key, ok := it.Next()
			if !ok {
				break
			}
			row, err = tbl.GetValueAppend(id, row[:0])
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "%d\t%s\t%s\n", id, keySchema.ToJSON(key), tbl.Config().Row.ToJSON(row))
			if done() {
				break
			}
		}
		return w.Flush()
	})
}

func (c *cli) storeIter(tbl *segtable.Table, reverse bool) (*segtable.StoreIterator, error) {
	if reverse {
		return tbl.NewStoreIterBackward()
	}
	return tbl.NewStoreIterForward()
}

func (c *cli) indexIter(tbl *segtable.Table, indexID int, reverse bool) (*segtable.IndexIterator, error) {
	if reverse {
		return tbl.NewIndexIterBackward(indexID)
	}
	return tbl.NewIndexIterForward(indexID)
}

func (c *cli) insert(ctx context.Context, args []string) error {
	fs := c.flags("insert")
	keepGoing := fs.Bool("keep-going", false, "report failed rows and continue")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return c.withTable(func(tbl *segtable.Table) error {
		sc := bufio.NewScanner(c.stdin)
		sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
		line, failed := 0, 0
		for sc.Scan() {
			line++
			text := bytes.TrimSpace(sc.Bytes())
			if len(text) == 0 {
				continue
			}
			dec := json.NewDecoder(bytes.NewReader(text))
			dec.UseNumber()
			var values map[string]any
			err := dec.Decode(&values)
			var id int64
			if err == nil {
				id, err = tbl.Insert(ctx, values)
			}
			if err != nil {
				if !*keepGoing {
					return fmt.Errorf("line %d: %w", line, err)
				}
				failed++
				fmt.Fprintf(c.stderr, "line %d: %v\n", line, err)
				continue
			}
			fmt.Fprintln(c.stdout, id)
		}
		if err := sc.Err(); err != nil {
			return err
		}
		if err := tbl.Flush(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d rows failed", failed)
		}
		return nil
	})
}

func (c *cli) backup(ctx context.Context, args []string) error {
	fs := c.flags("backup")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: backup <name>")
	}
	store, err := c.store(ctx)
	if err != nil {
		return err
	}
	return c.withTable(func(tbl *segtable.Table) error {
		info, err := tbl.Backup(ctx, store, fs.Arg(0))
		if err != nil {
			return err
		}
		return c.printJSON(info)
	})
}

func (c *cli) backups(ctx context.Context, args []string) error {
	if err := c.flags("backups").Parse(args); err != nil {
		return err
	}
	store, err := c.store(ctx)
	if err != nil {
		return err
	}
	list, err := segtable.ListBackups(ctx, store)
	if err != nil {
		return err
	}
	return c.printJSON(list)
}

func (c *cli) restore(ctx context.Context, args []string) error {
	fs := c.flags("restore")
	version := fs.Uint64("version", 0, "manifest version to restore (0 means current)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: restore [-version n] <dir>")
	}
	store, err := c.store(ctx)
	if err != nil {
		return err
	}
	opts, err := c.env.file.Options()
	if err != nil {
		return err
	}
	tbl, err := segtable.RestoreVersion(ctx, store, *version, fs.Arg(0), opts...)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "restored %d rows into %s\n", tbl.NumRows(), tbl.Dir())
	return tbl.Close()
}
