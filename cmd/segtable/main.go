// Command segtable inspects and maintains segtable tables.
//
// Usage:
//
//	segtable [-config file] [-dir dir] <command> [flags] [args]
//
// Commands:
//
//	stats              print the table summary as JSON
//	compact            convert frozen segments and wait for the workers
//	dump               print live rows as JSON lines
//	insert             insert JSON objects read from stdin
//	backup <name>      back the table up to the configured store
//	backups            list the backups in the configured store
//	restore <dir>      restore the current backup into dir
//
// A .env file in the working directory is loaded first. SEGTABLE_CONFIG and
// SEGTABLE_DIR provide defaults for -config and -dir.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load() // Intentionally ignore: .env is optional

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "segtable:", err)
		}
		os.Exit(1)
	}
}

func usage(w io.Writer, fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintln(w, "Usage: segtable [-config file] [-dir dir] <command> [flags] [args]")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Commands: stats, compact, dump, insert, backup, backups, restore")
		fmt.Fprintln(w)
		fs.PrintDefaults()
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("segtable", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = usage(stderr, fs)
	configPath := fs.String("config", os.Getenv("SEGTABLE_CONFIG"), "YAML config file (env SEGTABLE_CONFIG)")
	dir := fs.String("dir", os.Getenv("SEGTABLE_DIR"), "table directory, overrides the config file (env SEGTABLE_DIR)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}

	env, err := loadEnv(*configPath, *dir)
	if err != nil {
		return err
	}
	c := &cli{env: env, stdin: stdin, stdout: stdout, stderr: stderr}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "stats":
		return c.stats(ctx, rest)
	case "compact":
		return c.compact(ctx, rest)
	case "dump":
		return c.dump(ctx, rest)
	case "insert":
		return c.insert(ctx, rest)
	case "backup":
		return c.backup(ctx, rest)
	case "backups":
		return c.backups(ctx, rest)
	case "restore":
		return c.restore(ctx, rest)
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q", cmd)
}
