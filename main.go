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

	"circadgo/internal/app"
	"circadgo/internal/config"
	"circadgo/internal/logger"
)

const usage = `usage: circad [-config FILE] [-v] [-ephemeral] COMMAND [ARGS]

commands:
  serve                      run the local HTTP API
  login USER | register USER sign in (password from CIRCAD_PASSWORD or stdin)
  logout                     clear the stored session
  whoami                     print the signed-in user
  upload FILE [-wait]        submit a DCRM trace for analysis
  last                       print the most recent analysis
  forecast ID                print the backend forecast for an analysis
  results [-refresh]         list stored analyses
  dashboard [-window N]      print fleet health figures
  report pdf|csv -ids 1,2    export a report
  watch DIR                  submit every CSV dropped into DIR
  live                       print live analysis updates
  admin status|reset-all|reset-db|clear-uploads|delete-file ID|delete-analysis ID
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "circad:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	// A missing .env is normal.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("circad", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage) }
	cfgPath := fs.String("config", os.Getenv("CIRCAD_CONFIG"), "config file (json or yaml)")
	verbose := fs.Bool("v", false, "verbose logging")
	ephemeral := fs.Bool("ephemeral", false, "keep session and results in memory only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return flag.ErrHelp
	}
	name, rest := fs.Arg(0), fs.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fs.Usage()
		return fmt.Errorf("unknown command %q", name)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New(cfg.Log, *verbose)

	dbType := os.Getenv("CIRCAD_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	if *ephemeral {
		dbType = app.Ephemeral
	}
	a, err := app.New(ctx, cfg, dbType, log)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Start()

	return cmd(ctx, a, &cli{args: rest, stdin: stdin, out: stdout})
}
