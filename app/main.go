package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/umputun/prefkeeper/app/journal"
	"github.com/umputun/prefkeeper/app/keyqueue"
	"github.com/umputun/prefkeeper/app/maintenance"
	"github.com/umputun/prefkeeper/app/notify"
	"github.com/umputun/prefkeeper/app/plan"
	"github.com/umputun/prefkeeper/app/prefs"
	"github.com/umputun/prefkeeper/app/store"
	"github.com/umputun/prefkeeper/app/web"
)

var opts struct {
	DataDir   string  `short:"d" long:"data" env:"PREFKEEPER_DATA" default:"var" description:"data directory"`
	Listen    string  `short:"l" long:"listen" env:"PREFKEEPER_LISTEN" default:"127.0.0.1:8080" description:"listen address"`
	UsersFile string  `short:"u" long:"users" env:"PREFKEEPER_USERS" default:"users.yml" description:"users file"`
	PlansFile string  `short:"p" long:"plans" env:"PREFKEEPER_PLANS" description:"plans file, built-in plans if not set"`
	Sweep     string  `long:"sweep" env:"PREFKEEPER_SWEEP" default:"@hourly" description:"maintenance schedule"`
	SaveRate  float64 `long:"save-rate" env:"PREFKEEPER_SAVE_RATE" default:"10" description:"saves per second allowed from a single ip"`
	Dbg       bool    `long:"dbg" env:"PREFKEEPER_DEBUG" description:"debug mode"`

	Store struct {
		Retries    int           `long:"retries" env:"RETRIES" default:"5" description:"rename attempts with backoff"`
		RetryDelay time.Duration `long:"retry-delay" env:"RETRY_DELAY" default:"20ms" description:"initial rename backoff delay"`
		TempAge    time.Duration `long:"temp-age" env:"TEMP_AGE" default:"1h" description:"age of orphan temp files to remove"`
	} `group:"store" namespace:"store" env-namespace:"PREFKEEPER_STORE"`

	Queue struct {
		MaxPending int `long:"max-pending" env:"MAX_PENDING" default:"0" description:"max pending saves per user, 0 for unlimited"`
	} `group:"queue" namespace:"queue" env-namespace:"PREFKEEPER_QUEUE"`

	Journal struct {
		DB   string `long:"db" env:"DB" description:"journal database, journal.db in data directory if not set"`
		Keep int    `long:"keep" env:"KEEP" default:"100" description:"journal entries to keep per user, 0 to keep all"`
	} `group:"journal" namespace:"journal" env-namespace:"PREFKEEPER_JOURNAL"`

	Notify struct {
		Webhook string        `long:"webhook" env:"WEBHOOK" description:"webhook url for save failure alerts"`
		Headers []string      `long:"header" env:"HEADERS" env-delim:"," description:"webhook headers, name:value"`
		Timeout time.Duration `long:"timeout" env:"TIMEOUT" default:"5s" description:"webhook timeout"`
	} `group:"notify" namespace:"notify" env-namespace:"PREFKEEPER_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"prefkeeper.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log file size in MB"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"10" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max days to keep rotated files"`
		EnabledCompress bool   `long:"compress" env:"COMPRESS" description:"compress rotated files"`
	} `group:"log" namespace:"log" env-namespace:"PREFKEEPER_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("prefkeeper %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT, SIGINT and SIGTERM
	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

// run wires all components and blocks until ctx is done
func run(ctx context.Context) error {
	users, err := web.LoadUsers(opts.UsersFile)
	if err != nil {
		return err
	}

	enricher, err := makeEnricher(ctx)
	if err != nil {
		return err
	}

	if err = os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return fmt.Errorf("can't make data directory %s: %w", opts.DataDir, err)
	}
	files := store.NewFileStore(filepath.Join(opts.DataDir, "prefs"),
		store.NewAtomicWriter(opts.Store.Retries, opts.Store.RetryDelay))
	log.Printf("[INFO] %s", files)

	jr, err := journal.New(journalPath())
	if err != nil {
		return err
	}
	defer func() {
		if err := jr.Close(); err != nil {
			log.Printf("[WARN] can't close journal, %v", err)
		}
	}()

	queue := keyqueue.New(opts.Queue.MaxPending)
	params := prefs.Params{Queue: queue, Store: files, Enricher: enricher, Journal: jr}
	if alerter := notify.New(notify.Params{URL: opts.Notify.Webhook, Headers: opts.Notify.Headers,
		Timeout: opts.Notify.Timeout}); alerter != nil {
		params.Alerter = alerter
	}
	svc, err := prefs.New(params)
	if err != nil {
		return err
	}

	maint := maintenance.Scheduler{Spec: opts.Sweep, Sweeper: files, Pruner: jr, TempAge: opts.Store.TempAge,
		KeepLast: opts.Journal.Keep}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	maintDone := make(chan struct{})
	go func() {
		defer close(maintDone)
		if err := maint.Do(ctx); err != nil {
			log.Printf("[WARN] maintenance disabled, %v", err)
		}
	}()

	srv, err := web.New(web.Config{Prefs: svc, Users: users, History: jr, Stats: files, Queue: queue,
		DataDir: opts.DataDir, Version: revision, SaveRate: opts.SaveRate})
	if err != nil {
		return err
	}
	err = srv.Run(ctx, opts.Listen)
	cancel() // stop maintenance if server failed
	<-maintDone
	return err
}

// makeEnricher loads plans from the plans file and watches it for changes, built-in plans used if no file set
func makeEnricher(ctx context.Context) (*plan.Enricher, error) {
	if opts.PlansFile == "" {
		log.Printf("[INFO] no plans file, using built-in plans")
		return plan.NewEnricher(plan.DefaultConfig())
	}
	cfg, err := plan.Load(opts.PlansFile)
	if err != nil {
		return nil, err
	}
	enricher, err := plan.NewEnricher(cfg)
	if err != nil {
		return nil, err
	}
	if err := enricher.Watch(ctx, opts.PlansFile); err != nil {
		log.Printf("[WARN] plans reload disabled, %v", err)
	}
	return enricher, nil
}

func journalPath() string {
	if opts.Journal.DB != "" {
		return opts.Journal.DB
	}
	return filepath.Join(opts.DataDir, "journal.db")
}

// setupLogs configures lgr and returns the writer used for log output, stdout if file logging is disabled
func setupLogs() io.Writer {
	var out io.Writer = os.Stdout
	if opts.Log.Enabled {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}

	logOpts := []log.Option{log.Msec, log.Out(out), log.Err(out)}
	if opts.Log.Enabled {
		logOpts = []log.Option{log.Msec, log.Out(io.MultiWriter(os.Stdout, out)), log.Err(io.MultiWriter(os.Stderr, out))}
	}
	if opts.Dbg {
		logOpts = append(logOpts, log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			log.Printf("[INFO] %v received, terminating", sig)
			cancel()
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
