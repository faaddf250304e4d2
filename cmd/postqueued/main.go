package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"postqueue/internal/app"
)

func main() {
	var (
		cfgPath    string
		workerOnly bool
		beatOnly   bool
		drain      time.Duration
	)
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.BoolVar(&workerOnly, "worker", false, "run only the worker role")
	flag.BoolVar(&beatOnly, "beat", false, "run only the beat role")
	flag.DurationVar(&drain, "drain-timeout", 30*time.Second, "max time to wait for in-flight tasks on shutdown")
	flag.Parse()

	// No role flag means run everything in one process.
	opts := app.Options{Worker: true, Beat: true}
	if workerOnly || beatOnly {
		opts = app.Options{Worker: workerOnly, Beat: beatOnly}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), drain)
	_ = a.Stop(stopCtx)
	stopCancel()

	if err := a.Err(); err != nil && ctx.Err() == nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
