package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tickd/internal/app"
	"tickd/internal/lifecycle"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./tickd.yaml", "path to config (yaml or json)")
	flag.Parse()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		_ = a.Stop(context.Background(), lifecycle.StopFatalError)
		os.Exit(1)
	}

	var reason lifecycle.StopReason
	select {
	case s := <-sigs:
		reason = stopReason(s)
	case <-a.Done():
		reason = lifecycle.StopFatalError
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.Stop(ctx, reason); err != nil {
		fmt.Fprintln(os.Stderr, "stop:", err)
		os.Exit(1)
	}
}

func stopReason(s os.Signal) lifecycle.StopReason {
	switch s {
	case syscall.SIGINT:
		return lifecycle.StopSIGINT
	case syscall.SIGTERM:
		return lifecycle.StopSIGTERM
	default:
		return lifecycle.StopUnknown
	}
}
