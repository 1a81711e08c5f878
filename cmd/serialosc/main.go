// Command serialosc is the single executable that plays every role in this
// project's process topology (SPEC_FULL.md §4.K/§6.1): the supervisor itself,
// its detector child, and its per-device children, distinguished only by
// their first argument.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/wrl/serialosc/config"
	"github.com/wrl/serialosc/detector"
	"github.com/wrl/serialosc/device"
	"github.com/wrl/serialosc/lalog"
	"github.com/wrl/serialosc/supervisor"
)

// version is overwritten at build time via -ldflags "-X main.version=...".
var version = "dev"

var logger = lalog.Logger{ComponentName: "main", ComponentID: []lalog.LoggerIDField{{Key: "PID", Value: os.Getpid()}}}

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		runSupervisor()
		return
	}

	switch args[0] {
	case "-v", "version":
		fmt.Println("serialosc", version)
	case "-d":
		runDetector()
	default:
		runDevice(args[0])
	}
}

func runSupervisor() {
	setProcessTitle("serialosc")
	cfg, err := config.Bootstrap()
	if err != nil {
		logger.Abort("config", err, "failed to load configuration")
		return
	}

	sup := supervisor.New(supervisor.Config{OSCPort: cfg.OSCPort})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(sig, nil, "received signal, shutting down")
		cancel()
	}()

	logger.Info("", nil, "serialosc %s starting, OSC surface on port %d", version, cfg.OSCPort)
	if err := sup.Run(ctx); err != nil {
		logger.Abort("", err, "supervisor exited with an error")
	}
}

func runDetector() {
	setProcessTitle("serialosc [detector]")
	cfg, err := config.Bootstrap()
	if err != nil {
		logger.Abort("config", err, "failed to load configuration")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installShutdownSignal(cancel)

	d := detector.New(cfg.GlobPatterns)
	if err := d.Run(ctx, os.Stdout); err != nil {
		logger.Abort("", err, "detector exited with an error")
	}
}

func runDevice(devnode string) {
	setProcessTitle(fmt.Sprintf("serialosc [%s]", devnode))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installShutdownSignal(cancel)

	dev := device.New(devnode)
	if err := dev.Run(ctx, os.Stdout); err != nil {
		logger.Abort(devnode, err, "device subprocess exited with an error")
	}
}

func installShutdownSignal(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}
