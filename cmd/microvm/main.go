//go:build linux

// Command microvm boots a single Linux guest from a machine description
// file and exposes the JSON control channel on a Unix socket.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/microvm/internal/config"
	"github.com/tinyrange/microvm/internal/machine"
	"github.com/tinyrange/microvm/internal/mainloop"
	"github.com/tinyrange/microvm/internal/qmp"
	"golang.org/x/term"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func setupLogging() {
	level := slog.LevelInfo
	switch getenv("LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func run() error {
	configPath := flag.String("config", "", "machine description file (YAML)")
	qmpPath := flag.String("qmp", getenv("MICROVM_QMP_SOCKET", ""), "control channel Unix socket path")
	startPaused := flag.Bool("paused", false, "create the machine but hold every vCPU until cont")
	flag.Parse()

	if *configPath == "" {
		return fmt.Errorf("a -config file is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	vm, err := machine.New(cfg)
	if err != nil {
		return err
	}

	if err := vm.Realize(); err != nil {
		return err
	}

	loop, err := mainloop.New()
	if err != nil {
		return err
	}
	defer loop.Close()

	if err := loop.AddFd(vm.PowerButtonFd(), vm.DrainPowerButton); err != nil {
		return err
	}

	if *qmpPath != "" {
		server, err := qmp.NewServer(*qmpPath, vm)
		if err != nil {
			return err
		}
		defer server.Close()
		go func() {
			if err := server.Serve(); err != nil {
				slog.Error("qmp server", "error", err)
			}
		}()
	}

	if cfg.Serial != nil && cfg.Serial.Stdio {
		stdinFd := int(os.Stdin.Fd())
		if term.IsTerminal(stdinFd) {
			oldState, err := term.MakeRaw(stdinFd)
			if err != nil {
				return fmt.Errorf("set raw terminal: %w", err)
			}
			defer term.Restore(stdinFd, oldState)
		}

		go func() {
			buf := make([]byte, 64)
			for {
				n, err := os.Stdin.Read(buf)
				if n > 0 {
					if err := vm.SerialInput(buf[:n]); err != nil {
						slog.Warn("serial input", "error", err)
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}

	if !vm.Start(*startPaused) {
		return fmt.Errorf("machine failed to start")
	}

	return loop.Run(vm)
}

func main() {
	setupLogging()

	if err := run(); err != nil {
		slog.Error("microvm", "error", err)
		os.Exit(1)
	}
}
