package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"epaperbridge/internal/bridge"
	"epaperbridge/internal/config"
	"epaperbridge/internal/epd"
	"epaperbridge/internal/link"
	appLog "epaperbridge/internal/log"
	"epaperbridge/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	device     string
	sim        bool
	simPolls   int
	dumpDir    string
}

// panel is the bus the control loop drives plus the hooks main needs.
type panel interface {
	bridge.Bus
	Reset()
	Err() error
	Close() error
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	if flags.listen != "" {
		conf.Status.Listen = flags.listen
	}
	if flags.device != "" {
		conf.Serial.Device = flags.device
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("epaperd starting",
		"serial", conf.Serial.Device,
		"baud", conf.Serial.Baud,
		"frame_bytes", conf.Layout().FrameBytes(),
		"status", conf.Status.Listen,
		"sim", flags.sim,
		"dump", flags.dumpDir,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	bus, err := openPanel(conf, flags)
	if err != nil {
		appLog.Error("failed to open panel", err)
		os.Exit(1)
	}
	defer bus.Close()

	seq, err := conf.Sequence()
	if err != nil {
		appLog.Error("invalid init sequence", err)
		os.Exit(1)
	}
	bus.Reset()
	epd.Initialize(bus, seq)

	lnk, err := link.Open(conf.Serial.Device, conf.Serial.Baud)
	if err != nil {
		appLog.Error("failed to open serial link", err)
		os.Exit(1)
	}
	defer lnk.Close()

	board := web.NewBoard()
	if conf.Status.Listen != "" {
		go func() {
			if err := web.Serve(ctx, conf, board); err != nil {
				appLog.Error("HTTP server stopped", err)
			}
		}()
	}

	go watch(ctx, cancel, bus, lnk)

	sched := bridge.New(bus, lnk, bridge.Config{
		Layout:    conf.Layout(),
		Timing:    conf.BridgeTiming(),
		IdleSleep: conf.IdleSleep(),
		OnPhase:   board.Set,
	})
	board.Set(sched.Stats())
	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		appLog.Error("bridge stopped", err)
		os.Exit(1)
	}
	st := sched.Stats()
	appLog.Info("epaperd exiting", "frames", st.Frames, "forwarded", st.Forwarded, "dropped", st.Dropped)
}

// watch stops the daemon once the serial link or the SPI bus has failed.
func watch(ctx context.Context, cancel context.CancelFunc, bus panel, lnk *link.Serial) {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := lnk.Err(); err != nil {
			appLog.Error("serial link lost", err)
			cancel()
			return
		}
		if err := bus.Err(); err != nil {
			appLog.Error("panel bus failed", err)
			cancel()
			return
		}
	}
}

func openPanel(conf *config.Config, flags flagConfig) (panel, error) {
	if flags.sim || flags.dumpDir != "" {
		return &simPanel{Recorder: &epd.Recorder{BusyPolls: flags.simPolls, DumpDir: flags.dumpDir}}, nil
	}
	dev, err := epd.Open(epd.Options{
		Port:      conf.SPI.Port,
		SpeedHz:   conf.SPI.SpeedHz,
		Pins:      conf.PinMap(),
		ResetHold: conf.ResetHold(),
	})
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// simPanel is a Recorder standing in for the hardware.
type simPanel struct {
	*epd.Recorder
}

func (simPanel) Reset()       {}
func (simPanel) Err() error   { return nil }
func (simPanel) Close() error { return nil }

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", config.DefaultPath, "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP status listen address (overrides config if set)")
	flag.StringVar(&cfg.device, "device", "", "Serial device (overrides config if set)")
	flag.BoolVar(&cfg.sim, "sim", false, "Drive a simulated panel instead of the SPI hardware")
	flag.IntVar(&cfg.simPolls, "sim-busy-polls", 3, "Status queries the simulated panel answers busy after a refresh")
	flag.StringVar(&cfg.dumpDir, "dump", "", "Write every received plane to this directory (implies -sim)")

	flag.Parse()

	return cfg
}
