package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"epaperbridge/internal/capture"
	"epaperbridge/internal/client"
	"epaperbridge/internal/convert"
	appLog "epaperbridge/internal/log"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	device   string
	baud     int
	image    string
	url      string
	ready    string
	cronSpec string
	timeout  time.Duration
	out      string
	logLevel string
}

func main() {
	flags := parseFlags()
	appLog.SetLevel(appLog.ParseLevel(flags.logLevel))

	if (flags.image == "") == (flags.url == "") {
		fmt.Fprintln(os.Stderr, "epaperctl: exactly one of -image or -url is required")
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src := source(flags)

	if flags.out != "" {
		if err := writeFrame(ctx, src, flags.out); err != nil {
			appLog.Error("failed to write frame", err, "out", flags.out)
			os.Exit(1)
		}
		return
	}

	c, err := client.Dial(flags.device, flags.baud, flags.timeout)
	if err != nil {
		appLog.Error("failed to connect to bridge", err, "device", flags.device)
		os.Exit(1)
	}
	defer c.Close()

	if flags.cronSpec == "" {
		if err := push(ctx, c, src); err != nil {
			appLog.Error("failed to show frame", err)
			c.Close()
			os.Exit(1)
		}
		return
	}

	if err := schedule(ctx, c, src, flags.cronSpec); err != nil {
		appLog.Error("scheduler failed", err, "cron", flags.cronSpec)
		c.Close()
		os.Exit(1)
	}
}

type imageSource func(ctx context.Context) (image.Image, error)

func source(flags flagConfig) imageSource {
	if flags.image != "" {
		return func(context.Context) (image.Image, error) {
			return loadImage(flags.image)
		}
	}
	return func(ctx context.Context) (image.Image, error) {
		return capture.Image(ctx, capture.Options{
			URL:     flags.url,
			Ready:   flags.ready,
			Timeout: flags.timeout,
		})
	}
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	appLog.Debug("image loaded", "path", path, "format", format, "size", img.Bounds().Size().String())
	return img, nil
}

func push(ctx context.Context, c *client.Client, src imageSource) error {
	img, err := src(ctx)
	if err != nil {
		return err
	}
	return c.Show(img)
}

func writeFrame(ctx context.Context, src imageSource, path string) error {
	img, err := src(ctx)
	if err != nil {
		return err
	}
	frame, err := convert.Frame(img)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, frame, 0o644); err != nil {
		return err
	}
	appLog.Info("frame written", "out", path, "bytes", len(frame))
	return nil
}

// schedule pushes a frame now and then on every cron tick until ctx is done.
// A tick that fires while the previous frame is still being sent is skipped.
func schedule(ctx context.Context, c *client.Client, src imageSource, spec string) error {
	var (
		mu      sync.Mutex
		lastErr error
	)
	job := func() {
		if err := push(ctx, c, src); err != nil {
			appLog.Error("scheduled push failed", err)
			// The bridge is out of step or gone; later frames cannot land.
			if errors.Is(err, client.ErrNotReady) || errors.Is(err, io.EOF) {
				mu.Lock()
				lastErr = err
				mu.Unlock()
			}
		}
	}

	var l cronLogger
	cr := cron.New(cron.WithLogger(l), cron.WithChain(cron.SkipIfStillRunning(l)))
	if _, err := cr.AddFunc(spec, job); err != nil {
		return fmt.Errorf("invalid cron spec: %w", err)
	}
	appLog.Info("scheduled", "cron", spec)
	job()
	cr.Start()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			<-cr.Stop().Done()
			return nil
		case <-tick.C:
		}
		mu.Lock()
		err := lastErr
		mu.Unlock()
		if err != nil {
			<-cr.Stop().Done()
			return err
		}
	}
}

// cronLogger routes the scheduler's own messages through the app log.
type cronLogger struct{}

var _ cron.Logger = cronLogger{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.device, "device", "", "Serial device of the bridge (tries common adapters if empty)")
	flag.IntVar(&cfg.baud, "baud", 2_000_000, "Serial baud rate")
	flag.StringVar(&cfg.image, "image", "", "Image file to show (png, jpeg, gif, bmp, tiff, webp)")
	flag.StringVar(&cfg.url, "url", "", "Web page to capture and show")
	flag.StringVar(&cfg.ready, "ready", "", "CSS selector that marks the page as rendered (default body)")
	flag.StringVar(&cfg.cronSpec, "cron", "", "Cron schedule for repeated pushes, e.g. \"*/15 * * * *\"")
	flag.DurationVar(&cfg.timeout, "timeout", 60*time.Second, "Serial read and page capture timeout")
	flag.StringVar(&cfg.out, "out", "", "Write the packed frame to this file instead of sending it")
	flag.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	flag.Parse()

	return cfg
}
