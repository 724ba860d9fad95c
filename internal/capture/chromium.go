// Package capture renders web pages into frames for the panel.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/chromedp/chromedp"

	"epaperbridge/internal/convert"
	appLog "epaperbridge/internal/log"
)

// Default capture parameters. The viewport matches the panel so pages are
// captured without scaling.
const (
	DefaultWidth      = convert.Width
	DefaultHeight     = convert.Height
	DefaultReady      = "body"
	DefaultSettle     = 500 * time.Millisecond
	DefaultTimeoutSec = 30
)

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture.
	URL string

	// Width and Height are the viewport dimensions in pixels. If zero,
	// DefaultWidth / DefaultHeight are used.
	Width  int
	Height int

	// Ready is a CSS selector that must be visible before the page counts
	// as rendered, e.g. `[data-ready="true"]`.
	Ready string

	// Settle is an extra delay after Ready for final paints.
	Settle time.Duration

	// Timeout bounds the entire capture operation.
	Timeout time.Duration
}

func (o Options) normalize() (Options, error) {
	if o.URL == "" {
		return o, fmt.Errorf("capture: URL is required")
	}
	if o.Width <= 0 {
		o.Width = DefaultWidth
	}
	if o.Height <= 0 {
		o.Height = DefaultHeight
	}
	if o.Ready == "" {
		o.Ready = DefaultReady
	}
	if o.Settle < 0 {
		o.Settle = 0
	} else if o.Settle == 0 {
		o.Settle = DefaultSettle
	}
	if o.Timeout <= 0 {
		o.Timeout = time.Duration(DefaultTimeoutSec) * time.Second
	}
	return o, nil
}

// PNG launches a headless Chromium instance via chromedp, loads opts.URL,
// waits for opts.Ready and returns a PNG screenshot of the viewport.
func PNG(parentCtx context.Context, opts Options) ([]byte, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	var buf []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
		chromedp.WaitVisible(opts.Ready, chromedp.ByQuery),
		chromedp.Sleep(opts.Settle),
		chromedp.CaptureScreenshot(&buf),
	}
	start := time.Now()
	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}
	appLog.Debug("page captured", "url", opts.URL, "bytes", len(buf), "elapsed", time.Since(start).Round(time.Millisecond))
	return buf, nil
}

// Image captures opts.URL and decodes the screenshot.
func Image(ctx context.Context, opts Options) (image.Image, error) {
	buf, err := PNG(ctx, opts)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("capture: decode screenshot: %w", err)
	}
	return img, nil
}
