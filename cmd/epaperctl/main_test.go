package main

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	appLog "epaperbridge/internal/log"
)

func TestCronLoggerUsesAppLog(t *testing.T) {
	var buf bytes.Buffer
	appLog.SetOutput(&buf)
	appLog.SetLevel(appLog.LevelDebug)
	defer func() {
		appLog.SetOutput(io.Discard)
		appLog.SetLevel(appLog.LevelInfo)
	}()

	var l cronLogger
	l.Info("skip", "entry", 1)
	l.Error(errors.New("boom"), "panic", "job", "push")

	out := buf.String()
	if !strings.Contains(out, "[DEBUG] cron: skip entry=1") {
		t.Errorf("missing info line: %q", out)
	}
	if !strings.Contains(out, "[ERROR] cron: panic err=boom job=push") {
		t.Errorf("missing error line: %q", out)
	}
}
