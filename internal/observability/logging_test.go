package observability

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("run started", "run_id", "r1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, buf.String())
	}
	if record["msg"] != "run started" {
		t.Fatalf("msg = %v", record["msg"])
	}
	if record["run_id"] != "r1" {
		t.Fatalf("run_id = %v", record["run_id"])
	}
}

func TestNewLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("noise")
	logger.Info("more noise")
	logger.Warn("kept")

	out := buf.String()
	if strings.Contains(out, "noise") {
		t.Fatalf("low-severity records leaked: %s", out)
	}
	if !strings.Contains(out, "kept") {
		t.Fatalf("warn record missing: %s", out)
	}
}

func TestParseLevelDefaultsToInfo(t *testing.T) {
	if got := parseLevel("bogus"); got != slog.LevelInfo {
		t.Fatalf("parseLevel = %v, want info", got)
	}
}

func TestNewMetricsRegistersAll(t *testing.T) {
	m, handler := NewMetrics()
	if handler == nil {
		t.Fatal("nil scrape handler")
	}
	// Touch a few collectors so registration mistakes surface as panics.
	m.RunCounter.WithLabelValues("manual", "success").Inc()
	m.MonitorDecisions.WithLabelValues("wait").Inc()
	m.ActiveConnections.Inc()
	m.FunnelEvents.WithLabelValues("signup_start").Inc()
}
