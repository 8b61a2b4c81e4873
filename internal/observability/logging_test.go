package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestNewLogger_Levels(t *testing.T) {
	tests := []struct {
		level     string
		wantDebug bool
		wantInfo  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, false},
		{"invalid", false, true},
		{"", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Level: tt.level, Format: "json", Output: &buf})
			logger.Debug("debug message")
			logger.Info("info message")

			out := buf.String()
			if got := strings.Contains(out, "debug message"); got != tt.wantDebug {
				t.Errorf("debug logged = %v, want %v", got, tt.wantDebug)
			}
			if got := strings.Contains(out, "info message"); got != tt.wantInfo {
				t.Errorf("info logged = %v, want %v", got, tt.wantInfo)
			}
		})
	}
}

func TestRedactingHandler_MasksSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	key := "sk-" + strings.Repeat("a", 48)
	logger.Info("calling provider with "+key,
		"api_key", "plain-value",
		"header", "Bearer abcdefghijklmnopqrstuvwxyz",
		"error", errors.New("request failed for "+key),
	)

	out := buf.String()
	if strings.Contains(out, key) {
		t.Errorf("openai key leaked: %s", out)
	}
	if strings.Contains(out, "plain-value") {
		t.Errorf("sensitive key not redacted: %s", out)
	}
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz") {
		t.Errorf("bearer token leaked: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker: %s", out)
	}
}

func TestRedactingHandler_ContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := AddRunID(context.Background(), "run-1")
	ctx = AddMode(ctx, "agent")
	ctx = AddMetaID(ctx, 42)
	logger.With("component", "runner").InfoContext(ctx, "started")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Unmarshal() error = %v (%s)", err, buf.String())
	}
	if record["run_id"] != "run-1" {
		t.Errorf("run_id = %v", record["run_id"])
	}
	if record["mode"] != "agent" {
		t.Errorf("mode = %v", record["mode"])
	}
	if record["ctx_id"] != float64(42) {
		t.Errorf("ctx_id = %v", record["ctx_id"])
	}
	if record["component"] != "runner" {
		t.Errorf("component = %v", record["component"])
	}
	if GetRunID(ctx) != "run-1" {
		t.Errorf("GetRunID() = %q", GetRunID(ctx))
	}
}

func TestLogLevelFromString(t *testing.T) {
	if LogLevelFromString("WARNING").String() != "WARN" {
		t.Errorf("WARNING parsed as %v", LogLevelFromString("WARNING"))
	}
	if LogLevelFromString("nope").String() != "INFO" {
		t.Errorf("unknown level parsed as %v", LogLevelFromString("nope"))
	}
}
