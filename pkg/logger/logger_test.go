package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := log
	buf := &bytes.Buffer{}
	log = zerolog.New(buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log = prev })
	return buf
}

func TestCronLogger_Error(t *testing.T) {
	buf := captureOutput(t)

	CronLogger().Error(errors.New("boom"), "job failed", "entry", 3, 42, "ignored")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["message"] != "job failed" {
		t.Errorf("message = %v, expected job failed", entry["message"])
	}
	if entry["error"] != "boom" {
		t.Errorf("error = %v, expected boom", entry["error"])
	}
	if entry["entry"] != float64(3) {
		t.Errorf("entry = %v, expected 3", entry["entry"])
	}
	if entry["level"] != "error" {
		t.Errorf("level = %v, expected error", entry["level"])
	}
}

func TestCronLogger_InfoIsDebugLevel(t *testing.T) {
	buf := captureOutput(t)
	log = log.Level(zerolog.InfoLevel)

	CronLogger().Info("skip", "now", "x")

	if buf.Len() != 0 {
		t.Errorf("expected cron info to be suppressed at info level, got %s", buf.String())
	}
}

func TestInit_InvalidLevelFallsBackToInfo(t *testing.T) {
	prev := log
	defer func() { log = prev }()

	Init("nonsense")
	if got := log.GetLevel(); got != zerolog.InfoLevel {
		t.Errorf("level = %v, expected info", got)
	}
}

func TestInit_AddsServiceField(t *testing.T) {
	prev := log
	defer func() { log = prev }()

	buf := &bytes.Buffer{}
	setOutput(buf, zerolog.InfoLevel)
	Info().Msg("hello")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["service"] != serviceName {
		t.Errorf("service = %v, expected %s", entry["service"], serviceName)
	}
}

func TestWith_TagsChildLogger(t *testing.T) {
	buf := captureOutput(t)

	child := With(map[string]string{"component": "asynq"})
	child.Warn().Msg("tagged")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "asynq" {
		t.Errorf("component = %v, expected asynq", entry["component"])
	}
}
