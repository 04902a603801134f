package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
)

func TestBuildEmitsComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Build(Config{Level: "info", Component: "server"}, &buf)
	log.Info().Msg("started")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["component"] != "server" || line["msg"] != "started" {
		t.Fatalf("line = %v", line)
	}
}

func TestBuildLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := Build(Config{Level: "warn"}, &buf)
	log.Info().Msg("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted at warn level: %s", buf.String())
	}
	log.Warn().Msg("kept")
	if buf.Len() == 0 {
		t.Fatal("warn line suppressed")
	}
}

func TestFromContextCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	log := Build(Config{Level: "info"}, &buf)

	ctx := WithRequestID(context.Background(), "req-7")
	ctx = WithJobID(ctx, 42)

	FromContext(ctx, &log).Info().Msg("work")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["request_id"] != "req-7" {
		t.Fatalf("request_id = %v", line["request_id"])
	}
	if id, ok := line["job_id"].(float64); !ok || int64(id) != 42 {
		t.Fatalf("job_id = %v", line["job_id"])
	}
}

func TestFromContextWithoutParent(t *testing.T) {
	l := FromContext(context.Background(), nil)
	// Must be usable and silent.
	l.Info().Msg("discarded")
}
