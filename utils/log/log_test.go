package log

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if _, err := New(level); err != nil {
			t.Fatalf("expected err to be nil for %q, got %v", level, err)
		}
	}

	if _, err := New("not-a-level"); err == nil {
		t.Fatalf("expected err to not be nil")
	}
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()

	if fields := Fields(ctx); len(fields) != 0 {
		t.Fatalf("expected no fields, got %d", len(fields))
	}

	ctx = WithFields(ctx, zap.String("a", "1"))
	ctx = WithFields(ctx, zap.String("b", "2"))

	if fields := Fields(ctx); len(fields) != 2 {
		t.Fatalf("expected 2 fields, got %d", len(fields))
	}
}

func TestContextLogger(t *testing.T) {
	ctx := context.Background()

	if Logger(ctx) != nil {
		t.Fatalf("expected no logger on a bare context")
	}

	logger := zap.NewNop()
	ctx = WithLogger(ctx, logger)

	if Logger(ctx) != logger {
		t.Fatalf("expected the attached logger")
	}
}

func TestLoggerFromContext(t *testing.T) {
	defaultLogger := zap.NewNop()

	logger, ctx := LoggerFromContext(context.Background(), defaultLogger)

	if logger != defaultLogger {
		t.Fatalf("expected the default logger")
	}

	// the default is attached so later extractions agree
	if Logger(ctx) != defaultLogger {
		t.Fatalf("expected the default logger on the returned context")
	}

	attached := zap.NewNop()

	logger, _ = LoggerFromContext(WithLogger(context.Background(), attached), defaultLogger)

	if logger != attached {
		t.Fatalf("expected the attached logger to win")
	}
}
