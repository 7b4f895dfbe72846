package log

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContext(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	ctx := WithFields(context.Background(), zap.String("partition", "p1"))
	ctx = WithFields(ctx, zap.String("operation", "Set"))
	WithContext(ctx, logger).Debug("hello")

	entries := logs.All()

	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	fields := entries[0].ContextMap()

	if fields["partition"] != "p1" || fields["operation"] != "Set" {
		t.Fatalf("unexpected fields %#v", fields)
	}
}

func TestWithFieldsDoesNotShareBacking(t *testing.T) {
	base := WithFields(context.Background(), zap.String("a", "1"), zap.String("b", "2"))
	left := WithFields(base, zap.String("c", "left"))
	right := WithFields(base, zap.String("c", "right"))

	if Fields(left)[2].String != "left" {
		t.Fatalf("left fields were overwritten: %#v", Fields(left))
	}

	if Fields(right)[2].String != "right" {
		t.Fatalf("right fields were overwritten: %#v", Fields(right))
	}
}

func TestLoggerFromContext(t *testing.T) {
	defaultLogger := zap.NewNop()
	logger, ctx := LoggerFromContext(context.Background(), defaultLogger)

	if logger != defaultLogger {
		t.Fatal("expected the default logger")
	}

	if Logger(ctx) != defaultLogger {
		t.Fatal("expected the default logger to be attached to the context")
	}

	other := zap.NewExample()
	logger, _ = LoggerFromContext(WithLogger(context.Background(), other), defaultLogger)

	if logger != other {
		t.Fatal("expected the logger from the context")
	}
}
