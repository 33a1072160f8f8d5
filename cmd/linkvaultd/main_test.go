package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Samyk000/LinkVault-sub000/internal/server"
)

func TestIntEnvParsesValue(t *testing.T) {
	t.Setenv("LINKVAULT_TEST_INT", "42")
	got := intEnv("LINKVAULT_TEST_INT", 7)
	if got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}

func TestIntEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("LINKVAULT_TEST_INT_BAD", "not-a-number")
	got := intEnv("LINKVAULT_TEST_INT_BAD", 7)
	if got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("LINKVAULT_TEST_DURATION", "150ms")
	got := durationEnv("LINKVAULT_TEST_DURATION", time.Second)
	if got != 150*time.Millisecond {
		t.Fatalf("expected 150ms, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("LINKVAULT_TEST_INT_UNSET")
	_ = os.Unsetenv("LINKVAULT_TEST_DURATION_UNSET")

	if got := intEnv("LINKVAULT_TEST_INT_UNSET", 9); got != 9 {
		t.Fatalf("expected fallback 9, got %d", got)
	}
	if got := durationEnv("LINKVAULT_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

func TestBuildStateBackendPrefersExplicitDriver(t *testing.T) {
	t.Setenv("LINKVAULT_STATE_DRIVER", "file")
	t.Setenv("LINKVAULT_STATE_FILE", filepath.Join(t.TempDir(), "state.json"))
	t.Setenv("LINKVAULT_POSTGRES_DSN", "postgres://ignored")

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if _, ok := backend.(*server.FileStateBackend); !ok {
		t.Fatalf("expected file backend, got %T", backend)
	}
}

func TestBuildStateBackendDefaultsToMemory(t *testing.T) {
	t.Setenv("LINKVAULT_STATE_DRIVER", "")
	t.Setenv("LINKVAULT_STATE_FILE", "")
	t.Setenv("LINKVAULT_POSTGRES_DSN", "")

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	if backend != nil {
		t.Fatalf("expected memory-only (nil backend), got %T", backend)
	}
}
