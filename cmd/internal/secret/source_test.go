package secret

import (
	"os"
	"path/filepath"
	"testing"
)

const testEnv = "ESCROW_SECRET_SOURCE_TEST"

func TestSourcePrefersEnvironment(t *testing.T) {
	t.Setenv(testEnv, "from-env")
	src := NewSource(testEnv, "secret: ")
	value, err := src.Get()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if value != "from-env" {
		t.Fatalf("unexpected value %q", value)
	}

	t.Setenv(testEnv, "changed")
	if cached, _ := src.Get(); cached != "from-env" {
		t.Fatalf("expected cached value, got %q", cached)
	}
}

func TestSourceRejectsEmptyEnvironment(t *testing.T) {
	t.Setenv(testEnv, "  ")
	if _, err := NewSource(testEnv, "").Get(); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestSourceWithoutTerminal(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "stdin"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	src := NewSource("", "")
	src.stdin = f
	if _, err := src.Get(); err == nil {
		t.Fatalf("expected error without terminal")
	}
}
