package providers

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLocalArtifactsWrite(t *testing.T) {
	tmpDir := t.TempDir()

	store := NewLocalArtifacts(tmpDir)
	ctx := context.Background()

	path, err := store.Write(ctx, "job-1", "bw_cat.png", []byte("test content"))
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	want := filepath.Join(tmpDir, "job-1", "bw_cat.png")
	if path != want {
		t.Errorf("Write path = %s, want %s", path, want)
	}
	content, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("Failed to read artifact: %v", err)
	}
	if string(content) != "test content" {
		t.Errorf("Expected content 'test content', got %s", string(content))
	}
	if !store.Exists("job-1", "bw_cat.png") {
		t.Error("Exists() = false after Write")
	}

	entries, _ := os.ReadDir(filepath.Join(tmpDir, "job-1"))
	if len(entries) != 1 {
		t.Errorf("job dir has %d entries, want only the artifact", len(entries))
	}
}

func TestLocalArtifactsOverwrite(t *testing.T) {
	store := NewLocalArtifacts(t.TempDir())
	ctx := context.Background()

	if _, err := store.Write(ctx, "j", "a.png", []byte("first")); err != nil {
		t.Fatal(err)
	}
	path, err := store.Write(ctx, "j", "a.png", []byte("second"))
	if err != nil {
		t.Fatal(err)
	}
	content, _ := os.ReadFile(path)
	if string(content) != "second" {
		t.Errorf("content = %q, want second", content)
	}
}

func TestLocalArtifactsRejectsEscapes(t *testing.T) {
	store := NewLocalArtifacts(t.TempDir())
	ctx := context.Background()

	for _, name := range []string{"", "..", "../evil.png", "a/b.png", `a\b.png`} {
		if _, err := store.Write(ctx, "j", name, []byte("x")); !errors.Is(err, ErrInvalidArtifactName) {
			t.Errorf("Write(%q) error = %v, want ErrInvalidArtifactName", name, err)
		}
		if store.Exists("j", name) {
			t.Errorf("Exists(%q) = true", name)
		}
	}
	if _, err := store.EnsureJobDir(ctx, "../up"); !errors.Is(err, ErrInvalidArtifactName) {
		t.Errorf("EnsureJobDir(../up) error = %v", err)
	}
}

func TestLocalArtifactsEnsureJobDir(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalArtifacts(filepath.Join(tmpDir, "processed_results"))

	dir, err := store.EnsureJobDir(context.Background(), "job-9")
	if err != nil {
		t.Fatalf("EnsureJobDir failed: %v", err)
	}
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		t.Fatalf("job dir not created: %v", err)
	}
	if store.Exists("job-9", "missing.png") {
		t.Error("Exists() = true for missing artifact")
	}
}

func TestLocalArtifactsRemoveJob(t *testing.T) {
	store := NewLocalArtifacts(t.TempDir())
	ctx := context.Background()

	if _, err := store.Write(ctx, "job-1", "bw_a.png", []byte("a")); err != nil {
		t.Fatal(err)
	}
	if err := store.RemoveJob(ctx, "job-1"); err != nil {
		t.Fatalf("RemoveJob() error = %v", err)
	}
	if store.Exists("job-1", "bw_a.png") {
		t.Error("artifact survived RemoveJob")
	}
	if err := store.RemoveJob(ctx, "job-1"); err != nil {
		t.Errorf("RemoveJob(missing) error = %v", err)
	}
	if err := store.RemoveJob(ctx, ".."); err == nil {
		t.Error("RemoveJob(..) should be rejected")
	}
}

func TestLocalArtifactsRemove(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewLocalArtifacts(tmpDir)
	ctx := context.Background()

	for _, name := range []string{"bw_a.png", "bw_b.png"} {
		if _, err := store.Write(ctx, "job-1", name, []byte(name)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Remove(ctx, "job-1", "bw_a.png"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if store.Exists("job-1", "bw_a.png") {
		t.Error("artifact survived Remove")
	}
	if !store.Exists("job-1", "bw_b.png") {
		t.Error("Remove deleted a sibling artifact")
	}
	if err := store.Remove(ctx, "job-1", "bw_a.png"); err != nil {
		t.Errorf("Remove(missing) error = %v", err)
	}
	if err := store.Remove(ctx, "job-1", "../bw_b.png"); !errors.Is(err, ErrInvalidArtifactName) {
		t.Errorf("Remove(../bw_b.png) error = %v, want ErrInvalidArtifactName", err)
	}
}

func TestNewRedisProvider(t *testing.T) {
	client := NewRedisProvider(RedisConfig{Addr: "localhost:6379", Password: "password", DB: 2})
	if client == nil {
		t.Fatal("Expected redis client to be non-nil")
	}
	defer client.Close()

	opts := client.Options()
	if opts.DB != 2 {
		t.Errorf("DB = %d, want 2", opts.DB)
	}
	if opts.DialTimeout != 5*time.Second {
		t.Errorf("DialTimeout = %s, want default 5s", opts.DialTimeout)
	}
}
