package providers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var ErrInvalidArtifactName = errors.New("invalid artifact name")

// ArtifactStore persists processed outputs under a per-job directory.
type ArtifactStore interface {
	// EnsureJobDir creates the job's output directory and returns its path.
	EnsureJobDir(ctx context.Context, jobID string) (string, error)
	// Write stores data as <root>/<jobID>/<name> and returns the file path.
	Write(ctx context.Context, jobID, name string, data []byte) (string, error)
	// Exists reports whether the artifact is on disk.
	Exists(jobID, name string) bool
	// Remove deletes one artifact. A missing file is not an error.
	Remove(ctx context.Context, jobID, name string) error
	// RemoveJob deletes the job directory and everything in it. A missing
	// directory is not an error.
	RemoveJob(ctx context.Context, jobID string) error
}

type localArtifacts struct {
	rootDir string
}

func NewLocalArtifacts(rootDir string) ArtifactStore {
	return &localArtifacts{rootDir: rootDir}
}

// cleanSegment rejects anything that would leave the job directory.
func cleanSegment(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." || strings.ContainsAny(s, `/\`) || strings.ContainsRune(s, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidArtifactName, s)
	}
	return s, nil
}

func (a *localArtifacts) jobDir(jobID string) (string, error) {
	id, err := cleanSegment(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(a.rootDir, id), nil
}

func (a *localArtifacts) EnsureJobDir(ctx context.Context, jobID string) (string, error) {
	dir, err := a.jobDir(jobID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func (a *localArtifacts) Write(ctx context.Context, jobID, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir, err := a.EnsureJobDir(ctx, jobID)
	if err != nil {
		return "", err
	}
	base, err := cleanSegment(name)
	if err != nil {
		return "", err
	}
	dst := filepath.Join(dir, base)

	// write to a sibling temp file so readers never see a partial artifact
	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	return dst, nil
}

func (a *localArtifacts) Exists(jobID, name string) bool {
	dir, err := a.jobDir(jobID)
	if err != nil {
		return false
	}
	base, err := cleanSegment(name)
	if err != nil {
		return false
	}
	fi, err := os.Stat(filepath.Join(dir, base))
	return err == nil && fi.Mode().IsRegular()
}

func (a *localArtifacts) Remove(ctx context.Context, jobID, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := a.jobDir(jobID)
	if err != nil {
		return err
	}
	base, err := cleanSegment(name)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(dir, base)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (a *localArtifacts) RemoveJob(ctx context.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := a.jobDir(jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}
