// Package localhg is the LocalHg external collaborator: it shells out to
// the hg binary to acquire a working copy (clone or reuse one already on
// disk) and produce an uncompressed bundle-v2 file from it.
package localhg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/softwareheritage/swhg/modules/command"
	"github.com/softwareheritage/swhg/modules/loader"
)

// LocalHg drives the hg binary. The zero value runs plain "hg".
type LocalHg struct {
	// Binary overrides the executable name/path; defaults to "hg".
	Binary string
}

func (l *LocalHg) binary() string {
	if l.Binary == "" {
		return "hg"
	}
	return l.Binary
}

// Bundle implements loader.BundleProducer: clone origin (or reuse
// localDir) into a working copy under workDir, then run `hg bundle --type
// none-v2` against it. Only cloning is subject to cloneTimeout; per §5 the
// clone sub-process gets a hard wall-clock timeout with a 1-second
// graceful-termination window (SIGTERM, then SIGKILL) before the orchestrator
// gives up on the remote entirely.
func (l *LocalHg) Bundle(ctx context.Context, origin, localDir, workDir string, cloneTimeout time.Duration) (string, error) {
	workingCopy := localDir
	if workingCopy == "" {
		workingCopy = filepath.Join(workDir, "repo")
		if err := l.clone(ctx, origin, workingCopy, cloneTimeout); err != nil {
			return "", err
		}
	}

	bundlePath := filepath.Join(workDir, "bundle.hg")
	stderr := command.NewStderr()
	cmd := command.NewFromOptions(ctx, &command.RunOpts{
		RepoPath: workingCopy,
		Stderr:   stderr,
	}, l.binary(), "bundle", "--type", "none-v2", "--all", bundlePath)
	if err := cmd.Run(); err != nil {
		if strings.Contains(stderr.String(), "no changes found") {
			return bundlePath, nil
		}
		return "", fmt.Errorf("localhg: hg bundle: %w (stderr: %s)", err, stderr.String())
	}
	return bundlePath, nil
}

// clone runs `hg clone origin dest`, escalating from SIGTERM to SIGKILL if
// it overruns cloneTimeout. cloneTimeout <= 0 means no timeout.
func (l *LocalHg) clone(parent context.Context, origin, dest string, cloneTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	stderr := command.NewStderr()
	cmd := command.NewFromOptions(ctx, &command.RunOpts{Stderr: stderr}, l.binary(), "clone", origin, dest)
	if err := cmd.Start(); err != nil {
		return &loader.CloneFailureError{URL: origin, Cause: err}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if cloneTimeout > 0 {
		timeout = time.After(cloneTimeout)
	}

	select {
	case err := <-done:
		if err != nil {
			os.RemoveAll(dest)
			return &loader.CloneFailureError{URL: origin, Cause: fmt.Errorf("%w (stderr: %s)", err, stderr.String())}
		}
		return nil
	case <-timeout:
	}

	exitDone := make(chan error, 1)
	go func() { exitDone <- cmd.Exit() }()

	select {
	case <-exitDone:
	case <-time.After(1 * time.Second):
		cancel()
		<-exitDone
	}
	os.RemoveAll(dest)
	return &loader.CloneTimeoutError{URL: origin}
}
