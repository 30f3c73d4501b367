package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vulnscan/vulnscan/internal/apperrors"
)

// killGrace is how long a timed-out scanner gets to exit after SIGTERM
// before it is killed outright.
const killGrace = 5 * time.Second

// stderrExcerptLimit bounds the stderr excerpt carried in TRIVY_ERROR.
const stderrExcerptLimit = 400

// Invoker runs the trivy binary against one image reference at a time.
// The cache directory is shared across workers; trivy serializes its own
// writes to it.
type Invoker struct {
	binaryPath string
	cacheDir   string
	timeout    time.Duration
	log        logrus.FieldLogger
}

func NewInvoker(binaryPath, cacheDir string, timeoutSeconds int, log logrus.FieldLogger) *Invoker {
	return &Invoker{
		binaryPath: binaryPath,
		cacheDir:   cacheDir,
		timeout:    time.Duration(timeoutSeconds) * time.Second,
		log:        log,
	}
}

// Output is the parsed scanner result plus the raw bytes retained for the
// scan record.
type Output struct {
	Report  *Report
	Raw     json.RawMessage
	Version string
}

// Scan launches the scanner subprocess and waits with a deadline so a hung
// pull or analysis never blocks other workers in the process. On deadline
// expiry the child gets SIGTERM, five seconds of grace, then SIGKILL.
func (inv *Invoker) Scan(ctx context.Context, imageRef, outputPath string) (*Output, error) {
	args := []string{
		"image",
		"--format", "json",
		"--output", outputPath,
		"--timeout", strconv.Itoa(int(inv.timeout.Seconds())) + "s",
		"--scanners", "vuln",
		"--cache-dir", inv.cacheDir,
		"--quiet",
		imageRef,
	}

	cmd := exec.Command(inv.binaryPath, args...)
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "TRIVY_CACHE_DIR="+inv.cacheDir)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	inv.log.WithField("image", imageRef).Debug("launching scanner")
	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTrivyError, "failed to launch scanner", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		inv.terminate(cmd, done)
		return nil, apperrors.Wrap(apperrors.CodeTimeout, "scan cancelled", ctx.Err())
	case <-time.After(inv.timeout):
		inv.terminate(cmd, done)
		return nil, apperrors.New(apperrors.CodeTimeout,
			fmt.Sprintf("scanner exceeded %s deadline for %s", inv.timeout, imageRef))
	}

	if waitErr != nil {
		exitCode := -1
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return nil, classifyExit(exitCode, stderr.String())
	}

	raw, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTrivyError, "scanner produced no output file", err)
	}

	report := &Report{}
	if err := json.Unmarshal(raw, report); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTrivyError, "scanner output is not valid JSON", err)
	}

	return &Output{
		Report:  report,
		Raw:     raw,
		Version: strconv.Itoa(report.SchemaVersion),
	}, nil
}

// terminate escalates SIGTERM to SIGKILL and reaps the child either way.
func (inv *Invoker) terminate(cmd *exec.Cmd, done <-chan error) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		inv.log.WithError(err).Warn("failed to signal scanner, killing")
		cmd.Process.Kill()
		<-done
		return
	}
	select {
	case <-done:
	case <-time.After(killGrace):
		inv.log.Warn("scanner ignored SIGTERM, killing")
		cmd.Process.Kill()
		<-done
	}
}

// classifyExit maps a non-zero scanner exit to a domain error from known
// stderr signatures.
func classifyExit(exitCode int, stderr string) *apperrors.Error {
	lower := strings.ToLower(stderr)

	switch {
	case strings.Contains(lower, "could not find image") || strings.Contains(lower, "manifest unknown"):
		return apperrors.New(apperrors.CodeImageNotFound, "image not found in registry")
	case strings.Contains(lower, "unauthorized") || strings.Contains(lower, "denied"):
		return apperrors.New(apperrors.CodePullFailed, "registry rejected the pull").
			WithDetail("reason", "authentication")
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return apperrors.New(apperrors.CodePullFailed, "registry rate limit hit").
			WithDetail("reason", "rate-limit")
	}

	excerpt := strings.TrimSpace(stderr)
	if len(excerpt) > stderrExcerptLimit {
		excerpt = excerpt[:stderrExcerptLimit]
	}
	return apperrors.New(apperrors.CodeTrivyError,
		fmt.Sprintf("scanner exited %d: %s", exitCode, excerpt))
}

// RefreshDB updates the vulnerability database in the shared cache without
// scanning anything. Run off-peak by the scheduler.
func (inv *Invoker) RefreshDB(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, inv.binaryPath,
		"image", "--download-db-only", "--cache-dir", inv.cacheDir, "--quiet")
	cmd.Env = append(os.Environ(), "NO_COLOR=1", "TRIVY_CACHE_DIR="+inv.cacheDir)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("vulnerability db refresh failed: %w (%s)", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
