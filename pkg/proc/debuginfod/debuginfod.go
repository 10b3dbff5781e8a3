// Package debuginfod fetches separate debug information through the
// debuginfod-find client of elfutils.
package debuginfod

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

const (
	debuginfodFind       = "debuginfod-find"
	debuginfodMaxtimeEnv = "DEBUGINFOD_MAXTIME"
	debuginfodTimeoutEnv = "DEBUGINFOD_TIMEOUT"
	debuginfodURLsEnv    = "DEBUGINFOD_URLS"
)

// ErrNotConfigured is returned when debuginfod-find is not installed or no
// server is configured.
var ErrNotConfigured = errors.New("debuginfod is not configured")

// lookPath is replaced in tests.
var lookPath = exec.LookPath

// Available reports whether a lookup can be attempted at all.
func Available() bool {
	if os.Getenv(debuginfodURLsEnv) == "" {
		return false
	}
	_, err := lookPath(debuginfodFind)
	return err == nil
}

func execFind(ctx context.Context, args ...string) (string, error) {
	path, err := lookPath(debuginfodFind)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotConfigured, err)
	}
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Env = findEnv(os.Environ())
	out, err := cmd.Output() // ignore stderr
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// findEnv bounds the time spent downloading unless the user already did.
func findEnv(env []string) []string {
	var hasMaxtime, hasTimeout bool
	for _, kv := range env {
		hasMaxtime = hasMaxtime || strings.HasPrefix(kv, debuginfodMaxtimeEnv+"=")
		hasTimeout = hasTimeout || strings.HasPrefix(kv, debuginfodTimeoutEnv+"=")
	}
	if !hasMaxtime {
		env = append(env, debuginfodMaxtimeEnv+"=1")
	}
	if !hasTimeout {
		env = append(env, debuginfodTimeoutEnv+"=1")
	}
	return env
}

// GetDebuginfo returns the path of the cached debug file of the object
// with the given hex build id, downloading it if necessary.
func GetDebuginfo(ctx context.Context, buildID string) (string, error) {
	if buildID == "" {
		return "", errors.New("empty build id")
	}
	return execFind(ctx, "debuginfo", buildID)
}
