package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CommandRunner abstracts host command execution.
type CommandRunner interface {
	Run(name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host. A zero Timeout lets a
// command run until it exits.
type ExecRunner struct {
	Timeout time.Duration
}

func (r ExecRunner) Run(name string, args ...string) ([]byte, []byte, int32, error) {
	ctx := context.Background()
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}
	if ctx.Err() != nil {
		return stdout.Bytes(), stderr.Bytes(), -1, fmt.Errorf("tools: %s timed out after %s: %w", name, r.Timeout, ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// RunLines runs each whitespace-separated command line in order and stops
// at the first failure. The token {iface} is replaced with iface.
func RunLines(runner CommandRunner, iface string, lines []string) error {
	for _, line := range lines {
		fields := strings.Fields(strings.ReplaceAll(line, "{iface}", iface))
		if len(fields) == 0 {
			continue
		}
		stdout, stderr, exitCode, err := runner.Run(fields[0], fields[1:]...)
		if err != nil {
			return fmt.Errorf(
				"tools: %q failed exit=%d stdout=%q stderr=%q: %w",
				strings.Join(fields, " "),
				exitCode,
				strings.TrimSpace(string(stdout)),
				strings.TrimSpace(string(stderr)),
				err,
			)
		}
		log.Debug().Msgf("tools.RunLines ok cmd=%q", strings.Join(fields, " "))
	}
	return nil
}
