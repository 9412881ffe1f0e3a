package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/wisund/internal/devices/console"
)

var (
	ErrNoConsole   = errors.New("control: console address not configured")
	ErrConsoleBusy = errors.New("control: console busy")
)

// ToolCall opens a console session, sends one command line and returns the
// first reply line. A command that produces no reply within timeout yields
// an empty result. ErrConsoleBusy means another session holds the console
// and the command was not run.
func ToolCall(ctx context.Context, addr, cmd string, timeout time.Duration) (string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", ErrNoConsole
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("control: dial console: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	if _, err := fmt.Fprintf(conn, "%s\n", strings.TrimSpace(cmd)); err != nil {
		return "", fmt.Errorf("control: send: %w", err)
	}
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return strings.TrimRight(line, "\r\n"), nil
		}
		if line == "" {
			return "", fmt.Errorf("control: read reply: %w", err)
		}
	}
	line = strings.TrimRight(line, "\r\n")
	if line == console.BusyReply {
		return "", ErrConsoleBusy
	}
	return line, nil
}

// ProbeDiag reports console reachability; it stands in for gateway
// diagnostics when the control plane runs as its own process.
func ProbeDiag(addr string, timeout time.Duration) DiagFunc {
	return func() any {
		start := time.Now()
		reachable := false
		if conn, err := net.DialTimeout("tcp", addr, timeout); err == nil {
			reachable = true
			_ = conn.Close()
		}
		return map[string]any{
			"console_addr": addr,
			"reachable":    reachable,
			"latency_ms":   time.Since(start).Milliseconds(),
			"timestamp":    time.Now().UTC(),
		}
	}
}
