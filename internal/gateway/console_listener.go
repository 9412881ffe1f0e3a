package gateway

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/wisund/internal/devices/console"
	"github.com/rs/zerolog/log"
)

// serveConsole runs console sessions until quit is requested or ctx is
// done.
func (g *Gateway) serveConsole(ctx context.Context) error {
	if g.cfg.ConsoleStdio {
		return g.serveStdio(ctx)
	}
	return g.serveTCP(ctx, g.cfg.ConsoleAddr)
}

// serveStdio runs sessions on the process streams. A session that ends
// without reset means the input is exhausted or quit was entered.
func (g *Gateway) serveStdio(ctx context.Context) error {
	in, out := g.stdin, g.stdout
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	for ctx.Err() == nil {
		if err := g.runSession(ctx, in, out); err != nil {
			return err
		}
		if !g.console.ResetRequested() || g.console.QuitRequested() {
			return nil
		}
		_, _ = io.WriteString(out, "resetting\n")
	}
	return nil
}

// serveTCP runs one console connection at a time. Connections that arrive
// while a session is active get BusyReply and are closed, so their input
// is never replayed into a later session.
func (g *Gateway) serveTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	defer ln.Close()
	g.mu.Lock()
	g.consoleAddr = ln.Addr().String()
	g.mu.Unlock()
	log.Info().Msgf("gateway.console listening addr=%q", ln.Addr().String())

	conns := make(chan net.Conn)
	acceptErr := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			select {
			case conns <- conn:
			default:
				go rejectBusy(conn)
			}
		}
	}()

	for !g.console.QuitRequested() {
		select {
		case <-ctx.Done():
			return nil
		case err := <-acceptErr:
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		case conn := <-conns:
			g.handleConsoleConn(ctx, conn)
		}
	}
	log.Info().Msg("gateway.console quit requested")
	return nil
}

// rejectBusy answers with BusyReply and discards whatever the client sent.
// The read side is drained before closing so the reply is not lost to a
// reset.
func rejectBusy(conn net.Conn) {
	defer conn.Close()
	log.Info().Msgf("gateway.console busy rejected remote=%q", conn.RemoteAddr().String())
	_ = conn.SetDeadline(time.Now().Add(time.Second))
	if _, err := io.WriteString(conn, console.BusyReply+"\n"); err != nil {
		return
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.CloseWrite()
	}
	_, _ = io.Copy(io.Discard, conn)
}

func (g *Gateway) handleConsoleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	log.Info().Msgf("gateway.console client connected remote=%q", remote)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := g.runSession(ctx, conn, conn); err != nil {
		log.Warn().Msgf("gateway.console session err=%v", err)
	}
	if g.console.ResetRequested() {
		log.Info().Msgf("gateway.console resetting remote=%q", remote)
	}
	log.Info().Msgf("gateway.console client disconnected remote=%q", remote)
}

func (g *Gateway) runSession(ctx context.Context, in io.Reader, out io.Writer) error {
	g.consoleEP.Hold()
	return g.consoleEP.Run(ctx, in, out)
}
