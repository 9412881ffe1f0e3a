package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/wisund/internal/control"
	"github.com/danmuck/wisund/internal/logging"
	"github.com/rs/zerolog/log"
)

var version = "0.3.0"

func main() {
	httpAddr := flag.String("http", ":8000", "HTTP listen address")
	consoleAddr := flag.String("console", "127.0.0.1:5555", "wisund console address")
	toolTimeout := flag.Duration("tool-timeout", 300*time.Millisecond, "console reply deadline for /tool")
	diagInterval := flag.Duration("diag-interval", time.Second, "websocket diagnostics period")
	token := flag.String("token", os.Getenv("WISUNWEB_TOKEN"), "token required by /tool and /ws (empty disables)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: wisunweb [flags] web_root_dir\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	logging.ConfigureRuntime()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go watchQuit(os.Stdin, cancel)

	srv := control.New(control.Options{
		Name:         "wisunweb",
		Version:      version,
		Addr:         *httpAddr,
		ConsoleAddr:  *consoleAddr,
		WebRoot:      flag.Arg(0),
		Token:        *token,
		ToolTimeout:  *toolTimeout,
		DiagInterval: *diagInterval,
	})
	fmt.Println(`Enter the word "quit" to exit the program and shut down the server`)
	if err := srv.Serve(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "wisunweb: %v\n", err)
		os.Exit(1)
	}
	log.Info().Msg("wisunweb stopped")
}

// watchQuit cancels when the word quit is read from in.
func watchQuit(in io.Reader, cancel context.CancelFunc) {
	sc := bufio.NewScanner(in)
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		if strings.EqualFold(sc.Text(), "quit") {
			log.Info().Msg("wisunweb shutting down")
			cancel()
			return
		}
	}
}
