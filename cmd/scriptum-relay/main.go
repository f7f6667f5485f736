// Command scriptum-relay is the central relay process (spec §2, §6): it
// owns the session store (C5), the document sync store (C4), the
// awareness store (C6), and the git-leader lease store (C9), exposed
// over the session-creation REST endpoint and the WebSocket upgrade
// endpoint. Grounded on cmd/leapmux/{main.go,hub.go}'s subcommand
// dispatch and signal-driven shutdown, collapsed to a single binary
// since Scriptum ships the relay and daemon as separate processes
// rather than one binary with subcommands.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/scriptum/scriptum/internal/logging"
	"github.com/scriptum/scriptum/internal/relay/server"
)

var version = "dev"

func main() {
	logging.Setup()

	fs := flag.NewFlagSet("scriptum-relay", flag.ExitOnError)
	addr := fs.String("addr", ":4327", "listen address")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Println(version)
		return
	}

	logging.PrintBanner("relay", version, *addr)
	logging.PrintAccessURL(*addr)

	srv := server.New(server.Config{Addr: *addr})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Serve(ctx); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
