package logging

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

var logoLines = [6]string{
	`  ____            _       _                 `,
	` / ___|  ___ _ __(_)_ __ | |_ _   _ _ __ ___ `,
	` \___ \ / __| '__| | '_ \| __| | | | '_ ` + "`" + ` _ \`,
	`  ___) | (__| |  | | |_) | |_| |_| | | | | | |`,
	` |____/ \___|_|  |_| .__/ \__|\__,_|_| |_| |_|`,
	`                    |_|                        `,
}

var daemonArt = [6]string{
	`  ____                                   `,
	` |  _ \  __ _  ___ _ __ ___   ___  _ __  `,
	` | | | |/ _` + "`" + ` |/ _ \ '_ ` + "`" + ` _ \ / _ \| '_ \ `,
	` | |_| | (_| |  __/ | | | | | (_) | | | |`,
	` |____/ \__,_|\___|_| |_| |_|\___/|_| |_|`,
	`                                          `,
}

var relayArt = [6]string{
	`  ____      _             `,
	` |  _ \ ___| | __ _ _   _ `,
	` | |_) / _ \ |/ _` + "`" + ` | | | |`,
	` |  _ <  __/ | (_| | |_| |`,
	` |_| \_\___|_|\__,_|\__, |`,
	`                     |___/ `,
}

// PrintBanner prints the Scriptum ASCII art logo with mode-specific art
// appended to the right, followed by a version/address info line. Colors
// are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[6]string
	var modeColor string
	switch mode {
	case "relay":
		modeArt = &relayArt
		modeColor = green
	default: // daemon
		modeArt = &daemonArt
		modeColor = yellow
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}

// addrToURL converts a listen address (e.g. ":4327", "0.0.0.0:4327") into
// an http://localhost:<port> URL. Unix socket paths (the daemon's control
// socket) are returned unchanged with a "unix://" prefix.
func addrToURL(addr string) string {
	if strings.HasPrefix(addr, "/") {
		return "unix://" + addr
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = strings.TrimPrefix(addr, ":")
	}
	if port == "" || port == "80" {
		return "http://localhost"
	}
	return "http://localhost:" + port
}

// PrintAccessURL prints the relay's listen address (or the daemon's
// control socket path) to stderr as a clickable URL.
func PrintAccessURL(addr string) {
	url := addrToURL(addr)
	isTTY := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	if isTTY {
		fmt.Fprintf(os.Stderr, "  %s%s➜%s  %s%s%s\n\n", bold, green, reset, bold, url, reset)
	} else {
		fmt.Fprintf(os.Stderr, "  ➜  %s\n\n", url)
	}
}
