// charty-cli is an interactive terminal client for the Charty backend.
//
// Every line typed is sent to POST /api/query. Lines starting with "/" are
// commands:
//
//	/history   show the conversation
//	/all       show the full conversation including tool messages (admin)
//	/clear     start a new conversation
//	/health    show backend status and connected tool servers
//	/quit      exit (Ctrl+D also works)
//
// Environment variables:
//
//	CHARTY_URL          - backend base URL (default "http://localhost:3000")
//	CHARTY_ADMIN_TOKEN  - bearer token sent with every request (optional)
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

	"github.com/fatih/color"

	"github.com/will-ku/med-management-ai/common/environment"
)

func main() {
	url := flag.String("url", environment.StringOr("CHARTY_URL", "http://localhost:3000"), "Charty backend base URL")
	token := flag.String("token", os.Getenv("CHARTY_ADMIN_TOKEN"), "admin bearer token")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	c := newClient(*url, *token)
	if err := repl(ctx, c, os.Stdin, os.Stdout); err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func repl(ctx context.Context, c *client, in io.Reader, out io.Writer) error {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	cyan.Fprintln(out, "Charty medication assistant (/quit or Ctrl+D to exit)")
	if h, err := c.health(ctx); err != nil {
		red.Fprintf(out, "backend unreachable: %v\n", err)
	} else {
		fmt.Fprintf(out, "connected to %s (tool servers: %s)\n\n", h.Version, strings.Join(h.Servers, ", "))
	}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024)
	for {
		green.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		switch line {
		case "/quit", "/exit":
			return nil
		case "/history", "/all":
			msgs, err := c.history(ctx, line == "/all")
			if err != nil {
				red.Fprintf(out, "%v\n", err)
				continue
			}
			for _, m := range msgs {
				yellow.Fprintf(out, "[%s] ", m.Role)
				fmt.Fprintln(out, m.Content)
			}
			continue
		case "/clear":
			if err := c.clear(ctx); err != nil {
				red.Fprintf(out, "%v\n", err)
				continue
			}
			fmt.Fprintln(out, "conversation cleared")
			continue
		case "/health":
			h, err := c.health(ctx)
			if err != nil {
				red.Fprintf(out, "%v\n", err)
				continue
			}
			fmt.Fprintf(out, "%s %s servers=%s\n", h.Status, h.Version, strings.Join(h.Servers, ","))
			continue
		}
		if strings.HasPrefix(line, "/") {
			red.Fprintf(out, "unknown command %s\n", line)
			continue
		}

		reply, err := c.query(ctx, line)
		if err != nil {
			red.Fprintf(out, "%v\n", err)
			continue
		}
		cyan.Fprintln(out, reply.Message.Content)
		if reply.WasToolCalled {
			green.Fprintln(out, "(answered from your medication records)")
		}
		fmt.Fprintln(out)
	}
}
