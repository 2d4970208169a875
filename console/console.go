// Package console implements the server's operational console: a line
// oriented command loop, usually on stdin.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gosuri/uitable"
	"github.com/juju/errors"

	"campus-rpc/message"
	"campus-rpc/server"
	"campus-rpc/stats"
)

// Target is the server the console operates on.
type Target interface {
	Addr() net.Addr
	Snapshot() stats.Snapshot
	RouteTable() []stats.RouteInfo
	Connections() []server.ConnInfo
	ResetStats()
	Shutdown(timeout time.Duration) error
}

type command struct {
	name string
	help string
	run  func() (stop bool, err error)
}

func (c *Console) commands() []command {
	return []command{
		{"help", "list commands", c.help},
		{"status", "listen address, uptime and connections", c.status},
		{"routes", "registered routes and required roles", c.routes},
		{"stats", "request and response counters", c.stats},
		{"reset", "zero the counters", c.reset},
		{"stop", "shut the server down", c.stop},
	}
}

// Console reads commands from in and writes results to out.
type Console struct {
	in              io.Reader
	out             io.Writer
	target          Target
	shutdownTimeout time.Duration
}

// New returns a console for target. Stop waits up to shutdownTimeout for
// connections to finish.
func New(in io.Reader, out io.Writer, target Target, shutdownTimeout time.Duration) *Console {
	return &Console{in: in, out: out, target: target, shutdownTimeout: shutdownTimeout}
}

// Run executes commands until stop, end of input or ctx is done. It returns
// the shutdown error when stopped by command.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-done:
				return
			}
		}
	}()

	fmt.Fprintln(c.out, `console ready, type "help" for commands`)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			stop, err := c.Exec(line)
			if stop {
				return err
			}
			if err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		}
	}
}

// Exec runs one command line.
func (c *Console) Exec(line string) (stop bool, err error) {
	name := strings.ToLower(strings.TrimSpace(line))
	if name == "" {
		return false, nil
	}
	for _, cmd := range c.commands() {
		if cmd.name == name {
			return cmd.run()
		}
	}
	fmt.Fprintf(c.out, "unknown command %q, type \"help\" for commands\n", name)
	return false, nil
}

func (c *Console) help() (bool, error) {
	table := uitable.New()
	for _, cmd := range c.commands() {
		table.AddRow(cmd.name, cmd.help)
	}
	fmt.Fprintln(c.out, table)
	return false, nil
}

func (c *Console) status() (bool, error) {
	snap := c.target.Snapshot()
	addr := "not listening"
	if a := c.target.Addr(); a != nil {
		addr = a.String()
	}

	fmt.Fprintf(c.out, "listening on %s, started %s\n", addr, humanize.Time(snap.Started))
	fmt.Fprintf(c.out, "%s connections active, %s accepted\n",
		humanize.Comma(snap.ConnectionsActive), humanize.Comma(int64(snap.ConnectionsAccepted)))

	conns := c.target.Connections()
	if len(conns) == 0 {
		return false, nil
	}
	table := uitable.New()
	table.AddRow("ID", "REMOTE", "PHASE", "USER", "OPENED")
	for _, ci := range conns {
		table.AddRow(ci.ID, ci.RemoteAddr, ci.Phase, ci.UserName, humanize.Time(ci.Opened))
	}
	fmt.Fprintln(c.out, table)
	return false, nil
}

func (c *Console) routes() (bool, error) {
	table := uitable.New()
	table.MaxColWidth = 60
	table.AddRow("URI", "ROLE", "DESCRIPTION")
	for _, r := range c.target.RouteTable() {
		table.AddRow(r.URI, r.Role, r.Description)
	}
	fmt.Fprintln(c.out, table)
	return false, nil
}

func (c *Console) stats() (bool, error) {
	snap := c.target.Snapshot()
	fmt.Fprintf(c.out, "%s requests since %s, %s malformed frames\n",
		humanize.Comma(int64(snap.Requests)), humanize.Time(snap.Since), humanize.Comma(int64(snap.MalformedFrames)))

	table := uitable.New()
	table.RightAlign(1)
	table.AddRow("STATUS", "RESPONSES")
	for _, status := range message.Statuses {
		table.AddRow(string(status), humanize.Comma(int64(snap.ByStatus[status])))
	}
	fmt.Fprintln(c.out, table)

	if uris := snap.URIs(); len(uris) > 0 {
		table = uitable.New()
		table.RightAlign(1)
		table.AddRow("URI", "REQUESTS")
		for _, uri := range uris {
			table.AddRow(uri, humanize.Comma(int64(snap.ByURI[uri])))
		}
		fmt.Fprintln(c.out, table)
	}
	return false, nil
}

func (c *Console) reset() (bool, error) {
	c.target.ResetStats()
	fmt.Fprintln(c.out, "counters reset")
	return false, nil
}

func (c *Console) stop() (bool, error) {
	fmt.Fprintln(c.out, "stopping server")
	if err := c.target.Shutdown(c.shutdownTimeout); err != nil {
		return true, errors.Annotate(err, "shutdown")
	}
	fmt.Fprintln(c.out, "server stopped")
	return true, nil
}
