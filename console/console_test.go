package console

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/goleak"

	"campus-rpc/message"
	"campus-rpc/server"
	"campus-rpc/stats"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTarget struct {
	stats       *stats.Stats
	resets      int
	shutdowns   int
	shutdownErr error
}

func newFakeTarget() *fakeTarget {
	st := stats.New(clock.WallClock)
	st.ConnectionOpened()
	st.RequestReceived("student/info")
	st.RequestReceived("student/info")
	st.RequestReceived("sys/ping")
	st.ResponseSent(message.StatusSuccess)
	st.ResponseSent(message.StatusForbidden)
	return &fakeTarget{stats: st}
}

func (f *fakeTarget) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9000}
}

func (f *fakeTarget) Snapshot() stats.Snapshot { return f.stats.Snapshot() }

func (f *fakeTarget) RouteTable() []stats.RouteInfo {
	return []stats.RouteInfo{
		{URI: "auth/login", Role: "anonymous", Description: "log in"},
		{URI: "student/info", Role: "student"},
	}
}

func (f *fakeTarget) Connections() []server.ConnInfo {
	return []server.ConnInfo{{ID: 1, RemoteAddr: "10.1.2.3:50000", Opened: time.Now(), Phase: "AUTHENTICATED", UserName: "ada"}}
}

func (f *fakeTarget) ResetStats() {
	f.resets++
	f.stats.Reset()
}

func (f *fakeTarget) Shutdown(time.Duration) error {
	f.shutdowns++
	return f.shutdownErr
}

func run(t *testing.T, target Target, input string) (string, error) {
	var out bytes.Buffer
	err := New(strings.NewReader(input), &out, target, time.Second).Run(context.Background())
	return out.String(), err
}

func TestCommands(t *testing.T) {
	target := newFakeTarget()
	out, err := run(t, target, "help\nstatus\n\nROUTES\nstats\nbogus\nreset\nstop\nstatus\n")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		"status", "shut the server down", // help
		"listening on 127.0.0.1:9000", "1 connections active", "ada", "AUTHENTICATED", // status
		"auth/login", "anonymous", "student/info", // routes
		"3 requests", "FORBIDDEN", "INTERNAL_ERROR", // stats
		`unknown command "bogus"`,
		"counters reset",
		"server stopped",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output lacks %q:\n%s", want, out)
		}
	}
	if target.resets != 1 || target.shutdowns != 1 {
		t.Fatalf("expect one reset and one shutdown, got %d and %d", target.resets, target.shutdowns)
	}
	// Nothing runs after stop.
	if strings.Count(out, "listening on") != 1 {
		t.Fatalf("command executed after stop:\n%s", out)
	}
}

func TestStopReportsShutdownFailure(t *testing.T) {
	target := newFakeTarget()
	target.shutdownErr = errors.New("2 connections still open")
	_, err := run(t, target, "stop\n")
	if err == nil || !strings.Contains(err.Error(), "2 connections still open") {
		t.Fatalf("expect shutdown error, got %v", err)
	}
}

func TestEndOfInput(t *testing.T) {
	target := newFakeTarget()
	if _, err := run(t, target, "status\n"); err != nil {
		t.Fatal(err)
	}
	if target.shutdowns != 0 {
		t.Fatal("end of input must not stop the server")
	}
}

func TestContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	// A reader that never yields a line; Run must still return.
	r, w := net.Pipe()
	defer w.Close()
	defer r.Close()
	if err := New(r, &out, newFakeTarget(), time.Second).Run(ctx); err != nil {
		t.Fatal(err)
	}
}
