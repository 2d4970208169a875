package router

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	jujuerrors "github.com/juju/errors"
	"go.uber.org/zap/zaptest"

	"campus-rpc/auth"
	"campus-rpc/message"
)

var start = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

// countingHandler returns a handler that records how often it ran.
func countingHandler(calls *atomic.Int32) HandlerFunc {
	return func(ctx context.Context, req *message.Request) (*message.Response, error) {
		calls.Add(1)
		resp := message.OK(map[string]string{"uri": req.URI})
		resp.ID = "forged-id"
		return resp, nil
	}
}

func newTestRouter(t *testing.T, clk *testclock.Clock, calls *atomic.Int32) *Router {
	r, err := NewBuilder(WithClock(clk), WithLogger(zaptest.NewLogger(t))).
		Handle("student/info", auth.RoleStudent, countingHandler(calls)).
		Handle("sys/ping", auth.RoleAnonymous, countingHandler(calls)).
		Handle("sys/fail", auth.RoleAnonymous, func(ctx context.Context, req *message.Request) (*message.Response, error) {
			return nil, errors.New("database unavailable")
		}).
		Handle("sys/panic", auth.RoleAnonymous, func(ctx context.Context, req *message.Request) (*message.Response, error) {
			panic("index out of range")
		}).
		Handle("sys/nil", auth.RoleAnonymous, func(ctx context.Context, req *message.Request) (*message.Response, error) {
			return nil, nil
		}).
		Build()
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func request(uri string, s *message.Session) *message.Request {
	req := message.NewRequest(uri, nil, start)
	req.Session = s
	return req
}

func TestDispatchStudentInfo(t *testing.T) {
	var calls atomic.Int32
	clk := testclock.NewClock(start)
	r := newTestRouter(t, clk, &calls)

	req := request("student/info", message.NewAuthenticated("s1", "bob", []string{"student"}, start))
	resp := r.Dispatch(context.Background(), req)

	if resp.Status != message.StatusSuccess {
		t.Fatalf("expect SUCCESS, got %s: %s", resp.Status, resp.Message)
	}
	if resp.ID != req.ID {
		t.Fatalf("response id %q does not echo request id %q", resp.ID, req.ID)
	}
	if calls.Load() != 1 {
		t.Fatalf("expect handler called once, got %d", calls.Load())
	}
}

func TestDispatchForbiddenSkipsHandler(t *testing.T) {
	var calls atomic.Int32
	clk := testclock.NewClock(start)
	r := newTestRouter(t, clk, &calls)

	req := request("student/info", message.NewAuthenticated("t1", "carol", []string{"teacher"}, start))
	resp := r.Dispatch(context.Background(), req)

	if resp.Status != message.StatusForbidden {
		t.Fatalf("expect FORBIDDEN, got %s", resp.Status)
	}
	if calls.Load() != 0 {
		t.Fatalf("handler must not run, ran %d times", calls.Load())
	}
	if resp.ID != req.ID {
		t.Fatalf("response id %q does not echo request id %q", resp.ID, req.ID)
	}
}

func TestDispatchExpiredSessionForbidden(t *testing.T) {
	var calls atomic.Int32
	clk := testclock.NewClock(start)
	r := newTestRouter(t, clk, &calls)

	s := message.NewAuthenticated("s1", "bob", []string{"student"}, start)
	clk.Advance(31 * time.Minute)

	resp := r.Dispatch(context.Background(), request("student/info", s))
	if resp.Status != message.StatusForbidden {
		t.Fatalf("expect FORBIDDEN for expired session, got %s", resp.Status)
	}
	if calls.Load() != 0 {
		t.Fatal("handler must not run for expired session")
	}
}

func TestDispatchAnonymousWithoutSession(t *testing.T) {
	var calls atomic.Int32
	r := newTestRouter(t, testclock.NewClock(start), &calls)

	resp := r.Dispatch(context.Background(), request("sys/ping", nil))
	if resp.Status != message.StatusSuccess {
		t.Fatalf("expect SUCCESS, got %s", resp.Status)
	}
}

func TestDispatchNotFound(t *testing.T) {
	var calls atomic.Int32
	r := newTestRouter(t, testclock.NewClock(start), &calls)

	req := request("nonexistent/uri", nil)
	resp := r.Dispatch(context.Background(), req)
	if resp.Status != message.StatusNotFound {
		t.Fatalf("expect NOT_FOUND, got %s", resp.Status)
	}
	if resp.ID != req.ID {
		t.Fatal("NOT_FOUND must echo the request id")
	}
}

func TestDispatchHandlerFailures(t *testing.T) {
	var calls atomic.Int32
	r := newTestRouter(t, testclock.NewClock(start), &calls)

	cases := []struct {
		uri     string
		message string
	}{
		{"sys/fail", "database unavailable"},
		{"sys/panic", "index out of range"},
		{"sys/nil", "handler returned no response"},
	}
	for _, tc := range cases {
		t.Run(tc.uri, func(t *testing.T) {
			req := request(tc.uri, nil)
			resp := r.Dispatch(context.Background(), req)
			if resp.Status != message.StatusInternalError {
				t.Fatalf("expect INTERNAL_ERROR, got %s", resp.Status)
			}
			if resp.Message != tc.message {
				t.Fatalf("expect message %q, got %q", tc.message, resp.Message)
			}
			if resp.ID != req.ID {
				t.Fatal("INTERNAL_ERROR must echo the request id")
			}
		})
	}

	// The router is still usable after a panic.
	if resp := r.Dispatch(context.Background(), request("sys/ping", nil)); resp.Status != message.StatusSuccess {
		t.Fatalf("expect SUCCESS after handler panic, got %s", resp.Status)
	}
}

func TestBuildRejectsBadTables(t *testing.T) {
	noop := func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return message.OK(nil), nil
	}

	_, err := NewBuilder().
		Handle("auth/login", auth.RoleAnonymous, noop).
		Handle("auth/login", auth.RoleStudent, noop).
		Build()
	if !jujuerrors.Is(err, jujuerrors.AlreadyExists) {
		t.Fatalf("expect AlreadyExists for duplicate uri, got %v", err)
	}

	bad := []Route{
		{URI: "", Role: auth.RoleAnonymous, Handler: noop},
		{URI: "a", Role: "", Handler: noop},
		{URI: "a", Role: auth.RoleAnonymous},
	}
	for _, route := range bad {
		if _, err := NewBuilder().Add(route).Build(); !jujuerrors.Is(err, jujuerrors.NotValid) {
			t.Errorf("expect NotValid for %+v, got %v", route, err)
		}
	}
}

func TestRoutesSorted(t *testing.T) {
	var calls atomic.Int32
	r := newTestRouter(t, testclock.NewClock(start), &calls)

	routes := r.Routes()
	if len(routes) != 5 {
		t.Fatalf("expect 5 routes, got %d", len(routes))
	}
	for i := 1; i < len(routes); i++ {
		if routes[i-1].URI > routes[i].URI {
			t.Fatalf("routes not sorted: %s before %s", routes[i-1].URI, routes[i].URI)
		}
	}
	if route, ok := r.Lookup("student/info"); !ok || route.Role != auth.RoleStudent {
		t.Fatalf("lookup returned %+v, %v", route, ok)
	}
}

func TestDispatchStampsRouterClock(t *testing.T) {
	var calls atomic.Int32
	clk := testclock.NewClock(start)
	r := newTestRouter(t, clk, &calls)
	clk.Advance(time.Hour)

	for _, uri := range []string{"sys/ping", "sys/fail", "student/info", "missing"} {
		resp := r.Dispatch(context.Background(), request(uri, message.NewAnonymous(start)))
		if !resp.Timestamp.Equal(start.Add(time.Hour)) {
			t.Fatalf("%s: timestamp %v, want router clock %v", uri, resp.Timestamp, start.Add(time.Hour))
		}
	}
}

func TestPolicyExposed(t *testing.T) {
	r := NewBuilder(WithPolicy(auth.Policy{IdleTimeout: time.Minute})).MustBuild()
	if got := r.Policy().Idle(); got != time.Minute {
		t.Fatalf("policy idle = %v, want 1m", got)
	}
	if got := NewBuilder().MustBuild().Policy().Idle(); got != message.DefaultIdleTimeout {
		t.Fatalf("default policy idle = %v, want %v", got, message.DefaultIdleTimeout)
	}
}
