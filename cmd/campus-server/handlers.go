package main

import (
	"context"
	"slices"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"campus-rpc/auth"
	"campus-rpc/config"
	"campus-rpc/message"
	"campus-rpc/router"
)

// userDirectory holds the accounts from the configuration file.
type userDirectory struct {
	byName map[string]config.User
}

func newUserDirectory(users []config.User) *userDirectory {
	d := &userDirectory{byName: make(map[string]config.User, len(users))}
	for _, u := range users {
		d.byName[u.Name] = u
	}
	return d
}

func (d *userDirectory) authenticate(name, password string) (config.User, bool) {
	u, ok := d.byName[name]
	if !ok {
		return config.User{}, false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return config.User{}, false
	}
	return u, true
}

// handlers are the routes built into the server binary.
type handlers struct {
	users  *userDirectory
	policy auth.Policy
	clock  clock.Clock
}

type sessionView struct {
	UserID        string    `json:"userId,omitempty"`
	UserName      string    `json:"userName,omitempty"`
	Roles         []string  `json:"roles"`
	Authenticated bool      `json:"authenticated"`
	LastAccess    time.Time `json:"lastAccess"`
}

func (h *handlers) routes() []router.Route {
	return []router.Route{
		{URI: "auth/login", Role: auth.RoleAnonymous, Description: "log in with user and password", Handler: h.login},
		{URI: "auth/logout", Role: auth.RoleAnonymous, Description: "end the connection's session", Handler: h.logout},
		{URI: "auth/whoami", Role: auth.RoleAnonymous, Description: "describe the connection's session", Handler: h.whoami},
		{URI: "sys/ping", Role: auth.RoleAnonymous, Description: "liveness check", Handler: h.ping},
		{URI: "student/info", Role: auth.RoleStudent, Description: "student record of the caller", Handler: h.studentInfo},
	}
}

func (h *handlers) login(_ context.Context, req *message.Request) (*message.Response, error) {
	name, password := req.Param("user"), req.Param("password")
	if name == "" || password == "" {
		return message.NewResponse(message.StatusBadRequest, "user and password are required"), nil
	}
	u, ok := h.users.authenticate(name, password)
	if !ok {
		return message.NewResponse(message.StatusError, "invalid credentials"), nil
	}
	s := message.NewAuthenticated(u.ID, u.Name, u.Roles, h.clock.Now())
	resp := message.OK(sessionView{UserID: s.UserID, UserName: s.UserName, Roles: s.Roles, Authenticated: true, LastAccess: s.LastAccessTime})
	return resp.WithSession(s), nil
}

func (h *handlers) logout(_ context.Context, req *message.Request) (*message.Response, error) {
	return message.OK(nil).WithSession(req.Session.Invalidated(h.clock.Now())), nil
}

func (h *handlers) whoami(_ context.Context, req *message.Request) (*message.Response, error) {
	s := req.Session
	if s == nil {
		return nil, errors.New("request carries no session")
	}
	roles := h.policy.EffectiveRoles(s, h.clock.Now())
	return message.OK(sessionView{
		UserID:        s.UserID,
		UserName:      s.UserName,
		Roles:         roles,
		Authenticated: !slices.Equal(roles, []string{auth.RoleAnonymous}),
		LastAccess:    s.LastAccessTime,
	}), nil
}

func (h *handlers) ping(context.Context, *message.Request) (*message.Response, error) {
	resp := message.OK(map[string]time.Time{"time": h.clock.Now()})
	resp.Message = "pong"
	return resp, nil
}

func (h *handlers) studentInfo(_ context.Context, req *message.Request) (*message.Response, error) {
	id := req.Param("studentId")
	if id == "" {
		id = req.Session.UserID
	}
	if id != req.Session.UserID && !req.Session.HasRole(auth.RoleAdmin) {
		return message.Errorf(message.StatusForbidden, "cannot read student %s", id), nil
	}
	return message.OK(map[string]string{"studentId": id, "requestedBy": req.Session.UserName}), nil
}

func newRouter(cfg *config.Config, users *userDirectory, clk clock.Clock, logger *zap.Logger) (*router.Router, error) {
	policy := auth.Policy{IdleTimeout: cfg.Server.IdleTimeout}
	h := &handlers{users: users, policy: policy, clock: clk}
	r, err := router.NewBuilder(
		router.WithClock(clk),
		router.WithPolicy(policy),
		router.WithLogger(logger),
	).Add(h.routes()...).Build()
	return r, errors.Trace(err)
}
