package core

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/taskqd/taskqd/internal/limits"
	"github.com/taskqd/taskqd/internal/metrics"
	"github.com/taskqd/taskqd/internal/plugin"
	"github.com/taskqd/taskqd/internal/report"
	"github.com/taskqd/taskqd/internal/settings"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/task"
	"github.com/taskqd/taskqd/internal/user"
	apperrors "github.com/taskqd/taskqd/pkg/errors"
)

// nonAdminFields lists the columns a non-admin caller may write per table.
// Everything else is projected away by dropNonAdminFields.
var nonAdminFields = map[string]map[string]bool{
	"tasks": {"command": true, "arguments": true, "working_directory": true, "nice": true},
	"users": {"email": true, "password": true},
}

func dropNonAdminFields(table string, fields store.Partial) store.Partial {
	allowed := nonAdminFields[table]
	projected := make(store.Partial, len(fields))
	for name, value := range fields {
		if allowed[name] {
			projected[name] = value
		}
	}
	return projected
}

// caller resolves a bearer token to its user.
func (c *Core) caller(tokenValue string) (*user.User, error) {
	if u := c.users.ByToken(tokenValue); u != nil {
		return u, nil
	}
	return nil, apperrors.InvalidToken()
}

func require(u *user.User, p user.Permission) error {
	if !u.Permissions.Has(p) {
		return apperrors.InsufficientPermissions(p.String() + " permission required")
	}
	return nil
}

// Auth checks name/password and returns a fresh bearer token valid for the
// configured TokenExpiration days.
func (c *Core) Auth(ctx context.Context, name, password string) (string, error) {
	days, err := strconv.ParseInt(c.settings.Get(settings.TokenExpiration), 10, 64)
	if err != nil || days <= 0 {
		days = 30
	}

	value := c.users.Authorize(name, password, time.Duration(days)*24*time.Hour)
	if value == "" {
		return "", apperrors.InvalidPassword()
	}

	until, _ := c.users.CheckToken(value)
	row := &store.TokenRow{Token: value, UserName: name, ValidUntil: until}
	if c.store.AddToken(ctx, row) < 0 {
		c.tokens.Expire(value)
		return "", apperrors.Internal("failed to persist token")
	}
	return value, nil
}

// Authorization reports the validity end of a token.
func (c *Core) Authorization(tokenValue string) (time.Time, error) {
	until, ok := c.users.CheckToken(tokenValue)
	if !ok {
		return time.Time{}, apperrors.InvalidToken()
	}
	return until, nil
}

// TaskRequest is a task submission.
type TaskRequest struct {
	UserID           int64    `json:"user_id"`
	Command          string   `json:"command" validate:"required"`
	Arguments        []string `json:"arguments"`
	WorkingDirectory string   `json:"working_directory"`
	Nice             int64    `json:"nice"`
	Limits           string   `json:"limits"`
}

// AddTask submits a task for the caller (Job) or another user (Admin). The
// nice value is clamped by the owner's priority, the limits to the minimum
// across task, owner and default.
func (c *Core) AddTask(ctx context.Context, tok string, req TaskRequest) (*task.Task, error) {
	caller, err := c.caller(tok)
	if err != nil {
		return nil, err
	}

	ownerID := req.UserID
	if ownerID <= 0 {
		ownerID = caller.ID
	}
	if ownerID == caller.ID {
		err = require(caller, user.Job)
	} else {
		err = require(caller, user.Admin)
	}
	if err != nil {
		return nil, err
	}

	owner := c.users.ByID(ownerID)
	if owner == nil {
		return nil, apperrors.InvalidArgument("unknown user")
	}
	if req.Command == "" {
		return nil, apperrors.InvalidArgument("command is required")
	}

	nice := req.Nice
	if nice > owner.Priority {
		nice = owner.Priority
	}
	if nice < 0 {
		nice = 0
	} else if nice > 39 {
		nice = 39
	}

	defaults := limits.Parse(c.settings.Get(settings.DefaultLimits))
	lim := limits.Minimal(limits.Parse(req.Limits), owner.Limits, defaults)

	uid, gid := c.users.IDs(ownerID)
	row := store.TaskRow{
		UserID:           ownerID,
		Command:          req.Command,
		Arguments:        strings.Join(req.Arguments, "\n"),
		WorkingDirectory: req.WorkingDirectory,
		UID:              uid,
		GID:              gid,
		Nice:             nice,
		Limits:           lim.Encode(),
	}

	id := c.store.AddTask(ctx, &row)
	if id < 0 {
		return nil, apperrors.Internal("failed to persist task")
	}
	row.ID = id

	t := task.FromRow(row)
	metrics.TasksSubmitted.Inc()
	metrics.TasksPending.Inc()
	c.fanout.AddTask(id)
	c.sched.Add(t)
	return t, nil
}

// Task returns one task row. Owners see their own; anyone else needs
// Reports.
func (c *Core) Task(ctx context.Context, tok string, id int64) (*store.TaskRow, error) {
	caller, err := c.caller(tok)
	if err != nil {
		return nil, err
	}

	row := c.store.TaskByID(ctx, id)
	if row == nil {
		return nil, apperrors.InvalidArgument("unknown task")
	}
	if row.UserID != caller.ID {
		if err := require(caller, user.Reports); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// EditTask applies a partial row to a task. Owners may edit their own
// pending tasks (Job); running or finished tasks, or another user's tasks,
// take Admin. Non-admin callers only reach the non-admin columns.
func (c *Core) EditTask(ctx context.Context, tok string, id int64, fields store.Partial) error {
	caller, err := c.caller(tok)
	if err != nil {
		return err
	}

	row := c.store.TaskByID(ctx, id)
	if row == nil {
		return apperrors.InvalidArgument("unknown task")
	}

	state := task.FromRow(*row).State()
	if live, ok := c.sched.State(id); ok {
		state = live
	}

	isAdmin := caller.Permissions.Has(user.Admin)
	if row.UserID == caller.ID && state == task.StatePending {
		err = require(caller, user.Job)
	} else {
		err = require(caller, user.Admin)
	}
	if err != nil {
		return err
	}

	if !isAdmin {
		fields = dropNonAdminFields("tasks", fields)
	}
	normalizeTaskFields(fields)
	if len(fields) == 0 {
		return nil
	}

	if !c.store.ModifyTask(ctx, id, fields) {
		return apperrors.Internal("failed to persist task change")
	}
	c.sched.Mutate(id, func(t *task.Task) { applyTaskFields(t, fields) })

	c.fanout.EditTask(id, fields)
	return nil
}

// normalizeTaskFields coerces JSON-decoded values into their column form.
func normalizeTaskFields(fields store.Partial) {
	if raw, ok := fields["arguments"]; ok {
		switch v := raw.(type) {
		case []string:
			fields["arguments"] = strings.Join(v, "\n")
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				if s, ok := p.(string); ok {
					parts = append(parts, s)
				}
			}
			fields["arguments"] = strings.Join(parts, "\n")
		}
	}
	if raw, ok := fields["nice"]; ok {
		if f, isFloat := raw.(float64); isFloat {
			fields["nice"] = int64(f)
		}
	}
}

func applyTaskFields(t *task.Task, fields store.Partial) {
	for name, value := range fields {
		switch name {
		case "command":
			if s, ok := value.(string); ok {
				t.Command = s
			}
		case "arguments":
			if s, ok := value.(string); ok {
				if s == "" {
					t.Arguments = nil
				} else {
					t.Arguments = strings.Split(s, "\n")
				}
			}
		case "working_directory":
			if s, ok := value.(string); ok {
				t.WorkingDirectory = s
			}
		case "nice":
			if n, ok := value.(int64); ok {
				t.Nice = n
			}
		case "limits":
			if s, ok := value.(string); ok {
				t.Limits = limits.Parse(s)
			}
		}
	}
}

// taskControlGate checks the start/stop permission: Job on own tasks,
// Admin on anyone else's.
func (c *Core) taskControlGate(ctx context.Context, tok string, id int64) error {
	caller, err := c.caller(tok)
	if err != nil {
		return err
	}
	row := c.store.TaskByID(ctx, id)
	if row == nil {
		return apperrors.InvalidArgument("unknown task")
	}
	if row.UserID == caller.ID {
		return require(caller, user.Job)
	}
	return require(caller, user.Admin)
}

// StartTask force-starts a pending task, bypassing admission.
func (c *Core) StartTask(ctx context.Context, tok string, id int64) error {
	if err := c.taskControlGate(ctx, tok, id); err != nil {
		return err
	}
	if !c.sched.Start(id) {
		return apperrors.InvalidArgument("task is not pending")
	}
	return nil
}

// StopTask force-stops a running task per the current on-exit action.
func (c *Core) StopTask(ctx context.Context, tok string, id int64) error {
	if err := c.taskControlGate(ctx, tok, id); err != nil {
		return err
	}
	if !c.sched.Stop(id) {
		return apperrors.InvalidArgument("task is not running")
	}
	return nil
}

// ToggleTask force-starts a pending task or force-stops a running one,
// reporting which action was taken.
func (c *Core) ToggleTask(ctx context.Context, tok string, id int64) (string, error) {
	if err := c.taskControlGate(ctx, tok, id); err != nil {
		return "", err
	}

	state, ok := c.sched.State(id)
	if !ok {
		return "", apperrors.InvalidArgument("task is finished")
	}
	switch state {
	case task.StatePending:
		if !c.sched.Start(id) {
			return "", apperrors.Internal("failed to start task")
		}
		return "started", nil
	case task.StateRunning:
		if !c.sched.Stop(id) {
			return "", apperrors.Internal("failed to stop task")
		}
		return "stopped", nil
	}
	return "", apperrors.InvalidArgument("task is finished")
}

// UserIDByName resolves a user name to its id.
func (c *Core) UserIDByName(name string) (int64, bool) {
	if u := c.users.ByName(name); u != nil {
		return u.ID, true
	}
	return 0, false
}

// TaskReport lists tasks in a window. A negative user id means the caller;
// another user's tasks take Reports.
func (c *Core) TaskReport(ctx context.Context, tok string, userID int64, from, to time.Time) ([]store.TaskRow, error) {
	caller, err := c.caller(tok)
	if err != nil {
		return nil, err
	}
	if userID < 0 {
		userID = caller.ID
	}
	if userID != caller.ID {
		if err := require(caller, user.Reports); err != nil {
			return nil, err
		}
	}
	return c.reports.Tasks(ctx, userID, from, to), nil
}

// UserReport lists users filtered by last login and permission bits.
func (c *Core) UserReport(ctx context.Context, tok string, lastLogged time.Time, perm user.Permission) ([]store.UserRow, error) {
	caller, err := c.caller(tok)
	if err != nil {
		return nil, err
	}
	if err := require(caller, user.Reports); err != nil {
		return nil, err
	}
	return c.reports.Users(ctx, lastLogged, perm), nil
}

// PerformanceReport aggregates finished tasks per user. Callers without
// Reports see only their own row.
func (c *Core) PerformanceReport(ctx context.Context, tok string, from, to time.Time) ([]report.PerformanceRow, error) {
	caller, err := c.caller(tok)
	if err != nil {
		return nil, err
	}

	rows := c.reports.Performance(ctx, from, to)
	if caller.Permissions.Has(user.Reports) {
		return rows, nil
	}

	for _, row := range rows {
		if row.UserID == caller.ID {
			return []report.PerformanceRow{row}, nil
		}
	}
	return nil, nil
}

// Option reads a single setting. Admin-only keys take Admin.
func (c *Core) Option(tok, key string) (string, error) {
	caller, err := c.caller(tok)
	if err != nil {
		return "", err
	}
	if c.settings.IsAdmin(key) {
		if err := require(caller, user.Admin); err != nil {
			return "", err
		}
	}
	return c.settings.Get(key), nil
}

// SetOption writes a setting through the store, applies it in memory and
// notifies the affected components.
func (c *Core) SetOption(ctx context.Context, tok, key, value string) error {
	caller, err := c.caller(tok)
	if err != nil {
		return err
	}
	if err := require(caller, user.Admin); err != nil {
		return err
	}

	if !c.writeSetting(ctx, key, value) {
		return apperrors.Internal("failed to persist setting")
	}
	c.fanout.EditOption(key, value)
	return nil
}

// UserRequest is a user creation payload. Password arrives in plain text
// and is hashed with the process-wide salt before it is stored.
type UserRequest struct {
	Name        string `json:"name" validate:"required"`
	Email       string `json:"email" validate:"omitempty,email"`
	Password    string `json:"password" validate:"required"`
	Permissions int64  `json:"permissions"`
	Priority    int64  `json:"priority" validate:"gte=0"`
	Limits      string `json:"limits"`
}

// AddUser creates a user (Admin).
func (c *Core) AddUser(ctx context.Context, tok string, req UserRequest) (*user.User, error) {
	caller, err := c.caller(tok)
	if err != nil {
		return nil, err
	}
	if err := require(caller, user.Admin); err != nil {
		return nil, err
	}
	if c.users.ByName(req.Name) != nil {
		return nil, apperrors.InvalidArgument("user name already taken")
	}

	row := store.UserRow{
		Name:        req.Name,
		Email:       req.Email,
		Password:    user.HashPassword(req.Password, c.users.Salt()),
		Permissions: req.Permissions,
		Priority:    req.Priority,
		Limits:      limits.Parse(req.Limits).Encode(),
	}
	id := c.store.AddUser(ctx, &row)
	if id < 0 {
		return nil, apperrors.Internal("failed to persist user")
	}

	c.users.Add(row, id)
	c.fanout.AddUser(id)
	return c.users.ByID(id), nil
}

// User returns one user entity: self, or anyone for Admin.
func (c *Core) User(tok, name string) (*user.User, error) {
	caller, err := c.caller(tok)
	if err != nil {
		return nil, err
	}

	target := c.users.ByName(name)
	if target == nil {
		return nil, apperrors.InvalidArgument("unknown user")
	}
	if target.ID != caller.ID {
		if err := require(caller, user.Admin); err != nil {
			return nil, err
		}
	}
	return target, nil
}

// EditUser applies a partial row to a user. Callers may edit their own
// non-admin fields; everything else takes Admin.
func (c *Core) EditUser(ctx context.Context, tok string, id int64, fields store.Partial) error {
	caller, err := c.caller(tok)
	if err != nil {
		return err
	}
	target := c.users.ByID(id)
	if target == nil {
		return apperrors.InvalidArgument("unknown user")
	}

	isAdmin := caller.Permissions.Has(user.Admin)
	if !isAdmin {
		if target.ID != caller.ID {
			return apperrors.InsufficientPermissions("Admin permission required")
		}
		fields = dropNonAdminFields("users", fields)
	}
	if raw, ok := fields["password"]; ok {
		if plain, isString := raw.(string); isString {
			fields["password"] = user.HashPassword(plain, c.users.Salt())
		}
	}
	if len(fields) == 0 {
		return nil
	}

	if !c.store.ModifyUser(ctx, id, fields) {
		return apperrors.Internal("failed to persist user change")
	}
	c.users.Mutate(id, func(u *user.User) { applyUserFields(u, fields) })

	c.fanout.EditUser(id, fields)
	return nil
}

func applyUserFields(u *user.User, fields store.Partial) {
	for name, value := range fields {
		switch name {
		case "name":
			if s, ok := value.(string); ok {
				u.Name = s
			}
		case "email":
			if s, ok := value.(string); ok {
				u.Email = s
			}
		case "password":
			if s, ok := value.(string); ok {
				u.PasswordHash = s
			}
		case "permissions":
			switch v := value.(type) {
			case int64:
				u.Permissions = user.Permission(v)
			case float64:
				u.Permissions = user.Permission(int64(v))
			}
		case "priority":
			switch v := value.(type) {
			case int64:
				u.Priority = v
			case float64:
				u.Priority = int64(v)
			}
		case "limits":
			if s, ok := value.(string); ok {
				u.Limits = limits.Parse(s)
			}
		}
	}
}

// EditUserPermission adds or removes one permission bit (Admin).
func (c *Core) EditUserPermission(ctx context.Context, tok string, id int64, perm user.Permission, add bool) error {
	caller, err := c.caller(tok)
	if err != nil {
		return err
	}
	if err := require(caller, user.Admin); err != nil {
		return err
	}
	target := c.users.ByID(id)
	if target == nil {
		return apperrors.InvalidArgument("unknown user")
	}
	if perm == user.Invalid {
		return apperrors.InvalidArgument("unknown permission")
	}

	mask := target.Permissions
	if add {
		mask |= perm
	} else {
		mask &^= perm
	}

	if !c.store.ModifyUser(ctx, id, store.Partial{"permissions": int64(mask)}) {
		return apperrors.Internal("failed to persist permission change")
	}
	c.users.Mutate(id, func(u *user.User) { u.Permissions = mask })

	c.fanout.EditUser(id, store.Partial{"permissions": int64(mask)})
	return nil
}

// Plugins lists the loaded plugin names.
func (c *Core) Plugins(tok string) ([]string, error) {
	if _, err := c.caller(tok); err != nil {
		return nil, err
	}
	return c.plugins.Loaded(), nil
}

// AddPlugin loads a plugin and persists the new plugin list (Admin).
func (c *Core) AddPlugin(ctx context.Context, tok, name string) error {
	caller, err := c.caller(tok)
	if err != nil {
		return err
	}
	if err := require(caller, user.Admin); err != nil {
		return err
	}
	if c.plugins.IsLoaded(name) {
		return apperrors.InvalidArgument("plugin already loaded")
	}

	names := append(c.plugins.Loaded(), name)
	if !c.writeSetting(ctx, settings.Plugins, plugin.EncodeNames(names)) {
		return apperrors.Internal("failed to persist plugin list")
	}

	c.plugins.Load(name)
	c.fanout.AddPlugin(name)
	return nil
}

// RemovePlugin unloads a plugin and persists the new plugin list (Admin).
func (c *Core) RemovePlugin(ctx context.Context, tok, name string) error {
	caller, err := c.caller(tok)
	if err != nil {
		return err
	}
	if err := require(caller, user.Admin); err != nil {
		return err
	}
	if !c.plugins.IsLoaded(name) {
		return apperrors.InvalidArgument("plugin is not loaded")
	}

	var names []string
	for _, n := range c.plugins.Loaded() {
		if n != name {
			names = append(names, n)
		}
	}
	if !c.writeSetting(ctx, settings.Plugins, plugin.EncodeNames(names)) {
		return apperrors.Internal("failed to persist plugin list")
	}

	c.plugins.Unload(name)
	c.fanout.RemovePlugin(name)
	return nil
}

// PluginOptions returns the stored Plugin.<name>.* settings (Admin).
func (c *Core) PluginOptions(tok, name string) (map[string]string, error) {
	caller, err := c.caller(tok)
	if err != nil {
		return nil, err
	}
	if err := require(caller, user.Admin); err != nil {
		return nil, err
	}

	options := make(map[string]string)
	for _, key := range c.settings.StoredKeys() {
		if strings.EqualFold(settings.PluginName(key), name) {
			options[key] = c.settings.Get(key)
		}
	}
	return options, nil
}

// StatusReport is the daemon's build and load summary.
type StatusReport struct {
	Build   BuildInfo `json:"build"`
	Running int       `json:"running"`
	Pending int       `json:"pending"`
	Users   int       `json:"users"`
}

// Status reports build metadata and queue counts.
func (c *Core) Status(tok string) (*StatusReport, error) {
	if _, err := c.caller(tok); err != nil {
		return nil, err
	}

	running, pending := c.sched.Counts()
	return &StatusReport{
		Build:   c.build,
		Running: running,
		Pending: pending,
		Users:   len(c.users.All()),
	}, nil
}
