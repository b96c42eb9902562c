// Package core is the single entry point for every externally reachable
// operation: it resolves the caller's token, applies the permission gate,
// writes through to the store and emits the matching plugin event.
package core

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/taskqd/taskqd/internal/metrics"
	"github.com/taskqd/taskqd/internal/plugin"
	"github.com/taskqd/taskqd/internal/report"
	"github.com/taskqd/taskqd/internal/retention"
	"github.com/taskqd/taskqd/internal/scheduler"
	"github.com/taskqd/taskqd/internal/settings"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/task"
	"github.com/taskqd/taskqd/internal/token"
	"github.com/taskqd/taskqd/internal/user"
	"github.com/taskqd/taskqd/pkg/logger"
	"github.com/taskqd/taskqd/pkg/sysinfo"
)

// BuildInfo carries the binary's compile-time metadata for Status.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
}

// Core orchestrates the components. It stores no domain state of its own.
type Core struct {
	store     *store.Store
	settings  *settings.Settings
	tokens    *token.Manager
	users     *user.Manager
	sched     *scheduler.Scheduler
	reports   *report.Reporter
	retention *retention.Timer
	plugins   *plugin.Host
	fanout    *plugin.Fanout

	host   sysinfo.Host
	build  BuildInfo
	logger *logger.Logger
	now    func() time.Time
}

// Options bundles the constructor dependencies.
type Options struct {
	Store      *store.Store
	Host       sysinfo.Host
	CgroupRoot string
	Salt       string
	Build      BuildInfo
	Logger     *logger.Logger
}

// New builds the component graph and wires the cross-component callbacks.
func New(opts Options) *Core {
	log := opts.Logger

	c := &Core{
		store:    opts.Store,
		settings: settings.New(log),
		tokens:   token.NewManager(log),
		host:     opts.Host,
		build:    opts.Build,
		logger:   log.WithComponent("core"),
		now:      time.Now,
	}
	c.users = user.NewManager(c.tokens, opts.Salt, log)
	c.sched = scheduler.New(opts.Host, opts.CgroupRoot, log)
	c.reports = report.New(opts.Store, opts.Host, log)
	c.retention = retention.New(opts.Store, c.settings.Get, log)
	c.fanout = plugin.NewFanout(log)
	c.plugins = plugin.NewHost(c.mintPluginToken, log)

	c.tokens.OnTokenExpired = c.tokenExpired
	c.users.OnUserLoggedIn = c.userLoggedIn
	c.sched.OnTaskStarted = c.taskStarted
	c.sched.OnTaskFinished = c.taskFinished
	c.settings.OnValueUpdated = c.settingUpdated

	return c
}

// Fanout exposes the plugin dispatcher for sink registration at startup.
func (c *Core) Fanout() *plugin.Fanout {
	return c.fanout
}

// Settings exposes read access for the serving layer.
func (c *Core) Settings() *settings.Settings {
	return c.settings
}

// Load reads the persisted state back into the components: settings first,
// then tokens (expired rows dropped beforehand), users, and unfinished
// tasks. Writes the schema marker back when it is stale.
func (c *Core) Load(ctx context.Context) {
	c.settings.BulkLoad(c.store.Settings(ctx, nil))

	if !c.settings.CheckDatabaseVersion() {
		c.logger.Info().Str("version", store.SchemaVersion).Msg("updating schema marker")
		c.writeSetting(ctx, settings.DatabaseVersion, store.SchemaVersion)
	}

	if _, err := c.store.RemoveExpiredTokens(ctx, c.now()); err != nil {
		c.logger.Warn().Err(err).Msg("failed to drop expired tokens")
	}
	c.tokens.LoadAll(c.store.Tokens(ctx, nil))
	c.users.LoadAll(c.store.Users(ctx, nil))

	if raw := c.settings.Get(settings.OnExitAction); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			c.sched.SetOnExitAction(task.OnExitAction(v))
		}
	}

	c.plugins.LoadAll(plugin.ParseNames(c.settings.Get(settings.Plugins)))

	c.sched.LoadAll(c.store.Tasks(ctx, &store.Condition{Expr: "end_time IS NULL"}))
}

// Start launches the retention timer.
func (c *Core) Start() {
	c.retention.Start()
}

// Shutdown stops the timers and the scheduler serializer.
func (c *Core) Shutdown() {
	c.retention.Stop()
	c.sched.Shutdown()
	c.tokens.Stop()
}

// mintPluginToken hands plugin hosts a long-lived administrative token.
func (c *Core) mintPluginToken() string {
	for _, u := range c.users.All() {
		if u.Permissions.Has(user.SuperAdmin) {
			return c.users.AuthorizeUnchecked(u.Name)
		}
	}
	return ""
}

func (c *Core) tokenExpired(value string) {
	metrics.TokensExpired.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.store.RemoveTokenByValue(ctx, value)
}

func (c *Core) userLoggedIn(id int64, at time.Time) {
	metrics.Logins.Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.store.ModifyUser(ctx, id, store.Partial{"last_login": at}) {
		c.users.Mutate(id, func(u *user.User) { u.LastLogin = &at })
	}
}

func (c *Core) taskStarted(id int64, at time.Time) {
	metrics.TasksStarted.Inc()
	metrics.TasksRunning.Inc()
	metrics.TasksPending.Dec()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.store.ModifyTask(ctx, id, store.Partial{"start_time": at})
	c.fanout.StartTask(id)
}

func (c *Core) taskFinished(id int64, at time.Time) {
	metrics.TasksFinished.Inc()
	metrics.TasksRunning.Dec()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.store.ModifyTask(ctx, id, store.Partial{"end_time": at})
	c.fanout.StopTask(id)
}

// settingUpdated reacts to applied setting changes: the scheduler picks up
// a new on-exit action, the retention timer a new period.
func (c *Core) settingUpdated(id int64, key, value string) {
	switch {
	case equalKey(key, settings.OnExitAction):
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			c.sched.SetOnExitAction(task.OnExitAction(v))
		}
	case equalKey(key, settings.DatabaseInterval):
		c.retention.Restart()
	}
}

func equalKey(a, b string) bool {
	return strings.EqualFold(a, b)
}

// SetTaskRunner overrides the scheduler's process launcher (tests only).
// Must be called before any task is added.
func (c *Core) SetTaskRunner(
	launch func(p *task.Process, action task.OnExitAction, at time.Time) (func() error, error),
	terminate func(p *task.Process, action task.OnExitAction),
) {
	c.sched.SetLauncher(launch, terminate)
}

// writeSetting persists a setting value and applies it in memory. Reports
// false when the store write fails; in-memory state is then unchanged.
func (c *Core) writeSetting(ctx context.Context, key, value string) bool {
	if id := c.settings.IDOf(key); id >= 0 {
		if !c.store.ModifySetting(ctx, id, store.Partial{"value": value}) {
			return false
		}
		c.settings.Set(key, value)
		return true
	}

	row := &store.SettingRow{Key: key, Value: value, AdminOnly: c.settings.IsAdmin(key)}
	id := c.store.AddSetting(ctx, row)
	if id < 0 {
		return false
	}
	c.settings.Set(key, value)
	c.settings.SetID(key, id)
	return true
}
