// Package httpapi serves the HTTP/JSON control surface.
package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/taskqd/taskqd/internal/core"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/user"
	apperrors "github.com/taskqd/taskqd/pkg/errors"
	"github.com/taskqd/taskqd/pkg/httputil"
	"github.com/taskqd/taskqd/pkg/logger"
)

// Handler serves the control surface endpoints.
type Handler struct {
	core     *core.Core
	validate *validator.Validate
	logger   *logger.Logger
}

// NewHandler creates the endpoint handler.
func NewHandler(c *core.Core, log *logger.Logger) *Handler {
	return &Handler{
		core:     c,
		validate: validator.New(),
		logger:   log.WithComponent("http"),
	}
}

func token(r *http.Request) string {
	return httputil.GetToken(r.Context())
}

// parseTime accepts the wire time layout or RFC3339, falling back to def.
func parseTime(raw string, def time.Time) time.Time {
	if raw == "" {
		return def
	}
	if t, err := time.Parse(store.TimeLayout, raw); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	return def
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, apperrors.InvalidArgument("invalid " + name)
	}
	return id, nil
}

// Auth handles POST /auth.
func (h *Handler) Auth(w http.ResponseWriter, r *http.Request) {
	var req struct {
		User     string `json:"user" validate:"required"`
		Password string `json:"password" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.Error(w, apperrors.InvalidArgument("user and password are required"))
		return
	}

	tok, err := h.core.Auth(r.Context(), req.User, req.Password)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"token": tok})
}

// Authorization handles GET /auth: validity check of the presented token.
func (h *Handler) Authorization(w http.ResponseWriter, r *http.Request) {
	until, err := h.core.Authorization(token(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{
		"valid_until": until.Format(store.TimeLayout),
	})
}

// GetOption handles GET /option/{key}.
func (h *Handler) GetOption(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := h.core.Option(token(r), key)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"key": key, "value": value})
}

// SetOption handles POST /option/{key}.
func (h *Handler) SetOption(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := h.core.SetOption(r.Context(), token(r), chi.URLParam(r, "key"), req.Value); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

func (h *Handler) editPermission(w http.ResponseWriter, r *http.Request, add bool) {
	userID, err := pathID(r, "userId")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var req struct {
		Permission string `json:"permission" validate:"required"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	perm := user.ParsePermission(req.Permission)
	if perm == user.Invalid {
		httputil.Error(w, apperrors.InvalidArgument("unknown permission"))
		return
	}

	if err := h.core.EditUserPermission(r.Context(), token(r), userID, perm, add); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

// AddPermission handles POST /permissions/{userId}.
func (h *Handler) AddPermission(w http.ResponseWriter, r *http.Request) {
	h.editPermission(w, r, true)
}

// RemovePermission handles DELETE /permissions/{userId}.
func (h *Handler) RemovePermission(w http.ResponseWriter, r *http.Request) {
	h.editPermission(w, r, false)
}

// AddPlugin handles POST /plugin/{name}.
func (h *Handler) AddPlugin(w http.ResponseWriter, r *http.Request) {
	if err := h.core.AddPlugin(r.Context(), token(r), chi.URLParam(r, "name")); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

// RemovePlugin handles DELETE /plugin/{name}.
func (h *Handler) RemovePlugin(w http.ResponseWriter, r *http.Request) {
	if err := h.core.RemovePlugin(r.Context(), token(r), chi.URLParam(r, "name")); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

// PluginOptions handles GET /plugin/{name}: the stored Plugin.<name>.*
// settings.
func (h *Handler) PluginOptions(w http.ResponseWriter, r *http.Request) {
	options, err := h.core.PluginOptions(token(r), chi.URLParam(r, "name"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, options)
}

// Plugins handles GET /plugins.
func (h *Handler) Plugins(w http.ResponseWriter, r *http.Request) {
	names, err := h.core.Plugins(token(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, names)
}

// Reports handles GET /reports: the performance report over ?from / ?to.
func (h *Handler) Reports(w http.ResponseWriter, r *http.Request) {
	from := parseTime(r.URL.Query().Get("from"), time.Time{})
	to := parseTime(r.URL.Query().Get("to"), time.Now())

	rows, err := h.core.PerformanceReport(r.Context(), token(r), from, to)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, rows)
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.core.Status(token(r))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, status)
}

// AddTask handles POST /task.
func (h *Handler) AddTask(w http.ResponseWriter, r *http.Request) {
	var req core.TaskRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.Error(w, apperrors.InvalidArgument("command is required"))
		return
	}

	t, err := h.core.AddTask(r.Context(), token(r), req)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.Created(w, t)
}

// GetTask handles GET /task/{id}.
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	row, err := h.core.Task(r.Context(), token(r), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, row)
}

// EditTask handles POST /task/{id}: a partial row of column values.
func (h *Handler) EditTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	var fields store.Partial
	if err := httputil.DecodeJSON(r, &fields); err != nil {
		httputil.Error(w, err)
		return
	}
	if len(fields) == 0 {
		httputil.Error(w, apperrors.InvalidArgument("empty change set"))
		return
	}

	if err := h.core.EditTask(r.Context(), token(r), id, fields); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

// ToggleTask handles PUT /task/{id}: start a pending task, stop a running
// one.
func (h *Handler) ToggleTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httputil.Error(w, err)
		return
	}

	action, err := h.core.ToggleTask(r.Context(), token(r), id)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, map[string]string{"action": action})
}

// Tasks handles GET /tasks: the task report over ?user / ?from / ?to.
func (h *Handler) Tasks(w http.ResponseWriter, r *http.Request) {
	userID := int64(-1)
	if raw := r.URL.Query().Get("user"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			httputil.Error(w, apperrors.InvalidArgument("invalid user id"))
			return
		}
		userID = parsed
	}
	from := parseTime(r.URL.Query().Get("from"), time.Time{})
	to := parseTime(r.URL.Query().Get("to"), time.Now())

	rows, err := h.core.TaskReport(r.Context(), token(r), userID, from, to)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, rows)
}

// AddUser handles POST /user.
func (h *Handler) AddUser(w http.ResponseWriter, r *http.Request) {
	var req core.UserRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httputil.Error(w, apperrors.InvalidArgument("name and password are required"))
		return
	}

	u, err := h.core.AddUser(r.Context(), token(r), req)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.Created(w, u)
}

// GetUser handles GET /user/{name}.
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, err := h.core.User(token(r), chi.URLParam(r, "name"))
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, u)
}

// EditUser handles POST /user/{name}: a partial row of column values.
func (h *Handler) EditUser(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	id, ok := h.core.UserIDByName(name)
	if !ok {
		httputil.Error(w, apperrors.InvalidArgument("unknown user"))
		return
	}

	var fields store.Partial
	if err := httputil.DecodeJSON(r, &fields); err != nil {
		httputil.Error(w, err)
		return
	}
	if len(fields) == 0 {
		httputil.Error(w, apperrors.InvalidArgument("empty change set"))
		return
	}

	if err := h.core.EditUser(r.Context(), token(r), id, fields); err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.NoContent(w)
}

// Users handles GET /users: the user report over ?last_logged /
// ?permission.
func (h *Handler) Users(w http.ResponseWriter, r *http.Request) {
	lastLogged := parseTime(r.URL.Query().Get("last_logged"), time.Time{})
	perm := user.Invalid
	if raw := r.URL.Query().Get("permission"); raw != "" {
		perm = user.ParsePermission(raw)
		if perm == user.Invalid {
			httputil.Error(w, apperrors.InvalidArgument("unknown permission"))
			return
		}
	}

	rows, err := h.core.UserReport(r.Context(), token(r), lastLogged, perm)
	if err != nil {
		httputil.Error(w, err)
		return
	}
	httputil.JSON(w, http.StatusOK, rows)
}
