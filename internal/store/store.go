// Package store implements typed persistent row storage for the daemon's
// four tables: settings, users, tokens and tasks.
package store

import (
	"context"
	"time"

	"github.com/taskqd/taskqd/pkg/database"
	"github.com/taskqd/taskqd/pkg/logger"
)

// TimeLayout is the wire form of every timestamp accepted in conditions
// and rendered in reports: ISO-8601 with millisecond precision.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// SettingRow is a row of the settings table.
type SettingRow struct {
	ID        int64  `db:"_id" json:"_id"`
	Key       string `db:"key" json:"key"`
	Value     string `db:"value" json:"value"`
	AdminOnly bool   `db:"admin_only" json:"admin_only"`
}

// UserRow is a row of the users table. Password holds the SHA-512 hex
// digest, never the plain text.
type UserRow struct {
	ID          int64      `db:"_id" json:"_id"`
	Name        string     `db:"name" json:"name"`
	Email       string     `db:"email" json:"email"`
	Password    string     `db:"password" json:"-"`
	Permissions int64      `db:"permissions" json:"permissions"`
	Priority    int64      `db:"priority" json:"priority"`
	Limits      string     `db:"limits" json:"limits"`
	LastLogin   *time.Time `db:"last_login" json:"last_login,omitempty"`
}

// TokenRow is a row of the tokens table.
type TokenRow struct {
	ID         int64     `db:"_id" json:"_id"`
	Token      string    `db:"token" json:"token"`
	UserName   string    `db:"user_name" json:"user_name"`
	ValidUntil time.Time `db:"valid_until" json:"valid_until"`
}

// TaskRow is a row of the tasks table. Arguments are LF-joined to keep the
// ordered list in a single column.
type TaskRow struct {
	ID               int64      `db:"_id" json:"_id"`
	UserID           int64      `db:"user_id" json:"user_id"`
	Command          string     `db:"command" json:"command"`
	Arguments        string     `db:"arguments" json:"arguments"`
	WorkingDirectory string     `db:"working_directory" json:"working_directory"`
	UID              int64      `db:"uid" json:"uid"`
	GID              int64      `db:"gid" json:"gid"`
	Nice             int64      `db:"nice" json:"nice"`
	Limits           string     `db:"limits" json:"limits"`
	StartTime        *time.Time `db:"start_time" json:"start_time,omitempty"`
	EndTime          *time.Time `db:"end_time" json:"end_time,omitempty"`
}

// Condition is an opaque predicate with named parameters, passed through to
// the backing store. Expr uses sqlx named-parameter syntax (:name).
type Condition struct {
	Expr string
	Args map[string]any
}

// Store provides typed access to the four tables.
type Store struct {
	db     *database.DB
	logger *logger.Logger
}

// New creates a store over an open database connection.
func New(db *database.DB, log *logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.WithComponent("store"),
	}
}

// Close closes the backing connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// selectRows runs a SELECT with an optional condition, binding named
// parameters. Backing-store errors are logged and yield the empty list.
func selectRows[T any](s *Store, ctx context.Context, table, columns string, cond *Condition) []T {
	query := "SELECT " + columns + " FROM " + table
	var args []any

	if cond != nil && cond.Expr != "" {
		named, namedArgs, err := s.db.BindNamed("WHERE "+cond.Expr, cond.Args)
		if err != nil {
			s.logger.Warn().Err(err).Str("table", table).Str("condition", cond.Expr).Msg("invalid condition")
			return nil
		}
		query += " " + named
		args = namedArgs
	}
	query += " ORDER BY _id"

	var rows []T
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		s.logger.Warn().Err(err).Str("table", table).Msg("select failed")
		return nil
	}
	return rows
}

// Settings returns setting rows matching the condition (nil for all).
func (s *Store) Settings(ctx context.Context, cond *Condition) []SettingRow {
	return selectRows[SettingRow](s, ctx, "settings", "_id, key, value, admin_only", cond)
}

// Users returns user rows matching the condition (nil for all).
func (s *Store) Users(ctx context.Context, cond *Condition) []UserRow {
	return selectRows[UserRow](s, ctx, "users", "_id, name, email, password, permissions, priority, limits, last_login", cond)
}

// Tokens returns token rows matching the condition (nil for all).
func (s *Store) Tokens(ctx context.Context, cond *Condition) []TokenRow {
	return selectRows[TokenRow](s, ctx, "tokens", "_id, token, user_name, valid_until", cond)
}

// Tasks returns task rows matching the condition (nil for all).
func (s *Store) Tasks(ctx context.Context, cond *Condition) []TaskRow {
	return selectRows[TaskRow](s, ctx, "tasks", "_id, user_id, command, arguments, working_directory, uid, gid, nice, limits, start_time, end_time", cond)
}

// SettingByID returns the setting row with the given id, or nil.
func (s *Store) SettingByID(ctx context.Context, id int64) *SettingRow {
	rows := s.Settings(ctx, &Condition{Expr: "_id = :id", Args: map[string]any{"id": id}})
	if len(rows) == 0 {
		return nil
	}
	return &rows[0]
}

// UserByID returns the user row with the given id, or nil.
func (s *Store) UserByID(ctx context.Context, id int64) *UserRow {
	rows := s.Users(ctx, &Condition{Expr: "_id = :id", Args: map[string]any{"id": id}})
	if len(rows) == 0 {
		return nil
	}
	return &rows[0]
}

// TokenByID returns the token row with the given id, or nil.
func (s *Store) TokenByID(ctx context.Context, id int64) *TokenRow {
	rows := s.Tokens(ctx, &Condition{Expr: "_id = :id", Args: map[string]any{"id": id}})
	if len(rows) == 0 {
		return nil
	}
	return &rows[0]
}

// TaskByID returns the task row with the given id, or nil.
func (s *Store) TaskByID(ctx context.Context, id int64) *TaskRow {
	rows := s.Tasks(ctx, &Condition{Expr: "_id = :id", Args: map[string]any{"id": id}})
	if len(rows) == 0 {
		return nil
	}
	return &rows[0]
}

// AddSetting inserts a setting row and returns its id, or -1 on failure.
func (s *Store) AddSetting(ctx context.Context, row *SettingRow) int64 {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO settings (key, value, admin_only) VALUES ($1, $2, $3) RETURNING _id`,
		row.Key, row.Value, row.AdminOnly,
	).Scan(&id)
	if err != nil {
		s.logger.Error().Err(err).Str("key", row.Key).Msg("failed to insert setting")
		return -1
	}
	return id
}

// AddUser inserts a user row and returns its id, or -1 on failure.
func (s *Store) AddUser(ctx context.Context, row *UserRow) int64 {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO users (name, email, password, permissions, priority, limits, last_login)
		 VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING _id`,
		row.Name, row.Email, row.Password, row.Permissions, row.Priority, row.Limits, row.LastLogin,
	).Scan(&id)
	if err != nil {
		s.logger.Error().Err(err).Str("name", row.Name).Msg("failed to insert user")
		return -1
	}
	return id
}

// AddToken inserts a token row and returns its id, or -1 on failure.
func (s *Store) AddToken(ctx context.Context, row *TokenRow) int64 {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO tokens (token, user_name, valid_until) VALUES ($1, $2, $3) RETURNING _id`,
		row.Token, row.UserName, row.ValidUntil,
	).Scan(&id)
	if err != nil {
		s.logger.Error().Err(err).Str("user", row.UserName).Msg("failed to insert token")
		return -1
	}
	return id
}

// AddTask inserts a task row and returns its id, or -1 on failure.
func (s *Store) AddTask(ctx context.Context, row *TaskRow) int64 {
	var id int64
	err := s.db.QueryRowxContext(ctx,
		`INSERT INTO tasks (user_id, command, arguments, working_directory, uid, gid, nice, limits, start_time, end_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING _id`,
		row.UserID, row.Command, row.Arguments, row.WorkingDirectory,
		row.UID, row.GID, row.Nice, row.Limits, row.StartTime, row.EndTime,
	).Scan(&id)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", row.UserID).Msg("failed to insert task")
		return -1
	}
	return id
}
