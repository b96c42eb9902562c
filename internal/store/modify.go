package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// columns lists the writable columns of each table. _id is intentionally
// absent: it is never writable through Modify.
var columns = map[string]map[string]bool{
	"settings": {"key": true, "value": true, "admin_only": true},
	"users":    {"name": true, "email": true, "password": true, "permissions": true, "priority": true, "limits": true, "last_login": true},
	"tokens":   {"token": true, "user_name": true, "valid_until": true},
	"tasks":    {"user_id": true, "command": true, "arguments": true, "working_directory": true, "uid": true, "gid": true, "nice": true, "limits": true, "start_time": true, "end_time": true},
}

// Partial is a partial row for updates: column name to new value.
type Partial map[string]any

// modify applies a partial row to one record. Unknown columns are dropped
// with a warning; _id is never writable. Returns false on store failure.
func (s *Store) modify(ctx context.Context, table string, id int64, fields Partial) bool {
	known := columns[table]

	names := make([]string, 0, len(fields))
	for name := range fields {
		if name == "_id" || !known[name] {
			s.logger.Warn().Str("table", table).Str("column", name).Msg("ignoring unknown column in modify")
			continue
		}
		names = append(names, name)
	}
	if len(names) == 0 {
		return true
	}
	sort.Strings(names)

	set := make([]string, 0, len(names))
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		set = append(set, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, fields[name])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE _id = $%d", table, strings.Join(set, ", "), len(args))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		s.logger.Error().Err(err).Str("table", table).Int64("id", id).Msg("modify failed")
		return false
	}
	return true
}

// ModifySetting applies a partial row to a setting.
func (s *Store) ModifySetting(ctx context.Context, id int64, fields Partial) bool {
	return s.modify(ctx, "settings", id, fields)
}

// ModifyUser applies a partial row to a user.
func (s *Store) ModifyUser(ctx context.Context, id int64, fields Partial) bool {
	return s.modify(ctx, "users", id, fields)
}

// ModifyToken applies a partial row to a token.
func (s *Store) ModifyToken(ctx context.Context, id int64, fields Partial) bool {
	return s.modify(ctx, "tokens", id, fields)
}

// ModifyTask applies a partial row to a task.
func (s *Store) ModifyTask(ctx context.Context, id int64, fields Partial) bool {
	return s.modify(ctx, "tasks", id, fields)
}

func (s *Store) remove(ctx context.Context, table string, id int64) bool {
	query := fmt.Sprintf("DELETE FROM %s WHERE _id = $1", table)
	if _, err := s.db.ExecContext(ctx, query, id); err != nil {
		s.logger.Error().Err(err).Str("table", table).Int64("id", id).Msg("remove failed")
		return false
	}
	return true
}

// RemoveSetting deletes one setting row.
func (s *Store) RemoveSetting(ctx context.Context, id int64) bool {
	return s.remove(ctx, "settings", id)
}

// RemoveUser deletes one user row.
func (s *Store) RemoveUser(ctx context.Context, id int64) bool {
	return s.remove(ctx, "users", id)
}

// RemoveToken deletes one token row.
func (s *Store) RemoveToken(ctx context.Context, id int64) bool {
	return s.remove(ctx, "tokens", id)
}

// RemoveTask deletes one task row.
func (s *Store) RemoveTask(ctx context.Context, id int64) bool {
	return s.remove(ctx, "tasks", id)
}

// RemoveTokenByValue deletes the token row carrying the given opaque value.
func (s *Store) RemoveTokenByValue(ctx context.Context, value string) bool {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE token = $1`, value); err != nil {
		s.logger.Error().Err(err).Msg("remove token failed")
		return false
	}
	return true
}

// RemoveTasksBefore deletes finished tasks whose end time is older than
// the cutoff. Returns the number of rows removed.
func (s *Store) RemoveTasksBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE end_time IS NOT NULL AND end_time < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RemoveExpiredTokens deletes tokens whose validity ended before now.
// Returns the number of rows removed.
func (s *Store) RemoveExpiredTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tokens WHERE valid_until < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RemoveUsersBefore deletes users whose last login is older than the
// cutoff. Users that never logged in are kept. Returns the number removed.
func (s *Store) RemoveUsersBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM users WHERE last_login IS NOT NULL AND last_login < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
