// Package report computes the performance, task and user reports from the
// persisted rows.
package report

import (
	"context"
	"sort"
	"time"

	"github.com/taskqd/taskqd/internal/limits"
	"github.com/taskqd/taskqd/internal/store"
	"github.com/taskqd/taskqd/internal/user"
	"github.com/taskqd/taskqd/pkg/logger"
	"github.com/taskqd/taskqd/pkg/sysinfo"
)

// PerformanceRow is one user's aggregated consumption over the report
// window. Resource sums are limit × task duration in seconds; a zero CPU or
// memory limit counts as the host total on that axis.
type PerformanceRow struct {
	UserID    int64   `json:"_id"`
	User      string  `json:"user"`
	Email     string  `json:"email"`
	Count     int64   `json:"count"`
	CPU       float64 `json:"cpu"`
	GPU       float64 `json:"gpu"`
	Memory    float64 `json:"memory"`
	GPUMemory float64 `json:"gpu_memory"`
	Storage   float64 `json:"storage"`
}

// Reporter runs the report queries.
type Reporter struct {
	store  *store.Store
	host   sysinfo.Host
	logger *logger.Logger
}

// New creates a reporter over the store.
func New(st *store.Store, host sysinfo.Host, log *logger.Logger) *Reporter {
	return &Reporter{
		store:  st,
		host:   host,
		logger: log.WithComponent("reports"),
	}
}

// Performance aggregates finished tasks inside the window per user, sorted
// by user id ascending.
func (r *Reporter) Performance(ctx context.Context, from, to time.Time) []PerformanceRow {
	rows := r.store.Tasks(ctx, &store.Condition{
		Expr: "(start_time > :from OR start_time IS NULL) AND (end_time < :to AND end_time IS NOT NULL)",
		Args: map[string]any{"from": from, "to": to},
	})

	perUser := make(map[int64]*PerformanceRow)
	for _, row := range rows {
		entry, ok := perUser[row.UserID]
		if !ok {
			entry = &PerformanceRow{UserID: row.UserID}
			perUser[row.UserID] = entry
		}
		entry.Count++

		var seconds float64
		if row.StartTime != nil && row.EndTime != nil {
			seconds = row.EndTime.Sub(*row.StartTime).Seconds()
		}

		lim := limits.Parse(row.Limits)
		entry.CPU += float64(effective(lim.CPU, r.host.CPUCount)) * seconds
		entry.Memory += float64(effective(lim.Memory, r.host.MemoryBytes)) * seconds
		entry.GPU += float64(lim.GPU) * seconds
		entry.GPUMemory += float64(lim.GPUMemory) * seconds
		entry.Storage += float64(lim.Storage) * seconds
	}
	if len(perUser) == 0 {
		return nil
	}

	names := make(map[int64]store.UserRow)
	for _, u := range r.store.Users(ctx, nil) {
		names[u.ID] = u
	}

	report := make([]PerformanceRow, 0, len(perUser))
	for id, entry := range perUser {
		if u, ok := names[id]; ok {
			entry.User = u.Name
			entry.Email = u.Email
		}
		report = append(report, *entry)
	}
	sort.Slice(report, func(i, j int) bool { return report[i].UserID < report[j].UserID })
	return report
}

// Tasks lists a user's tasks inside the window. A negative user id lists
// every user's tasks.
func (r *Reporter) Tasks(ctx context.Context, userID int64, from, to time.Time) []store.TaskRow {
	expr := "(start_time > :from OR start_time IS NULL) AND (end_time < :to OR end_time IS NULL)"
	args := map[string]any{"from": from, "to": to}
	if userID >= 0 {
		expr = "user_id = :user AND " + expr
		args["user"] = userID
	}
	return r.store.Tasks(ctx, &store.Condition{Expr: expr, Args: args})
}

// Users lists users whose last login is after the given time; a non-Invalid
// permission additionally keeps only rows sharing at least one of its bits.
func (r *Reporter) Users(ctx context.Context, lastLogged time.Time, perm user.Permission) []store.UserRow {
	var cond *store.Condition
	if !lastLogged.IsZero() {
		cond = &store.Condition{
			Expr: "last_login > :since",
			Args: map[string]any{"since": lastLogged},
		}
	}

	rows := r.store.Users(ctx, cond)
	if perm == user.Invalid {
		return rows
	}

	filtered := rows[:0]
	for _, row := range rows {
		if user.Permission(row.Permissions).Intersects(perm) {
			filtered = append(filtered, row)
		}
	}
	return filtered
}

func effective(limit, hostTotal int64) int64 {
	if limit <= 0 {
		return hostTotal
	}
	return limit
}
