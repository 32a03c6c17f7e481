package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	xerrors "Crew-Relay/internal/errors"
	"Crew-Relay/internal/task"
)

// parseFilter 解析 status、mode、limit、offset、order 与 q 查询参数。
func parseFilter(r *http.Request) (task.Filter, error) {
	query := r.URL.Query()
	var filter task.Filter

	for _, part := range strings.Split(query.Get("status"), ",") {
		status := task.Status(strings.ToLower(strings.TrimSpace(part)))
		if status == "" {
			continue
		}
		if !task.IsValidStatus(status) {
			return filter, xerrors.New(xerrors.CodeInvalidArgument, "unknown status: "+part)
		}
		filter.Statuses = append(filter.Statuses, status)
	}
	if raw := strings.TrimSpace(query.Get("mode")); raw != "" {
		mode := task.Mode(strings.ToLower(raw))
		if mode != task.ModeSync && mode != task.ModeAsync {
			return filter, xerrors.New(xerrors.CodeInvalidArgument, "unknown mode: "+raw)
		}
		filter.Modes = []task.Mode{mode}
	}
	var err error
	if filter.Limit, err = nonNegative(query, "limit"); err != nil {
		return filter, err
	}
	if filter.Offset, err = nonNegative(query, "offset"); err != nil {
		return filter, err
	}
	switch order := strings.ToLower(strings.TrimSpace(query.Get("order"))); order {
	case "", "desc":
	case "asc":
		filter.Ascending = true
	default:
		return filter, xerrors.New(xerrors.CodeInvalidArgument, "order must be asc or desc")
	}
	filter.Query = query.Get("q")
	return filter, nil
}

func nonNegative(query url.Values, key string) (int, error) {
	raw := query.Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, key+" must be a non-negative integer")
	}
	return n, nil
}
