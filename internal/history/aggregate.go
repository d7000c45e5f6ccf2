package history

import (
	"fmt"
	"sort"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/config"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
)

// Period is an aggregation bucket size
type Period string

const (
	Day   Period = "day"
	Week  Period = "week"
	Month Period = "month"
)

// ParsePeriod validates a period name
func ParsePeriod(s string) (Period, error) {
	switch Period(s) {
	case Day, Week, Month:
		return Period(s), nil
	case "":
		return Day, nil
	}
	return "", fmt.Errorf("%w: unknown period %q", domain.ErrValidation, s)
}

// UserSummary counts one user's attempts within a bucket
type UserSummary struct {
	Script    string                    `json:"script"`
	User      string                    `json:"user"`
	Attempts  int                       `json:"attempts"`
	Successes int                       `json:"successes"`
	Failures  int                       `json:"failures"`
	ByKind    map[domain.ResultKind]int `json:"by_kind"`
	Judged    int                       `json:"judged"`
	LastError string                    `json:"last_error,omitempty"`
}

// Summary is one bucket
type Summary struct {
	Key   string         `json:"key"`
	Users []*UserSummary `json:"users"`
}

func bucketKey(e Entry, p Period) string {
	switch p {
	case Week:
		return config.WeekKey(e.StartedAt)
	case Month:
		return e.StartedAt.Format("2006-01")
	default:
		return e.StartedAt.Format(dateLayout)
	}
}

// Aggregate groups entries into period buckets, oldest first. Within a
// bucket users are ordered by script then user name.
func Aggregate(entries []Entry, p Period) []Summary {
	buckets := make(map[string]map[string]*UserSummary)
	for _, e := range entries {
		key := bucketKey(e, p)
		users, ok := buckets[key]
		if !ok {
			users = make(map[string]*UserSummary)
			buckets[key] = users
		}
		id := e.ScriptID + "/" + e.UserID
		us, ok := users[id]
		if !ok {
			us = &UserSummary{Script: e.Script, User: e.User, ByKind: make(map[domain.ResultKind]int)}
			users[id] = us
		}

		us.Attempts++
		us.ByKind[e.Status.Kind]++
		switch {
		case e.Status.IsSuccess():
			us.Successes++
		case e.Status.IsFailure():
			us.Failures++
			us.LastError = e.Status.Detail
		}
		if e.Judgment != nil {
			us.Judged++
		}
	}

	out := make([]Summary, 0, len(buckets))
	for key, users := range buckets {
		s := Summary{Key: key}
		for _, us := range users {
			s.Users = append(s.Users, us)
		}
		sort.Slice(s.Users, func(i, j int) bool {
			if s.Users[i].Script != s.Users[j].Script {
				return s.Users[i].Script < s.Users[j].Script
			}
			return s.Users[i].User < s.Users[j].User
		})
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
