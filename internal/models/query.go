package models

import (
	"fmt"
	"strings"
	"time"
)

// Search limits applied by SearchQuery.Validate when the caller leaves them unset.
const (
	DefaultSearchLimit = 42
	MaxSearchLimit     = 500
)

// SearchMode selects how SearchQuery.Query is matched.
type SearchMode string

const (
	// SearchModeSemantic embeds the query and ranks by codeword similarity.
	SearchModeSemantic SearchMode = "semantic"
	// SearchModeKeyword matches description, tags and filename terms.
	SearchModeKeyword SearchMode = "keyword"
	// SearchModeRecent is reported for an empty query, which lists the newest captures.
	SearchModeRecent SearchMode = "recent"
)

// TimeFilter is a named capture-time window.
type TimeFilter string

const (
	TimeFilterAll       TimeFilter = "all_time"
	TimeFilterToday     TimeFilter = "today"
	TimeFilterYesterday TimeFilter = "yesterday"
	TimeFilterThisWeek  TimeFilter = "this_week"
)

// Range returns the [from, to] window of the filter relative to now (UTC).
// Zero times mean unbounded. Weeks start on Monday.
func (f TimeFilter) Range(now time.Time) (from, to time.Time, err error) {
	now = now.UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	switch f {
	case "", TimeFilterAll:
		return time.Time{}, time.Time{}, nil
	case TimeFilterToday:
		return todayStart, now, nil
	case TimeFilterYesterday:
		return todayStart.AddDate(0, 0, -1), todayStart, nil
	case TimeFilterThisWeek:
		sinceMonday := (int(now.Weekday()) + 6) % 7
		return todayStart.AddDate(0, 0, -sinceMonday), now, nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("%w: unknown time filter %q", ErrValidation, f)
	}
}

// SearchQuery represents a search request with optional filters.
type SearchQuery struct {
	Query         string     `json:"query"`
	Mode          SearchMode `json:"mode,omitempty"`
	Limit         int        `json:"limit,omitempty"`
	Offset        int        `json:"offset,omitempty"`
	Tags          []string   `json:"tags,omitempty"`        // any of the tags must match
	TimeFilter    TimeFilter `json:"time_filter,omitempty"` // named window; ignored when From/To are set
	From          *time.Time `json:"from,omitempty"`
	To            *time.Time `json:"to,omitempty"`
	MinSimilarity float64    `json:"min_similarity,omitempty"`
}

// Validate ensures the search query has valid fields and sets defaults.
func (q *SearchQuery) Validate() error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", ErrValidation)
	}
	if q.Mode == "" {
		q.Mode = SearchModeSemantic
	}
	if q.Mode != SearchModeSemantic && q.Mode != SearchModeKeyword {
		return fmt.Errorf("%w: unknown search mode %q", ErrValidation, q.Mode)
	}
	if q.Limit <= 0 {
		q.Limit = DefaultSearchLimit
	}
	if q.Limit > MaxSearchLimit {
		q.Limit = MaxSearchLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if q.MinSimilarity < 0 || q.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity must be within [0, 1]", ErrValidation)
	}
	q.Tags = NormalizeTags(q.Tags)
	if _, _, err := q.TimeFilter.Range(time.Now()); err != nil {
		return err
	}
	return nil
}

// Window resolves the capture-time window of the query. Explicit From/To win over TimeFilter.
func (q *SearchQuery) Window(now time.Time) (from, to time.Time, err error) {
	if q.From != nil || q.To != nil {
		if q.From != nil {
			from = *q.From
		}
		if q.To != nil {
			to = *q.To
		}
		return from, to, nil
	}
	return q.TimeFilter.Range(now)
}

// ItemFilter selects items for listing. Zero values mean "no constraint".
type ItemFilter struct {
	Status *Status
	Tags   []string
	From   time.Time
	To     time.Time
	Offset int
	Limit  int
}
