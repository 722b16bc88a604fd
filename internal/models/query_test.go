package models

import (
	"errors"
	"testing"
	"time"
)

func TestSearchQuery_Validate(t *testing.T) {
	tests := []struct {
		name    string
		query   *SearchQuery
		wantErr bool
	}{
		{"empty query", &SearchQuery{Query: "  "}, true},
		{"valid query", &SearchQuery{Query: "hello"}, false},
		{"sets default limit", &SearchQuery{Query: "x", Limit: 0}, false},
		{"caps limit", &SearchQuery{Query: "x", Limit: 10_000}, false},
		{"unknown mode", &SearchQuery{Query: "x", Mode: "fuzzy"}, true},
		{"bad similarity", &SearchQuery{Query: "x", MinSimilarity: 1.5}, true},
		{"bad time filter", &SearchQuery{Query: "x", TimeFilter: "last_year"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Errorf("expected ErrValidation, got %v", err)
				}
				return
			}
			if tt.query.Limit <= 0 || tt.query.Limit > MaxSearchLimit {
				t.Errorf("limit not normalized: %d", tt.query.Limit)
			}
			if tt.query.Mode != SearchModeSemantic {
				t.Errorf("expected default semantic mode, got %q", tt.query.Mode)
			}
		})
	}
}

func TestTimeFilter_Range(t *testing.T) {
	// Wednesday
	now := time.Date(2024, 5, 15, 13, 30, 0, 0, time.UTC)
	today := time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC)

	from, to, err := TimeFilterToday.Range(now)
	if err != nil || !from.Equal(today) || !to.Equal(now) {
		t.Errorf("today: %v %v %v", from, to, err)
	}
	from, to, _ = TimeFilterYesterday.Range(now)
	if !from.Equal(today.AddDate(0, 0, -1)) || !to.Equal(today) {
		t.Errorf("yesterday: %v %v", from, to)
	}
	from, _, _ = TimeFilterThisWeek.Range(now)
	if !from.Equal(time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("this week should start Monday, got %v", from)
	}
	from, to, _ = TimeFilterAll.Range(now)
	if !from.IsZero() || !to.IsZero() {
		t.Errorf("all time should be unbounded: %v %v", from, to)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{" Code ", "code", "", "Terminal"})
	if len(got) != 2 || got[0] != "code" || got[1] != "terminal" {
		t.Errorf("NormalizeTags = %v", got)
	}
	if NormalizeTags(nil) == nil {
		t.Error("NormalizeTags(nil) should return an empty, non-nil slice")
	}
}

func TestParseStatus(t *testing.T) {
	if s, err := ParseStatus("Embedded"); err != nil || s != StatusEmbedded {
		t.Errorf("ParseStatus = %q, %v", s, err)
	}
	if _, err := ParseStatus("done"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation, got %v", err)
	}
}
