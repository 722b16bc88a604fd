// Package models defines core data structures for screenshot items, queries, and results.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Status is the processing state of an item.
type Status string

const (
	// StatusPending means the item was ingested and awaits the embedding pipeline.
	StatusPending Status = "pending"
	// StatusEmbedded means description, tags and vector are committed.
	StatusEmbedded Status = "embedded"
	// StatusFailed means the last pipeline run failed; the item can be retried.
	StatusFailed Status = "failed"
)

// ParseStatus parses a status name. Empty input is rejected.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusEmbedded:
		return StatusEmbedded, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
}

// Item is one screenshot known to the system. The image bytes live outside;
// ImagePath is an opaque reference to them.
type Item struct {
	ID          string    `json:"id"`
	CapturedAt  time.Time `json:"captured_at"`
	ImagePath   string    `json:"image_path"`
	Description *string   `json:"description"`
	Tags        []string  `json:"tags"`
	Status      Status    `json:"status"`
	LastError   string    `json:"last_error,omitempty"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// DescriptionText returns the description or an empty string when not generated yet.
func (i *Item) DescriptionText() string {
	if i.Description == nil {
		return ""
	}
	return *i.Description
}

// HasTag reports whether the item carries tag (case-insensitive).
func (i *Item) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// ItemUpdate is a partial update. Nil fields are left untouched.
type ItemUpdate struct {
	Description *string
	Tags        *[]string
	Status      *Status
	LastError   *string
	CapturedAt  *time.Time
}

// IsEmpty reports whether the update touches no field.
func (u ItemUpdate) IsEmpty() bool {
	return u.Description == nil && u.Tags == nil && u.Status == nil && u.LastError == nil && u.CapturedAt == nil
}

// MetadataEdit is a user correction of an item's description or tags.
// Nil fields are left untouched.
type MetadataEdit struct {
	Description *string   `json:"description,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
}

// Validate trims the description and normalizes the tags.
func (e *MetadataEdit) Validate() error {
	if e.Description == nil && e.Tags == nil {
		return fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	if e.Description != nil {
		d := strings.TrimSpace(*e.Description)
		if d == "" {
			return fmt.Errorf("%w: description cannot be empty", ErrValidation)
		}
		e.Description = &d
	}
	if e.Tags != nil {
		tags := NormalizeTags(*e.Tags)
		e.Tags = &tags
	}
	return nil
}

// ItemInput is the input for ingesting a screenshot.
type ItemInput struct {
	ImagePath  string    `json:"image_path"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// Validate checks required fields and fills CapturedAt when unset.
func (in *ItemInput) Validate() error {
	in.ImagePath = strings.TrimSpace(in.ImagePath)
	if in.ImagePath == "" {
		return fmt.Errorf("%w: image path cannot be empty", ErrValidation)
	}
	if in.CapturedAt.IsZero() {
		in.CapturedAt = time.Now().UTC()
	}
	return nil
}

// NormalizeTags lowercases and trims tags, dropping empties and duplicates while keeping order.
// The result is never nil.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
