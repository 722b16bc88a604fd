// Package cli renders Kioku results for the terminal.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat parses a format name; empty means text.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(s)) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text or json)", s)
	}
}

const descriptionWidth = 160

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	if response.Mode == models.SearchModeRecent {
		fmt.Fprintf(w, "\n%d most recent screenshots (%dms)\n\n", len(response.Hits), response.QueryTime)
	} else {
		fmt.Fprintf(w, "\nFound %d of %d screenshots for %q in %dms (%s)\n\n",
			len(response.Hits), response.Total, response.Query, response.QueryTime, response.Mode)
	}
	for _, hit := range response.Hits {
		writeHit(w, hit)
	}
	return nil
}

// WriteExplore writes the neighbors of an item.
func WriteExplore(w io.Writer, response *models.ExploreResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	if len(response.Hits) == 0 {
		fmt.Fprintf(w, "\nNo similar screenshots for %s\n", response.ItemID)
		return nil
	}
	fmt.Fprintf(w, "\n%d screenshots similar to %s (from %s)\n\n", len(response.Hits), response.ItemID, response.Source)
	for _, hit := range response.Hits {
		writeHit(w, hit)
	}
	return nil
}

func writeHit(w io.Writer, hit *models.Hit) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	if hit.Distance >= 0 {
		fmt.Fprintf(w, "Rank: %d | Similarity: %.4f | Distance: %d\n", hit.Rank, hit.Similarity, hit.Distance)
	} else {
		fmt.Fprintf(w, "Rank: %d | Score: %.4f\n", hit.Rank, hit.Similarity)
	}
	writeItemBody(w, hit.Item)
	fmt.Fprintln(w)
}

// WriteItem writes a single item.
func WriteItem(w io.Writer, item *models.Item, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, item)
	}
	writeItemBody(w, item)
	fmt.Fprintf(w, "Status: %s", item.Status)
	if item.Attempts > 0 {
		fmt.Fprintf(w, " (attempts: %d)", item.Attempts)
	}
	fmt.Fprintln(w)
	if item.LastError != "" {
		fmt.Fprintf(w, "Last error: %s\n", item.LastError)
	}
	return nil
}

func writeItemBody(w io.Writer, item *models.Item) {
	fmt.Fprintf(w, "ID: %s\n", item.ID)
	fmt.Fprintf(w, "Image: %s\n", item.ImagePath)
	fmt.Fprintf(w, "Captured: %s\n", item.CapturedAt.Local().Format(time.DateTime))
	if len(item.Tags) > 0 {
		fmt.Fprintf(w, "Tags: %s\n", strings.Join(item.Tags, ", "))
	}
	if d := item.DescriptionText(); d != "" {
		fmt.Fprintf(w, "\n%s\n", utils.Truncate(utils.SingleLine(d), descriptionWidth))
	}
}

// WriteItemList writes a page of items as a table.
func WriteItemList(w io.Writer, list *models.ItemList, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, list)
	}
	fmt.Fprintf(w, "%d of %d items (offset %d)\n", len(list.Items), list.Total, list.Offset)
	for _, item := range list.Items {
		fmt.Fprintf(w, "%s  %-8s  %s  %s\n",
			item.ID, item.Status, item.CapturedAt.Local().Format(time.DateTime), item.ImagePath)
	}
	return nil
}

// WriteTags writes tag counts.
func WriteTags(w io.Writer, tags []models.TagCount, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, tags)
	}
	for _, t := range tags {
		fmt.Fprintf(w, "%6d  %s\n", t.Count, t.Tag)
	}
	return nil
}

// WriteKeyValues writes a flat map sorted by key. Nested values are encoded as JSON.
func WriteKeyValues(w io.Writer, values map[string]any, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, values)
	}
	keys := make([]string, 0, len(values))
	width := 0
	for k := range values {
		keys = append(keys, k)
		width = max(width, len(k))
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := values[k]
		switch v.(type) {
		case map[string]any, []any:
			b, _ := json.Marshal(v)
			v = string(b)
		}
		fmt.Fprintf(w, "%-*s  %v\n", width, k, v)
	}
	return nil
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
