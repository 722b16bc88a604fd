package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hyperjump/kioku/internal/app"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/server"
	"go.uber.org/zap"
)

func TestReorderArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after query are moved first",
			args:     []string{"red bike", "-limit", "5"},
			expected: []string{"-limit", "5", "red bike"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-limit", "5", "red bike"},
			expected: []string{"-limit", "5", "red bike"},
		},
		{
			name:     "query only returns unchanged",
			args:     []string{"red bike"},
			expected: []string{"red bike"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"one", "two", "--tag", "bike"},
			expected: []string{"--tag", "bike", "one", "two"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reorderArgs(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("reorderArgs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestBuildSearchQuery(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected string
	}{
		{"single word", []string{"invoice"}, "invoice"},
		{"multiple words", []string{"red", "bike"}, "red bike"},
		{"single quoted phrase", []string{"red bike"}, "red bike"},
		{"empty args", []string{}, ""},
		{"blank args", []string{"  ", "  "}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildSearchQuery(tt.args); got != tt.expected {
				t.Errorf("buildSearchQuery(%v) = %q, want %q", tt.args, got, tt.expected)
			}
		})
	}
}

func TestStringList(t *testing.T) {
	var tags stringList
	_ = tags.Set("bike")
	_ = tags.Set("invoice, code,")
	if want := []string{"bike", "invoice", "code"}; !reflect.DeepEqual([]string(tags), want) {
		t.Errorf("tags = %v, want %v", tags, want)
	}
	if tags.String() != "bike,invoice,code" {
		t.Errorf("String() = %q", tags.String())
	}
}

func TestRun_VersionHelpUnknown(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), []string{"version"}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "kioku version") {
		t.Errorf("version output: %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), []string{"help"}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "kioku search") {
		t.Errorf("help output: %q", out.String())
	}

	out.Reset()
	if err := run(context.Background(), []string{"frobnicate"}, &out); !errors.Is(err, errUsage) {
		t.Errorf("unknown command: got %v, want errUsage", err)
	}
	if err := run(context.Background(), nil, &out); !errors.Is(err, errUsage) {
		t.Errorf("no command: got %v, want errUsage", err)
	}
	if err := run(context.Background(), []string{"explore", "--server", ""}, &out); !errors.Is(err, errUsage) {
		t.Errorf("explore without id: got %v, want errUsage", err)
	}
	if err := run(context.Background(), []string{"watch"}, &out); !errors.Is(err, errUsage) {
		t.Errorf("watch without subcommand: got %v, want errUsage", err)
	}
}

const testConfigYAML = `storage:
  database_path: ./kioku.db
  keyword_index_path: ./keywords.bleve
  vector_snapshot_path: ./vectors.kqix
embedding:
  provider: mock
  dimensions: 128
  query_prefix: ""
vision:
  provider: mock
  tagging_enabled: true
  vocabulary: [receipt, terminal]
`

// writeFixture lays out a config and a screenshot folder in a temp directory.
func writeFixture(t *testing.T) (configPath, shots string) {
	t.Helper()
	dir := t.TempDir()
	configPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(testConfigYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	shots = filepath.Join(dir, "shots")
	if err := os.MkdirAll(filepath.Join(shots, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"grocery-receipt.png", "nested/terminal-error.png", "notes.txt", ".hidden.png"} {
		if err := os.WriteFile(filepath.Join(shots, name), []byte("img"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return configPath, shots
}

func TestDirectMode_IngestSearchStatus(t *testing.T) {
	configPath, shots := writeFixture(t)
	ctx := context.Background()
	direct := []string{"--server", "", "--config", configPath}

	var out bytes.Buffer
	if err := run(ctx, append([]string{"ingest", shots, "--process"}, direct...), &out); err != nil {
		t.Fatalf("ingest: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Ingested 2 new screenshot(s) of 2") {
		t.Errorf("ingest output: %q", out.String())
	}

	out.Reset()
	if err := run(ctx, append([]string{"search", "grocery", "receipt", "--output", "json"}, direct...), &out); err != nil {
		t.Fatalf("search: %v", err)
	}
	var resp models.SearchResponse
	if err := json.Unmarshal(out.Bytes(), &resp); err != nil {
		t.Fatalf("search output is not JSON: %v\n%s", err, out.String())
	}
	if resp.Query != "grocery receipt" || len(resp.Hits) == 0 {
		t.Fatalf("search response: %+v", resp)
	}
	if !strings.HasSuffix(resp.Hits[0].Item.ImagePath, "grocery-receipt.png") {
		t.Errorf("top hit = %s", resp.Hits[0].Item.ImagePath)
	}

	out.Reset()
	if err := run(ctx, append([]string{"list", "--status", "embedded"}, direct...), &out); err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.HasPrefix(out.String(), "2 of 2 items") {
		t.Errorf("list output: %q", out.String())
	}

	out.Reset()
	if err := run(ctx, append([]string{"status"}, direct...), &out); err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"items_embedded", "vectors", "codec"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("status output missing %q:\n%s", want, out.String())
		}
	}

	// A second ingest of the same folder creates nothing.
	out.Reset()
	if err := run(ctx, append([]string{"ingest", shots}, direct...), &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Ingested 0 new screenshot(s) of 2") {
		t.Errorf("re-ingest output: %q", out.String())
	}
}

func TestDirectMode_NotFound(t *testing.T) {
	configPath, _ := writeFixture(t)
	var out bytes.Buffer
	err := run(context.Background(), []string{"get", "missing", "--server", "", "--config", configPath}, &out)
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("get missing: got %v, want ErrNotFound", err)
	}
}

func TestDirectMode_BadOutputFormat(t *testing.T) {
	configPath, _ := writeFixture(t)
	err := run(context.Background(), []string{"tags", "--output", "yaml", "--server", "", "--config", configPath}, &bytes.Buffer{})
	if !errors.Is(err, errUsage) {
		t.Errorf("got %v, want errUsage", err)
	}
}

// fakeWatcher is an in-memory directory list.
type fakeWatcher struct{ dirs []string }

func (f *fakeWatcher) Directories() []string { return f.dirs }

func (f *fakeWatcher) AddDirectory(path string, _ bool) error {
	f.dirs = append(f.dirs, path)
	return nil
}

func (f *fakeWatcher) RemoveDirectory(path string) error {
	for i, d := range f.dirs {
		if d == path {
			f.dirs = append(f.dirs[:i], f.dirs[i+1:]...)
		}
	}
	return nil
}

func newTestServer(t *testing.T, opts ...server.Option) string {
	t.Helper()
	configPath, _ := writeFixture(t)
	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatal(err)
	}
	a, err := app.New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	ts := httptest.NewServer(server.NewServer(a, &cfg.Server, zap.NewNop(), opts...).Handler())
	t.Cleanup(ts.Close)
	return ts.URL
}

func TestClientMode(t *testing.T) {
	url := newTestServer(t)
	_, shots := writeFixture(t)
	ctx := context.Background()

	var out bytes.Buffer
	if err := run(ctx, []string{"ingest", "--process", "--server", url, shots}, &out); err != nil {
		t.Fatalf("ingest: %v\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "Ingested 2 new screenshot(s) of 2") {
		t.Errorf("ingest output: %q", out.String())
	}

	c := newAPIClient(url, 0)
	resp, err := c.Search(ctx, &models.SearchQuery{Query: "terminal error"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) == 0 || !strings.HasSuffix(resp.Hits[0].Item.ImagePath, "terminal-error.png") {
		t.Fatalf("search hits: %+v", resp.Hits)
	}
	id := resp.Hits[0].Item.ID

	explore, err := c.Explore(ctx, id, 5)
	if err != nil {
		t.Fatal(err)
	}
	if explore.ItemID != id {
		t.Errorf("explore item = %s", explore.ItemID)
	}

	tags, err := c.Tags(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) == 0 {
		t.Error("expected tags from the vocabulary")
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Vectors != 2 || st.Items[models.StatusEmbedded] != 2 {
		t.Errorf("status: vectors=%d items=%v", st.Vectors, st.Items)
	}

	out.Reset()
	if err := run(ctx, []string{"edit", id, "--tag", "Receipts", "--server", url}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Tags: receipts") {
		t.Errorf("edit output: %q", out.String())
	}
	if err := run(ctx, []string{"edit", id, "--server", url}, &out); !errors.Is(err, models.ErrValidation) {
		t.Errorf("empty edit: got %v, want ErrValidation", err)
	}

	out.Reset()
	if err := run(ctx, []string{"delete", id, "--server", url}, &out); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetItem(ctx, id); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("get deleted item: got %v, want ErrNotFound", err)
	}
	if _, err := c.Search(ctx, &models.SearchQuery{Query: "x", Mode: "fuzzy"}); !errors.Is(err, models.ErrValidation) {
		t.Errorf("bad mode: got %v, want ErrValidation", err)
	}

	out.Reset()
	if err := run(ctx, []string{"rebuild", "--server", url}, &out); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "Similarity graph rebuilt: 1 nodes") {
		t.Errorf("rebuild output: %q", out.String())
	}
}

func TestClientMode_Watch(t *testing.T) {
	fw := &fakeWatcher{}
	url := newTestServer(t, server.WithWatcher(fw, nil, ""))
	dir := t.TempDir()
	ctx := context.Background()

	var out bytes.Buffer
	if err := run(ctx, []string{"watch", "add", dir, "--server", url}, &out); err != nil {
		t.Fatalf("watch add: %v", err)
	}
	out.Reset()
	if err := run(ctx, []string{"watch", "list", "--server", url}, &out); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out.String()) != dir {
		t.Errorf("watch list = %q, want %q", out.String(), dir)
	}
	if err := run(ctx, []string{"watch", "remove", dir, "--server", url}, &out); err != nil {
		t.Fatal(err)
	}
	if len(fw.dirs) != 0 {
		t.Errorf("directories after remove: %v", fw.dirs)
	}
	if err := run(ctx, []string{"watch", "bogus", "--server", url}, &out); !errors.Is(err, errUsage) {
		t.Errorf("bogus subcommand: got %v", err)
	}
}
