package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/kioku/internal/cli"
	"github.com/hyperjump/kioku/internal/config"
	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/internal/watcher"
)

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

// reorderArgs moves any flags (and their values) that appear after the
// positional arguments to the front so that flag.Parse sees them. The flag
// package stops at the first non-flag argument, so "kioku search red bike
// --limit 5" would otherwise search for "red bike --limit 5".
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

// buildSearchQuery joins all positional args with spaces so multi-word queries
// work the same with or without shell quoting.
func buildSearchQuery(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// parse parses args, reporting usage problems as errUsage.
func parse(fs *flag.FlagSet, args []string, minArgs int, usage string) error {
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: kioku %s\n\n", usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(reorderArgs(args)); err != nil {
		return errUsage
	}
	if fs.NArg() < minArgs {
		fs.Usage()
		return errUsage
	}
	return nil
}

func outputFormat(c connFlags) (cli.OutputFormat, error) {
	f, err := cli.ParseOutputFormat(*c.output)
	if err != nil {
		return "", fmt.Errorf("%v: %w", err, errUsage)
	}
	return f, nil
}

// imageExtensions returns the configured screenshot extensions.
func imageExtensions() []string {
	var cfg config.Config
	config.ApplyDefaults(&cfg)
	return cfg.Watch.Extensions
}

// collectImages expands directories into the images they contain.
func collectImages(paths []string, exts []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, abs)
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && watcher.Accepts(path, exts) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func runIngest(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	conn := addConnFlags(fs)
	process := fs.Bool("process", false, "describe and embed each new screenshot before returning")
	if err := parse(fs, args, 1, "ingest [flags] <file-or-directory>..."); err != nil {
		return err
	}
	paths, err := collectImages(fs.Args(), imageExtensions())
	if err != nil {
		return err
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()

	var created, failed int
	for _, path := range paths {
		input := models.ItemInput{ImagePath: path}
		if info, err := os.Stat(path); err == nil {
			input.CapturedAt = info.ModTime().UTC()
		}
		item, isNew, err := svc.Ingest(ctx, input)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		if !isNew {
			continue
		}
		created++
		if *process {
			if _, err := svc.Process(ctx, item.ID); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failed++
				fmt.Fprintf(out, "failed  %s  %s: %v\n", item.ID, path, err)
				continue
			}
		}
		fmt.Fprintf(out, "%s  %s\n", item.ID, path)
	}
	fmt.Fprintf(out, "Ingested %d new screenshot(s) of %d", created, len(paths))
	if failed > 0 {
		fmt.Fprintf(out, ", %d failed processing", failed)
	}
	fmt.Fprintln(out)
	return nil
}

func runProcess(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	conn := addConnFlags(fs)
	recompute := fs.Bool("recompute", false, "replace an existing embedding")
	if err := parse(fs, args, 1, "process [flags] <id>"); err != nil {
		return err
	}
	format, err := outputFormat(conn)
	if err != nil {
		return err
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	var res *models.ProcessResult
	if *recompute {
		res, err = svc.Reprocess(ctx, fs.Arg(0))
	} else {
		res, err = svc.Process(ctx, fs.Arg(0))
	}
	if err != nil {
		return err
	}
	if format == cli.OutputJSON {
		return cli.WriteJSON(out, res)
	}
	if res.Skipped {
		fmt.Fprintf(out, "%s already embedded (use --recompute to replace)\n", res.ItemID)
		return nil
	}
	fmt.Fprintf(out, "%s %s\n", res.ItemID, res.Status)
	return nil
}

func runSearch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	conn := addConnFlags(fs)
	limit := fs.Int("limit", 0, "number of results (default 42)")
	offset := fs.Int("offset", 0, "skip this many results")
	mode := fs.String("mode", "", "semantic or keyword")
	timeFilter := fs.String("time", "", "today, yesterday, this_week or all_time")
	minSimilarity := fs.Float64("min-similarity", 0, "drop results below this similarity")
	var tags stringList
	fs.Var(&tags, "tag", "keep screenshots with this tag (repeatable)")
	if err := parse(fs, args, 0, "search [flags] [query]"); err != nil {
		return err
	}
	format, err := outputFormat(conn)
	if err != nil {
		return err
	}
	q := &models.SearchQuery{
		Query:         buildSearchQuery(fs.Args()),
		Mode:          models.SearchMode(*mode),
		Limit:         *limit,
		Offset:        *offset,
		Tags:          tags,
		TimeFilter:    models.TimeFilter(*timeFilter),
		MinSimilarity: *minSimilarity,
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	resp, err := svc.Search(ctx, q)
	if err != nil {
		return err
	}
	return cli.WriteSearchResults(out, resp, format)
}

func runExplore(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("explore", flag.ContinueOnError)
	conn := addConnFlags(fs)
	limit := fs.Int("limit", 20, "number of neighbors")
	if err := parse(fs, args, 1, "explore [flags] <id>"); err != nil {
		return err
	}
	format, err := outputFormat(conn)
	if err != nil {
		return err
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	resp, err := svc.Explore(ctx, fs.Arg(0), *limit)
	if err != nil {
		return err
	}
	return cli.WriteExplore(out, resp, format)
}

func runGet(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	conn := addConnFlags(fs)
	if err := parse(fs, args, 1, "get [flags] <id>"); err != nil {
		return err
	}
	format, err := outputFormat(conn)
	if err != nil {
		return err
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	item, err := svc.GetItem(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return cli.WriteItem(out, item, format)
}

func runEdit(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("edit", flag.ContinueOnError)
	conn := addConnFlags(fs)
	description := fs.String("description", "", "New description")
	var tags stringList
	fs.Var(&tags, "tag", "Replace the tags with these (repeatable)")
	noTags := fs.Bool("no-tags", false, "Remove every tag")
	if err := parse(fs, args, 1, "edit [flags] <id>"); err != nil {
		return err
	}
	format, err := outputFormat(conn)
	if err != nil {
		return err
	}
	var change models.MetadataEdit
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "description" {
			change.Description = description
		}
	})
	switch {
	case *noTags:
		change.Tags = &[]string{}
	case len(tags) > 0:
		t := []string(tags)
		change.Tags = &t
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	item, err := svc.UpdateItem(ctx, fs.Arg(0), change)
	if err != nil {
		return err
	}
	return cli.WriteItem(out, item, format)
}

func runList(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	conn := addConnFlags(fs)
	status := fs.String("status", "", "pending, embedded or failed")
	limit := fs.Int("limit", 0, "number of items (default 42)")
	offset := fs.Int("offset", 0, "skip this many items")
	since := fs.Duration("since", 0, "only screenshots captured within this duration")
	var tags stringList
	fs.Var(&tags, "tag", "keep screenshots with this tag (repeatable)")
	if err := parse(fs, args, 0, "list [flags]"); err != nil {
		return err
	}
	format, err := outputFormat(conn)
	if err != nil {
		return err
	}
	filter := models.ItemFilter{Tags: tags, Limit: *limit, Offset: *offset}
	if *status != "" {
		st, err := models.ParseStatus(*status)
		if err != nil {
			return err
		}
		filter.Status = &st
	}
	if *since > 0 {
		filter.From = time.Now().Add(-*since).UTC()
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	list, err := svc.ListItems(ctx, filter)
	if err != nil {
		return err
	}
	return cli.WriteItemList(out, list, format)
}

func runTags(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tags", flag.ContinueOnError)
	conn := addConnFlags(fs)
	if err := parse(fs, args, 0, "tags [flags]"); err != nil {
		return err
	}
	format, err := outputFormat(conn)
	if err != nil {
		return err
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	tags, err := svc.Tags(ctx)
	if err != nil {
		return err
	}
	return cli.WriteTags(out, tags, format)
}

func runDelete(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("delete", flag.ContinueOnError)
	conn := addConnFlags(fs)
	if err := parse(fs, args, 1, "delete [flags] <id>..."); err != nil {
		return err
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	var errs []error
	for _, id := range fs.Args() {
		if err := svc.Delete(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		fmt.Fprintf(out, "Deleted: %s\n", id)
	}
	return errors.Join(errs...)
}

func runRetry(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	conn := addConnFlags(fs)
	if err := parse(fs, args, 0, "retry [flags]"); err != nil {
		return err
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	n, err := svc.RetryFailed(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Retried %d failed screenshot(s)\n", n)
	return nil
}

func runRebuild(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("rebuild", flag.ContinueOnError)
	conn := addConnFlags(fs)
	graphOnly := fs.Bool("graph-only", false, "rebuild only the similarity graph")
	if err := parse(fs, args, 0, "rebuild [flags]"); err != nil {
		return err
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	if !*graphOnly {
		if err := svc.RebuildIndex(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "Vector index rebuilt from store")
	}
	stats, err := svc.RebuildGraph(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Similarity graph rebuilt: %d nodes, %d edges (threshold %.2f, %dms)\n",
		stats.Nodes, stats.Edges, stats.Threshold, stats.BuildTime)
	return nil
}

func runStatus(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	conn := addConnFlags(fs)
	if err := parse(fs, args, 0, "status [flags]"); err != nil {
		return err
	}
	format, err := outputFormat(conn)
	if err != nil {
		return err
	}
	svc, closeFn, err := conn.open(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	st, err := svc.Status(ctx)
	if err != nil {
		return err
	}
	if format == cli.OutputJSON {
		return cli.WriteJSON(out, st)
	}
	values := map[string]any{
		"items_total":       st.TotalItems,
		"items_pending":     st.Items[models.StatusPending],
		"items_embedded":    st.Items[models.StatusEmbedded],
		"items_failed":      st.Items[models.StatusFailed],
		"vectors":           st.Vectors,
		"index_type":        st.IndexType,
		"index_size":        st.IndexSize,
		"codec":             fmt.Sprintf("%s/%d", st.CodecScheme, st.CodecBits),
		"keyword_docs":      st.KeywordDocs,
		"graph_ready":       st.Graph.Ready,
		"graph_edges":       st.Graph.Edges,
		"graph_threshold":   st.Graph.Threshold,
		"pipeline_running":  st.Pipeline.Running,
		"pipeline_queued":   st.Pipeline.Queued,
		"embedding_model":   st.Models.EmbeddingProvider + "/" + st.Models.EmbeddingModel,
		"description_model": st.Models.VisionProvider + "/" + st.Models.DescriptionModel,
		"disk_usage":        cli.FormatBytes(st.DiskUsage),
		"uptime":            st.Uptime,
	}
	if st.Models.OllamaReachable != nil {
		values["ollama_reachable"] = *st.Models.OllamaReachable
	}
	if st.Recovering {
		values["recovering"] = true
	}
	return cli.WriteKeyValues(out, values, format)
}

func runWatch(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		fmt.Fprintln(out, "Usage: kioku watch <add|remove|list> [path]")
		return errUsage
	}
	sub := args[0]
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	serverURL := fs.String("server", defaultServerURL, "server URL")
	noSync := fs.Bool("no-sync", false, "do not ingest images already in the directory")
	if err := fs.Parse(reorderArgs(args[1:])); err != nil {
		return errUsage
	}
	client := newAPIClient(*serverURL, time.Minute)
	switch sub {
	case "add", "remove":
		if fs.NArg() < 1 {
			fmt.Fprintf(out, "Usage: kioku watch %s <path>\n", sub)
			return errUsage
		}
		path, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			return err
		}
		if sub == "add" {
			if err := client.addWatchDirectory(ctx, path, !*noSync); err != nil {
				return err
			}
			fmt.Fprintf(out, "Added: %s\n", path)
			return nil
		}
		if err := client.removeWatchDirectory(ctx, path); err != nil {
			return err
		}
		fmt.Fprintf(out, "Removed: %s\n", path)
		return nil
	case "list":
		dirs, err := client.watchDirectories(ctx)
		if err != nil {
			return err
		}
		for _, d := range dirs {
			fmt.Fprintln(out, d)
		}
		return nil
	default:
		fmt.Fprintf(out, "Unknown watch subcommand: %s\n", sub)
		return errUsage
	}
}
