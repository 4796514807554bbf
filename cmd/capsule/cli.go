package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/aetherhq/capsule"
	"github.com/aetherhq/capsule/frame"
	"github.com/aetherhq/capsule/query"
)

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "capsule",
		Usage:   "Single-file versioned document store with hybrid search",
		Version: Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "verbose", Usage: "Enable debug logging"},
		},
		Commands: []*cli.Command{
			initCmd(),
			putCmd(),
			getCmd(),
			versionsCmd(),
			tombstoneCmd(),
			searchCmd(),
			queryCmd(),
			contextCmd(),
			feedbackCmd(),
			statusCmd(),
			doctorCmd(),
			compactCmd(),
			mergeCmd(),
			diffCmd(),
			configCmd(),
		},
	}
	return app
}

func logger(c *cli.Context) *capsule.Logger {
	level := slog.LevelWarn
	if c.Bool("verbose") {
		level = slog.LevelDebug
	}
	return capsule.NewTextLogger(level)
}

func openOpts(c *cli.Context) []capsule.Option {
	opts := []capsule.Option{capsule.WithLogger(logger(c))}
	if d := c.Duration("lock-timeout"); d > 0 {
		opts = append(opts, capsule.WithLockTimeout(d))
	}
	return opts
}

var lockTimeoutFlag = &cli.DurationFlag{
	Name:  "lock-timeout",
	Usage: "How long to wait for the exclusive capsule lock",
	Value: 10 * time.Second,
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:      "init",
		Usage:     "Create a new capsule file",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "tier", Value: "free", Usage: "Declared tier: free|dev|enterprise"},
			lockTimeoutFlag,
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("path is required")
			}

			opts := append(openOpts(c), capsule.WithDeclaredTier(capsule.TierFromString(c.String("tier"))))

			cs, err := capsule.Create(path, opts...)
			if err != nil {
				return err
			}
			defer cs.Close()

			return outputJSON(map[string]string{
				"path": path,
				"id":   cs.ID(),
				"tier": cs.DeclaredTier().String(),
			})
		},
	}
}

func putCmd() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "Append a new version of a uri (body from stdin)",
		ArgsUsage: "<path> <uri>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "meta", Usage: "Metadata key=value (repeatable)"},
			&cli.StringFlag{Name: "ts", Usage: "Frame timestamp (2006-01-02 or 2006-01-02T15:04)"},
			lockTimeoutFlag,
		},
		Action: func(c *cli.Context) error {
			path, uri := c.Args().Get(0), c.Args().Get(1)
			if path == "" || uri == "" {
				return fmt.Errorf("path and uri are required")
			}
			if !stdinHasData() {
				return fmt.Errorf("body must be piped via stdin")
			}
			body, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}

			cs, err := capsule.Open(path, openOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			seq, err := cs.Put(uri, body, func(o *capsule.PutOptions) {
				o.Metadata = parseMeta(c.StringSlice("meta"))
				if ts := c.String("ts"); ts != "" {
					if t, err := parseDate(ts); err == nil {
						o.Timestamp = t
					}
				}
			})
			if err != nil {
				return err
			}

			return outputJSON(map[string]any{"uri": uri, "seq": seq, "bytes": len(body)})
		},
	}
}

func getCmd() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Read a frame (latest active version by default)",
		ArgsUsage: "<path> <uri>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "seq", Usage: "Read an exact version by sequence"},
			&cli.StringFlag{Name: "asof", Usage: "Read the version at a point in time"},
			&cli.BoolFlag{Name: "body-only", Usage: "Write the raw body to stdout"},
			lockTimeoutFlag,
		},
		Action: func(c *cli.Context) error {
			path, uri := c.Args().Get(0), c.Args().Get(1)
			if path == "" || uri == "" {
				return fmt.Errorf("path and uri are required")
			}

			cs, err := capsule.Open(path, openOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			fr, err := cs.Get(uri, func(o *capsule.GetOptions) {
				o.Sequence = c.Uint64("seq")
				if asof := c.String("asof"); asof != "" {
					if t, err := parseDate(asof); err == nil {
						o.AsOf = t
					}
				}
			})
			if err != nil {
				return err
			}

			if c.Bool("body-only") {
				_, err := os.Stdout.Write(fr.Body)
				return err
			}

			return outputJSON(map[string]any{
				"uri":      fr.URI,
				"seq":      fr.Sequence,
				"ts":       fr.Timestamp.UTC().Format(time.RFC3339),
				"status":   fr.Status.String(),
				"checksum": fr.ChecksumHex(),
				"metadata": fr.Metadata,
				"body":     string(fr.Body),
			})
		},
	}
}

func versionsCmd() *cli.Command {
	return &cli.Command{
		Name:      "versions",
		Usage:     "List all stored versions of a uri",
		ArgsUsage: "<path> <uri>",
		Flags:     []cli.Flag{lockTimeoutFlag},
		Action: func(c *cli.Context) error {
			path, uri := c.Args().Get(0), c.Args().Get(1)
			if path == "" || uri == "" {
				return fmt.Errorf("path and uri are required")
			}

			cs, err := capsule.Open(path, openOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			versions, err := cs.Versions(uri)
			if err != nil {
				return err
			}
			return outputJSON(versions)
		},
	}
}

func tombstoneCmd() *cli.Command {
	return &cli.Command{
		Name:      "tombstone",
		Usage:     "Hide a uri from searches while keeping its history",
		ArgsUsage: "<path> <uri>",
		Flags:     []cli.Flag{lockTimeoutFlag},
		Action: func(c *cli.Context) error {
			path, uri := c.Args().Get(0), c.Args().Get(1)
			if path == "" || uri == "" {
				return fmt.Errorf("path and uri are required")
			}

			cs, err := capsule.Open(path, openOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			seq, err := cs.Tombstone(uri)
			if err != nil {
				return err
			}
			return outputJSON(map[string]any{"uri": uri, "seq": seq})
		},
	}
}

func searchCmd() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "BM25 lexical search",
		ArgsUsage: "<path> <query>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 10, Usage: "Number of results"},
			&cli.StringFlag{Name: "collection", Aliases: []string{"c"}, Usage: "Restrict to a collection"},
			&cli.StringFlag{Name: "asof", Usage: "Search the snapshot at a point in time"},
			&cli.IntFlag{Name: "snippet-chars", Value: 300, Usage: "Snippet size in characters"},
			lockTimeoutFlag,
		},
		Action: func(c *cli.Context) error {
			path, q := c.Args().Get(0), c.Args().Get(1)
			if path == "" || q == "" {
				return fmt.Errorf("path and query are required")
			}

			cs, err := capsule.Open(path, openOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			hits, err := cs.Search(q, c.Int("limit"), func(o *capsule.SearchOptions) {
				o.Collection = c.String("collection")
				o.SnippetChars = c.Int("snippet-chars")
				if asof := c.String("asof"); asof != "" {
					if t, err := parseDate(asof); err == nil {
						o.AsOf = t
					}
				}
			})
			if err != nil {
				return err
			}
			return outputJSON(hits)
		},
	}
}

func queryFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 10, Usage: "Number of results"},
		&cli.StringFlag{Name: "collection", Aliases: []string{"c"}, Usage: "Restrict to a collection"},
		&cli.IntFlag{Name: "snippet-chars", Value: 300, Usage: "Snippet size in characters"},
		&cli.BoolFlag{Name: "no-expand", Usage: "Disable query expansion"},
		&cli.IntFlag{Name: "max-expansions", Value: 2, Usage: "Max expansions per lane"},
		&cli.BoolFlag{Name: "no-vector", Usage: "Disable the vector lane"},
		&cli.StringFlag{Name: "rerank", Value: "local", Usage: "Rerank mode: local|hook|none"},
		&cli.IntFlag{Name: "rerank-docs", Value: 40, Usage: "Max docs to rerank"},
		&cli.Float64Flag{Name: "feedback-weight", Value: 0.15, Usage: "Feedback influence weight (0 disables)"},
		&cli.StringFlag{Name: "asof", Usage: "As-of timestamp"},
		&cli.StringFlag{Name: "before", Usage: "Only frames before this date"},
		&cli.StringFlag{Name: "after", Usage: "Only frames after this date"},
		&cli.StringSliceFlag{Name: "expand-hook", Usage: "Expansion hook command"},
		&cli.StringSliceFlag{Name: "rerank-hook", Usage: "Rerank hook command"},
		lockTimeoutFlag,
	}
}

func queryRequest(c *cli.Context, raw string) query.Request {
	fw := c.Float64("feedback-weight")
	if fw == 0 {
		fw = -1 // zero means disabled, Request treats negatives as off
	}
	return query.Request{
		Raw:            raw,
		Collection:     c.String("collection"),
		Limit:          c.Int("limit"),
		SnippetChars:   c.Int("snippet-chars"),
		NoExpand:       c.Bool("no-expand"),
		MaxExpansions:  c.Int("max-expansions"),
		NoVector:       c.Bool("no-vector"),
		Rerank:         query.RerankMode(c.String("rerank")),
		RerankDocs:     c.Int("rerank-docs"),
		FeedbackWeight: fw,
		AsOf:           c.String("asof"),
		Before:         c.String("before"),
		After:          c.String("after"),
	}
}

func queryOpenOpts(c *cli.Context) []capsule.Option {
	opts := openOpts(c)
	if argv := c.StringSlice("expand-hook"); len(argv) > 0 {
		opts = append(opts, capsule.WithExpandHook(argv, 2*time.Second))
	}
	if argv := c.StringSlice("rerank-hook"); len(argv) > 0 {
		opts = append(opts, capsule.WithRerankHook(argv, 6*time.Second, false))
	}
	return opts
}

func queryCmd() *cli.Command {
	return &cli.Command{
		Name:      "query",
		Usage:     "Hybrid query with expansion, fusion, and reranking",
		ArgsUsage: "<path> <query>",
		Flags:     queryFlags(),
		Action: func(c *cli.Context) error {
			path, q := c.Args().Get(0), c.Args().Get(1)
			if path == "" || q == "" {
				return fmt.Errorf("path and query are required")
			}

			cs, err := capsule.Open(path, queryOpenOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			resp, err := cs.Query(c.Context, queryRequest(c, q))
			if err != nil {
				return err
			}
			return outputJSON(resp)
		},
	}
}

func contextCmd() *cli.Command {
	flags := append(queryFlags(),
		&cli.IntFlag{Name: "max-bytes", Value: 12000, Usage: "Context pack size budget"},
		&cli.BoolFlag{Name: "full", Usage: "Include full frame bodies instead of snippets"},
	)
	return &cli.Command{
		Name:      "context",
		Usage:     "Build a prompt-ready context pack",
		ArgsUsage: "<path> <query>",
		Flags:     flags,
		Action: func(c *cli.Context) error {
			path, q := c.Args().Get(0), c.Args().Get(1)
			if path == "" || q == "" {
				return fmt.Errorf("path and query are required")
			}

			cs, err := capsule.Open(path, queryOpenOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			pack, err := cs.ContextPack(c.Context, queryRequest(c, q), c.Int("max-bytes"), c.Bool("full"))
			if err != nil {
				return err
			}
			return outputJSON(pack)
		},
	}
}

func feedbackCmd() *cli.Command {
	return &cli.Command{
		Name:      "feedback",
		Usage:     "Record relevance feedback for a uri",
		ArgsUsage: "<path> <uri> <score>",
		Flags:     []cli.Flag{lockTimeoutFlag},
		Action: func(c *cli.Context) error {
			path, uri, scoreArg := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
			if path == "" || uri == "" || scoreArg == "" {
				return fmt.Errorf("path, uri, and score are required")
			}
			var score float64
			if _, err := fmt.Sscanf(scoreArg, "%f", &score); err != nil {
				return fmt.Errorf("invalid score %q", scoreArg)
			}

			cs, err := capsule.Open(path, openOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			seq, err := cs.AddFeedback(uri, score)
			if err != nil {
				return err
			}
			return outputJSON(map[string]any{"uri": uri, "score": score, "seq": seq})
		},
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show frames, sizes, tiering, and index presence",
		ArgsUsage: "<path>",
		Flags:     []cli.Flag{lockTimeoutFlag},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("path is required")
			}

			cs, err := capsule.Open(path, openOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			status, err := cs.Status()
			if err != nil {
				return err
			}
			return outputJSON(status)
		},
	}
}

func doctorCmd() *cli.Command {
	return &cli.Command{
		Name:      "doctor",
		Usage:     "Scan a capsule for corruption (dry run by default)",
		ArgsUsage: "<path>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "repair", Usage: "Truncate torn tails and rebuild the footer"},
		},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("path is required")
			}

			report, err := capsule.Doctor(path, func(o *capsule.DoctorOptions) {
				o.Repair = c.Bool("repair")
			})
			if err != nil {
				return err
			}
			return outputJSON(report)
		},
	}
}

func compactCmd() *cli.Command {
	return &cli.Command{
		Name:      "compact",
		Usage:     "Rewrite the capsule keeping only latest active frames",
		ArgsUsage: "<path>",
		Flags:     []cli.Flag{lockTimeoutFlag},
		Action: func(c *cli.Context) error {
			path := c.Args().First()
			if path == "" {
				return fmt.Errorf("path is required")
			}

			cs, err := capsule.Open(path, openOpts(c)...)
			if err != nil {
				return err
			}
			defer cs.Close()

			report, err := cs.Compact()
			if err != nil {
				return err
			}
			return outputJSON(report)
		},
	}
}

func mergeCmd() *cli.Command {
	return &cli.Command{
		Name:      "merge",
		Usage:     "Union the active frames of two capsules into a new one",
		ArgsUsage: "<left> <right> <out>",
		Flags:     []cli.Flag{lockTimeoutFlag},
		Action: func(c *cli.Context) error {
			left, right, out := c.Args().Get(0), c.Args().Get(1), c.Args().Get(2)
			if left == "" || right == "" || out == "" {
				return fmt.Errorf("left, right, and out paths are required")
			}

			report, err := capsule.Merge(left, right, out, openOpts(c)...)
			if err != nil {
				return err
			}
			return outputJSON(report)
		},
	}
}

func diffCmd() *cli.Command {
	return &cli.Command{
		Name:      "diff",
		Usage:     "Compare the active sets of two capsules",
		ArgsUsage: "<left> <right>",
		Flags:     []cli.Flag{lockTimeoutFlag},
		Action: func(c *cli.Context) error {
			left, right := c.Args().Get(0), c.Args().Get(1)
			if left == "" || right == "" {
				return fmt.Errorf("left and right paths are required")
			}

			report, err := capsule.Diff(left, right, openOpts(c)...)
			if err != nil {
				return err
			}
			return outputJSON(report)
		},
	}
}

func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Read or write capsule configuration",
		Subcommands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Print the stored configuration",
				ArgsUsage: "<path>",
				Flags:     []cli.Flag{lockTimeoutFlag},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return fmt.Errorf("path is required")
					}

					cs, err := capsule.Open(path, openOpts(c)...)
					if err != nil {
						return err
					}
					defer cs.Close()

					cfg, err := cs.Config()
					if err != nil {
						return err
					}
					return outputJSON(cfg)
				},
			},
			{
				Name:      "set",
				Usage:     "Replace the configuration (JSON from stdin)",
				ArgsUsage: "<path>",
				Flags:     []cli.Flag{lockTimeoutFlag},
				Action: func(c *cli.Context) error {
					path := c.Args().First()
					if path == "" {
						return fmt.Errorf("path is required")
					}
					if !stdinHasData() {
						return fmt.Errorf("config JSON must be piped via stdin")
					}
					data, err := io.ReadAll(os.Stdin)
					if err != nil {
						return err
					}
					var cfg capsule.Config
					if err := json.Unmarshal(data, &cfg); err != nil {
						return fmt.Errorf("invalid config: %w", err)
					}

					cs, err := capsule.Open(path, openOpts(c)...)
					if err != nil {
						return err
					}
					defer cs.Close()

					if err := cs.SetConfig(&cfg); err != nil {
						return err
					}
					return outputJSON(&cfg)
				},
			},
		},
	}
}

// outputJSON marshals result to stdout as JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// stdinHasData returns true if stdin has piped data (not a terminal).
func stdinHasData() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) == 0
}

func parseMeta(pairs []string) frame.Metadata {
	if len(pairs) == 0 {
		return nil
	}
	md := make(frame.Metadata, len(pairs))
	for _, pair := range pairs {
		if k, v, ok := strings.Cut(pair, "="); ok {
			md[k] = v
		}
	}
	return md
}

func parseDate(value string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02T15:04", value, time.UTC); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02", value, time.UTC)
}
