package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/poiesic/archivist"
	"github.com/poiesic/archivist/core"
	"github.com/poiesic/archivist/ingestion"
	"github.com/poiesic/archivist/search"
	"github.com/poiesic/archivist/storage"
	"github.com/urfave/cli/v2"
)

type runner struct {
	engineOpts []archivist.Option
}

// open opens the engine described by the app configuration.
func (r *runner) open(c *cli.Context, opts ...archivist.Option) (*archivist.Engine, error) {
	engine, err := archivist.OpenConfig(appConfig(c), append(opts, r.engineOpts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	return engine, nil
}

func (r *runner) commands() []*cli.Command {
	return []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the HTTP API and the ingestion workers",
			Action: r.serveCommand,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "addr", Usage: "Listen address (overrides http.addr)"},
				&cli.BoolFlag{Name: "metrics", Usage: "Expose Prometheus metrics on /metrics", Value: true},
			},
		},
		{
			Name:  "org",
			Usage: "Manage orgs",
			Subcommands: []*cli.Command{
				{
					Name:      "create",
					Usage:     "Create an org",
					ArgsUsage: "<id>",
					Action:    r.orgCreateCommand,
					Flags:     []cli.Flag{&cli.StringFlag{Name: "name", Usage: "Display name"}},
				},
				{Name: "get", Usage: "Show an org", ArgsUsage: "<id>", Action: r.orgGetCommand},
				{Name: "list", Usage: "List orgs", Action: r.orgListCommand},
			},
		},
		{
			Name:  "collection",
			Usage: "Manage collections",
			Subcommands: []*cli.Command{
				{
					Name:      "create",
					Usage:     "Create a collection",
					ArgsUsage: "<id>",
					Action:    r.collectionCreateCommand,
					Flags: []cli.Flag{
						orgFlag(),
						&cli.StringFlag{Name: "name", Usage: "Display name"},
						&cli.StringFlag{Name: "model", Usage: "Embedding model name", Required: true},
						&cli.IntFlag{Name: "dim", Usage: "Embedding dimension", Required: true},
						&cli.BoolFlag{Name: "normalize", Usage: "Normalize vectors to unit length"},
						&cli.StringFlag{Name: "metric", Usage: "Similarity metric (cosine, dot)", Value: core.MetricCosine},
						&cli.StringFlag{Name: "strategy", Usage: "Chunking strategy (fixed, recursive)"},
						&cli.IntFlag{Name: "max-chars", Usage: "Maximum chunk size in characters"},
						&cli.IntFlag{Name: "overlap", Usage: "Chunk overlap in characters"},
						&cli.StringSliceFlag{Name: "field", Usage: "Metadata field as name:type[:required]"},
					},
				},
				{Name: "get", Usage: "Show a collection", ArgsUsage: "<id>", Action: r.collectionGetCommand, Flags: []cli.Flag{orgFlag()}},
				{Name: "list", Usage: "List an org's collections", Action: r.collectionListCommand, Flags: []cli.Flag{orgFlag()}},
			},
		},
		{
			Name:   "ingest",
			Usage:  "Submit a document and optionally wait for it to be indexed",
			Action: r.ingestCommand,
			Flags: []cli.Flag{
				orgFlag(),
				collectionFlag(),
				&cli.StringFlag{Name: "text", Usage: "Inline text to ingest"},
				&cli.StringFlag{Name: "file", Usage: "Local file to ingest"},
				&cli.StringFlag{Name: "url", Usage: "URL to fetch and ingest"},
				&cli.StringFlag{Name: "format", Usage: "Source format (txt, md, html); inferred from the extension when omitted"},
				&cli.StringSliceFlag{Name: "meta", Usage: "Document metadata as key=value"},
				&cli.BoolFlag{Name: "wait", Usage: "Run workers until the job finishes", Value: true},
				&cli.DurationFlag{Name: "poll", Usage: "Status poll interval while waiting", Value: 200 * time.Millisecond},
			},
		},
		{Name: "status", Usage: "Show an ingestion job", ArgsUsage: "<job-id>", Action: r.statusCommand},
		{
			Name:   "jobs",
			Usage:  "List ingestion jobs",
			Action: r.jobsCommand,
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "collection", Aliases: []string{"C"}, Usage: "Only jobs of this collection"},
				&cli.StringFlag{Name: "status", Usage: "Only jobs in this status"},
				&cli.IntFlag{Name: "limit", Usage: "Maximum number of jobs"},
			},
		},
		{Name: "cancel", Usage: "Cancel an ingestion job", ArgsUsage: "<job-id>", Action: r.cancelCommand},
		{
			Name:      "query",
			Usage:     "Retrieve the chunks most relevant to a query",
			ArgsUsage: "<query>",
			Action:    r.queryCommand,
			Flags: []cli.Flag{
				orgFlag(),
				collectionFlag(),
				&cli.IntFlag{Name: "top-k", Aliases: []string{"k"}, Usage: "Number of results", Value: search.DefaultTopK},
				&cli.StringSliceFlag{Name: "filter", Usage: "Metadata equality filter as key=value"},
				&cli.BoolFlag{Name: "json", Usage: "Print results as JSON"},
			},
		},
	}
}

func orgFlag() cli.Flag {
	return &cli.StringFlag{Name: "org", Aliases: []string{"o"}, Usage: "Org ID", Required: true}
}

func collectionFlag() cli.Flag {
	return &cli.StringFlag{Name: "collection", Aliases: []string{"C"}, Usage: "Collection ID", Required: true}
}

func oneArg(c *cli.Context, name string) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("expected exactly one %s argument", name)
	}
	return c.Args().First(), nil
}

func (r *runner) orgCreateCommand(c *cli.Context) error {
	id, err := oneArg(c, "org id")
	if err != nil {
		return err
	}
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	org, err := engine.CreateOrg(c.Context, &core.Org{ID: id, DisplayName: c.String("name")})
	if err != nil {
		return fmt.Errorf("failed to create org: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "created org %s\n", org.ID)
	return nil
}

func (r *runner) orgGetCommand(c *cli.Context) error {
	id, err := oneArg(c, "org id")
	if err != nil {
		return err
	}
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	org, err := engine.GetOrg(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", org.ID, org.DisplayName, org.CreatedAt.Format(time.RFC3339))
	return nil
}

func (r *runner) orgListCommand(c *cli.Context) error {
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	orgs, err := engine.ListOrgs(c.Context)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCREATED")
	for _, org := range orgs {
		fmt.Fprintf(w, "%s\t%s\t%s\n", org.ID, org.DisplayName, org.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (r *runner) collectionCreateCommand(c *cli.Context) error {
	id, err := oneArg(c, "collection id")
	if err != nil {
		return err
	}
	schema, err := parseFields(c.StringSlice("field"))
	if err != nil {
		return err
	}
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	coll, err := engine.CreateCollection(c.Context, &core.Collection{
		ID:    id,
		OrgID: c.String("org"),
		Name:  c.String("name"),
		Embedding: core.EmbeddingConfig{
			Model:     c.String("model"),
			Dim:       c.Int("dim"),
			Normalize: c.Bool("normalize"),
			Metric:    c.String("metric"),
		},
		Schema: schema,
		Chunking: core.ChunkPolicy{
			Strategy: c.String("strategy"),
			MaxChars: c.Int("max-chars"),
			Overlap:  c.Int("overlap"),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "created collection %s in org %s (%s, %d dimensions, %s chunks of %d)\n",
		coll.ID, coll.OrgID, coll.Embedding.Model, coll.Embedding.Dim, coll.Chunking.Strategy, coll.Chunking.MaxChars)
	return nil
}

// parseFields reads name:type[:required] schema declarations.
func parseFields(specs []string) (*core.MetadataSchema, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	schema := &core.MetadataSchema{Fields: make(map[string]core.FieldSpec, len(specs))}
	for _, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
			return nil, fmt.Errorf("field %q must be name:type[:required]", spec)
		}
		kind, err := core.ParseValueKind(parts[1])
		if err != nil {
			return nil, err
		}
		field := core.FieldSpec{Kind: kind}
		if len(parts) == 3 {
			if parts[2] != "required" {
				return nil, fmt.Errorf("field %q: unknown flag %q", spec, parts[2])
			}
			field.Required = true
		}
		schema.Fields[parts[0]] = field
	}
	return schema, nil
}

func (r *runner) collectionGetCommand(c *cli.Context) error {
	id, err := oneArg(c, "collection id")
	if err != nil {
		return err
	}
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	coll, err := engine.GetCollection(c.Context, c.String("org"), id)
	if err != nil {
		return err
	}
	w := c.App.Writer
	fmt.Fprintf(w, "collection: %s\n", coll.ID)
	fmt.Fprintf(w, "org:        %s\n", coll.OrgID)
	fmt.Fprintf(w, "name:       %s\n", coll.Name)
	fmt.Fprintf(w, "embedding:  %s, %d dimensions, %s, normalize=%t\n",
		coll.Embedding.Model, coll.Embedding.Dim, coll.Embedding.Metric, coll.Embedding.Normalize)
	fmt.Fprintf(w, "chunking:   %s, max %d chars, overlap %d\n",
		coll.Chunking.Strategy, coll.Chunking.MaxChars, coll.Chunking.Overlap)
	if coll.Schema != nil {
		names := make([]string, 0, len(coll.Schema.Fields))
		for name := range coll.Schema.Fields {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			f := coll.Schema.Fields[name]
			req := ""
			if f.Required {
				req = " (required)"
			}
			fmt.Fprintf(w, "field:      %s %s%s\n", name, f.Kind, req)
		}
	}
	return nil
}

func (r *runner) collectionListCommand(c *cli.Context) error {
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	colls, err := engine.ListCollections(c.Context, c.String("org"))
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODEL\tDIM\tCHUNKING")
	for _, coll := range colls {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s/%d/%d\n", coll.ID, coll.Embedding.Model, coll.Embedding.Dim,
			coll.Chunking.Strategy, coll.Chunking.MaxChars, coll.Chunking.Overlap)
	}
	return w.Flush()
}

// parseMetadata reads key=value pairs. Values that parse as a bool or a
// number keep that type.
func parseMetadata(pairs []string) (core.Metadata, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	md := make(core.Metadata, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("metadata %q must be key=value", pair)
		}
		md[key] = parseScalar(raw)
	}
	return md, nil
}

func parseScalar(raw string) core.Value {
	if b, err := strconv.ParseBool(raw); err == nil {
		return core.Bool(b)
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return core.Number(n)
	}
	return core.String(raw)
}

func sourceFromFlags(c *cli.Context) (core.SourceDescriptor, error) {
	var (
		src core.SourceDescriptor
		set int
	)
	if v := c.String("text"); v != "" {
		src = core.SourceDescriptor{Kind: core.SourceInlineText, Text: v}
		set++
	}
	if v := c.String("file"); v != "" {
		src = core.SourceDescriptor{Kind: core.SourceFileRef, URI: v}
		set++
	}
	if v := c.String("url"); v != "" {
		src = core.SourceDescriptor{Kind: core.SourceURL, URI: v}
		set++
	}
	if set != 1 {
		return src, fmt.Errorf("exactly one of --text, --file or --url is required")
	}
	src.Format = c.String("format")
	return src, nil
}

func (r *runner) ingestCommand(c *cli.Context) error {
	src, err := sourceFromFlags(c)
	if err != nil {
		return err
	}
	md, err := parseMetadata(c.StringSlice("meta"))
	if err != nil {
		return err
	}
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	res, err := engine.Submit(c.Context, ingestion.SubmitRequest{
		OrgID:        c.String("org"),
		CollectionID: c.String("collection"),
		Source:       src,
		Metadata:     md,
	})
	if err != nil {
		return fmt.Errorf("failed to submit: %w", err)
	}
	if res.Existing {
		fmt.Fprintf(c.App.Writer, "existing job %s (document %s)\n", res.JobID, res.DocumentID)
	} else {
		fmt.Fprintf(c.App.Writer, "submitted job %s (document %s)\n", res.JobID, res.DocumentID)
	}
	if !c.Bool("wait") || res.Status.Terminal() {
		fmt.Fprintf(c.App.Writer, "status: %s\n", res.Status)
		return nil
	}

	if err := engine.Start(c.Context); err != nil {
		return err
	}
	progress := newProgressTracker(c.App.ErrWriter, res.JobID)
	view, err := waitForJob(c.Context, engine, res.JobID, c.Duration("poll"), progress)
	if err != nil {
		return err
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), appConfig(c).HTTP.ShutdownTimeout)
	defer cancel()
	if err := engine.Stop(stopCtx); err != nil {
		return err
	}
	printJob(c, view)
	fmt.Fprintf(c.App.Writer, "elapsed:    %s\n", progress.Elapsed().Round(time.Millisecond))
	if view.Status == core.JobFailed {
		return fmt.Errorf("job %s failed", view.JobID)
	}
	return nil
}

type jobStatuser interface {
	JobStatus(ctx context.Context, id string) (core.JobView, error)
}

// waitForJob polls the job until it reaches a terminal status.
func waitForJob(ctx context.Context, jobs jobStatuser, id string, every time.Duration, progress *progressTracker) (core.JobView, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	progress.Start()
	for {
		view, err := jobs.JobStatus(ctx, id)
		if err != nil {
			return view, err
		}
		if view.Status.Terminal() {
			progress.Finish(view)
			return view, nil
		}
		progress.Update(view)
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printJob(c *cli.Context, v core.JobView) {
	w := c.App.Writer
	fmt.Fprintf(w, "job:        %s\n", v.JobID)
	fmt.Fprintf(w, "collection: %s\n", v.CollectionID)
	fmt.Fprintf(w, "status:     %s\n", v.Status)
	fmt.Fprintf(w, "documents:  %s\n", strings.Join(v.DocumentIDs, ", "))
	fmt.Fprintf(w, "chunks:     %d committed, %d failed\n", v.ChunksCommitted, v.ChunksFailed)
	fmt.Fprintf(w, "segments:   %d failed\n", v.SegmentsFailed)
	for _, e := range v.Errors {
		fmt.Fprintf(w, "error:      segment %d: %s: %s\n", e.Segment, e.Kind, e.Message)
	}
}

func (r *runner) statusCommand(c *cli.Context) error {
	id, err := oneArg(c, "job id")
	if err != nil {
		return err
	}
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	view, err := engine.JobStatus(c.Context, id)
	if err != nil {
		return err
	}
	printJob(c, view)
	return nil
}

func (r *runner) jobsCommand(c *cli.Context) error {
	filter := storage.JobFilter{
		CollectionID: c.String("collection"),
		Status:       core.JobStatus(strings.ToUpper(c.String("status"))),
		Limit:        c.Int("limit"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return fmt.Errorf("unknown status %q", c.String("status"))
	}
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	views, err := engine.ListJobs(c.Context, filter)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tCOLLECTION\tSTATUS\tCHUNKS\tCREATED")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", v.JobID, v.CollectionID, v.Status, v.ChunksCommitted, v.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func (r *runner) cancelCommand(c *cli.Context) error {
	id, err := oneArg(c, "job id")
	if err != nil {
		return err
	}
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	view, err := engine.CancelJob(c.Context, id)
	if err != nil {
		return fmt.Errorf("failed to cancel job: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "job %s: %s\n", view.JobID, view.Status)
	return nil
}

func (r *runner) queryCommand(c *cli.Context) error {
	query := strings.Join(c.Args().Slice(), " ")
	var filter core.Filter
	for _, pair := range c.StringSlice("filter") {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return fmt.Errorf("filter %q must be key=value", pair)
		}
		filter.Conditions = append(filter.Conditions, core.Eq(key, parseScalar(raw)))
	}
	engine, err := r.open(c)
	if err != nil {
		return err
	}
	defer engine.Close()

	results, err := engine.Retrieve(c.Context, search.RetrieveRequest{
		OrgID:        c.String("org"),
		CollectionID: c.String("collection"),
		Query:        query,
		TopK:         c.Int("top-k"),
		Filter:       filter,
	})
	if err != nil {
		return err
	}

	if c.Bool("json") {
		out := make([]queryResult, len(results))
		for i, res := range results {
			out[i] = queryResult{
				ChunkID:    res.ChunkID,
				DocumentID: res.DocumentID,
				Seq:        res.Seq,
				Score:      res.Score,
				Text:       res.Text,
				Metadata:   res.Metadata,
			}
		}
		enc := json.NewEncoder(c.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if len(results) == 0 {
		fmt.Fprintln(c.App.Writer, "no results")
		return nil
	}
	for i, res := range results {
		fmt.Fprintf(c.App.Writer, "%d. [%.4f] %s#%d\n   %s\n", i+1, res.Score, res.DocumentID, res.Seq, oneLine(res.Text))
	}
	return nil
}

type queryResult struct {
	ChunkID    core.ID       `json:"chunk_id"`
	DocumentID string        `json:"document_id"`
	Seq        int           `json:"seq"`
	Score      float32       `json:"score"`
	Text       string        `json:"text"`
	Metadata   core.Metadata `json:"metadata,omitempty"`
}

// oneLine collapses whitespace so a chunk prints on a single line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
