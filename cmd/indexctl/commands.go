package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kirillkom/statsrag/internal/bootstrap"
	"github.com/kirillkom/statsrag/internal/config"
	"github.com/kirillkom/statsrag/internal/core/domain"
	"github.com/kirillkom/statsrag/internal/observability/logging"
)

const service = "indexctl"

type rootOptions struct {
	format string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "indexctl",
		Short:         "Build and inspect the statistical documents index",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&opts.format, "format", "f", "table", "Output format (table, json)")

	cmd.AddCommand(
		newBuildCommand(opts),
		newStatusCommand(opts),
		newSearchCommand(opts),
		newAskCommand(opts),
		newSubmitCommand(opts),
	)
	return cmd
}

func newBuildCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Rebuild the index from every stored document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, indexWriter, func(ctx context.Context, app *bootstrap.App) error {
				report, err := app.ProcessUC.RebuildAll(ctx)
				if report == nil {
					return err
				}
				if printErr := printReport(cmd.OutOrStdout(), opts.format, report); printErr != nil {
					return printErr
				}
				return err
			})
		},
	}
}

func newStatusCommand(opts *rootOptions) *cobra.Command {
	var top int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the persisted index and corpus statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, indexReader, func(ctx context.Context, app *bootstrap.App) error {
				stats, err := app.Chunks.Stats(ctx, top)
				if err != nil {
					return fmt.Errorf("corpus stats: %w", err)
				}
				return printStatus(cmd.OutOrStdout(), opts.format, app.Index.Status(), stats)
			})
		},
	}
	cmd.Flags().IntVar(&top, "top", 5, "Number of documents to list by chunk count")
	return cmd
}

func newSearchCommand(opts *rootOptions) *cobra.Command {
	var (
		k        int
		category string
	)
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Retrieve the nearest chunks for a query without generation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, indexReader, func(ctx context.Context, app *bootstrap.App) error {
				result, err := app.QueryUC.SearchOnly(ctx, domain.Query{
					Text:     strings.Join(args, " "),
					K:        k,
					Category: category,
				})
				if err != nil {
					return err
				}
				return printSearch(cmd.OutOrStdout(), opts.format, result)
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", domain.DefaultTopK, "Number of chunks to return")
	cmd.Flags().StringVar(&category, "category", "", "Restrict to one document category")
	return cmd
}

func newAskCommand(opts *rootOptions) *cobra.Command {
	var (
		k           int
		category    string
		temperature float64
	)
	cmd := &cobra.Command{
		Use:   "ask QUESTION",
		Short: "Answer a question from the index with citations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, indexReader, func(ctx context.Context, app *bootstrap.App) error {
				if !cmd.Flags().Changed("temperature") {
					temperature = app.Config.RAGTemperature
				}
				answer, err := app.QueryUC.AnswerQuery(ctx, domain.Query{
					Text:        strings.Join(args, " "),
					K:           k,
					Temperature: temperature,
					Category:    category,
				})
				if err != nil {
					return err
				}
				return printAnswer(cmd.OutOrStdout(), opts.format, answer)
			})
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", domain.DefaultTopK, "Number of chunks to retrieve")
	cmd.Flags().StringVar(&category, "category", "", "Restrict to one document category")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "Generation temperature (defaults to RAG_TEMPERATURE)")
	return cmd
}

func newSubmitCommand(opts *rootOptions) *cobra.Command {
	var req domain.SubmitDocumentRequest
	cmd := &cobra.Command{
		Use:   "submit FILE",
		Short: "Submit a plain-text document read from FILE (- for stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			req.Text = text
			if req.FetchedAt.IsZero() {
				req.FetchedAt = time.Now().UTC()
			}
			// Inline submissions index immediately, so the snapshot must be
			// current before the update is applied.
			return withApp(cmd, documentWriter, func(ctx context.Context, app *bootstrap.App) error {
				doc, err := app.IngestUC.Submit(ctx, req)
				if err != nil {
					return err
				}
				return printDocument(cmd.OutOrStdout(), opts.format, doc)
			})
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "Stable document id")
	cmd.Flags().StringVar(&req.SourceURL, "url", "", "Source URL of the release")
	cmd.Flags().StringVar(&req.Title, "title", "", "Document title")
	cmd.Flags().StringVar(&req.Category, "category", "", "Document category")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("url")
	return cmd
}

// withApp loads config, wires the application and restores the index before
// running fn. rebuild is honoured only when documents are indexed inline.
type appMode int

const (
	// indexReader loads the persisted snapshot and never writes it.
	indexReader appMode = iota
	// documentWriter stores documents; they are indexed inline unless a
	// queue hands them to the worker.
	documentWriter
	// indexWriter rewrites the index directly and refuses to run while a
	// worker owns it.
	indexWriter
)

func withApp(cmd *cobra.Command, mode appMode, fn func(context.Context, *bootstrap.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logging.InstallTo(cmd.ErrOrStderr(), service, cfg.LogLevel)

	if mode == indexWriter && cfg.QueueEnabled() {
		return fmt.Errorf("%s: NATS_URL is set, the worker owns the index; trigger a rebuild through it instead", cmd.Name())
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := bootstrap.New(ctx, cfg, bootstrap.Options{})
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	defer app.Close()

	if err := app.LoadIndex(ctx, mode == documentWriter && !cfg.QueueEnabled()); err != nil {
		return err
	}
	return fn(ctx, app)
}

func readInput(stdin io.Reader, path string) (string, error) {
	var (
		raw []byte
		err error
	)
	if path == "-" {
		raw, err = io.ReadAll(stdin)
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read document: %w", err)
	}
	return string(raw), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, format string, report *domain.BuildReport) error {
	if format == "json" {
		return printJSON(w, report)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "mode\t%s\n", report.Mode)
	fmt.Fprintf(tw, "model\t%s\n", report.ModelID)
	fmt.Fprintf(tw, "indexed\t%d\n", len(report.Indexed))
	fmt.Fprintf(tw, "failed\t%d\n", len(report.Failed))
	fmt.Fprintf(tw, "chunks added\t%d\n", report.ChunksAdded)
	fmt.Fprintf(tw, "chunks removed\t%d\n", report.ChunksRemoved)
	fmt.Fprintf(tw, "total chunks\t%d\n", report.TotalChunks)
	fmt.Fprintf(tw, "duration\t%s\n", report.Duration.Round(time.Millisecond))
	for _, failure := range report.Failed {
		fmt.Fprintf(tw, "  %s\t%s\n", failure.DocumentID, failure.Error)
	}
	return tw.Flush()
}

func printStatus(w io.Writer, format string, status domain.IndexStatus, stats domain.CorpusStats) error {
	if format == "json" {
		return printJSON(w, map[string]any{"index": status, "corpus": stats})
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "loaded\t%t\n", status.Loaded)
	fmt.Fprintf(tw, "model\t%s\n", status.ModelID)
	fmt.Fprintf(tw, "dimension\t%d\n", status.Dimension)
	fmt.Fprintf(tw, "index chunks\t%d\n", status.TotalChunks)
	if !status.BuiltAt.IsZero() {
		fmt.Fprintf(tw, "built at\t%s\n", status.BuiltAt.Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "documents\t%d\n", stats.Documents)
	fmt.Fprintf(tw, "stored chunks\t%d\n", stats.Chunks)
	if len(stats.TopDocuments) > 0 {
		fmt.Fprintln(tw, "\nDOCUMENT\tCHUNKS\tTITLE")
		for _, doc := range stats.TopDocuments {
			fmt.Fprintf(tw, "%s\t%d\t%s\n", doc.DocumentID, doc.Chunks, doc.Title)
		}
	}
	return tw.Flush()
}

func printSearch(w io.Writer, format string, result *domain.RetrievalResult) error {
	if format == "json" {
		return printJSON(w, result)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSCORE\tDOCUMENT\tSNIPPET")
	for i, hit := range result.Chunks {
		fmt.Fprintf(tw, "%d\t%.4f\t%s\t%s\n", i+1, hit.Score, hit.DocumentID, hit.Snippet)
	}
	return tw.Flush()
}

func printAnswer(w io.Writer, format string, answer *domain.Answer) error {
	if format == "json" {
		return printJSON(w, answer)
	}
	fmt.Fprintln(w, answer.Text)
	if len(answer.Citations) > 0 {
		fmt.Fprintln(w)
		for _, c := range answer.Citations {
			fmt.Fprintf(w, "[%d] %s %s\n", c.Marker, c.Title, c.SourceURL)
		}
	}
	for _, warning := range answer.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	return nil
}

func printDocument(w io.Writer, format string, doc *domain.Document) error {
	if format == "json" {
		return printJSON(w, doc)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", doc.ID)
	fmt.Fprintf(tw, "status\t%s\n", doc.Status)
	fmt.Fprintf(tw, "content hash\t%s\n", doc.ContentHash)
	if doc.Error != "" {
		fmt.Fprintf(tw, "error\t%s\n", doc.Error)
	}
	return tw.Flush()
}
