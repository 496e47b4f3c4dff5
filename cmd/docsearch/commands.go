package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/docsearch/internal/docstore"
	httpapi "github.com/fyrsmithlabs/docsearch/internal/http"
	"github.com/fyrsmithlabs/docsearch/internal/retrieval"
)

func newHealthCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check docsearchd server health",
		Long: `Check the health of the docsearchd server and its vector index and
document store.

Examples:
  docsearch health
  docsearch health --server http://search.internal:8000`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(opts.server)
			if err != nil {
				return err
			}
			var resp httpapi.HealthResponse
			data, err := c.getJSON(cmd.Context(), "/health", &resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, data)
			}
			fmt.Fprintf(out, "Status:         %s\n", resp.Status)
			if resp.Version != "" {
				fmt.Fprintf(out, "Version:        %s\n", resp.Version)
			}
			fmt.Fprintf(out, "Index:          %s\n", resp.Components["index"])
			fmt.Fprintf(out, "Store:          %s\n", resp.Components["store"])
			if resp.Counts.IndexedPoints >= 0 {
				fmt.Fprintf(out, "Indexed points: %d\n", resp.Counts.IndexedPoints)
			}
			return nil
		},
	}
}

func newSearchCmd(opts *options) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over uploaded documents",
		Long: `Rank stored documents by semantic similarity to the query.

Examples:
  docsearch search "parental leave policy"
  docsearch search --top-k 10 quarterly revenue forecast`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts.server)
			if err != nil {
				return err
			}
			q := url.Values{"query": {strings.Join(args, " ")}}
			if topK > 0 {
				q.Set("topK", strconv.Itoa(topK))
			}
			var result retrieval.Result
			data, err := c.getJSON(cmd.Context(), "/search?"+q.Encode(), &result)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, data)
			}
			if len(result.Results) == 0 {
				fmt.Fprintln(out, "No matching documents.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RANK\tSCORE\tTITLE\tDEPARTMENT\tID")
			for i, h := range result.Results {
				fmt.Fprintf(w, "%d\t%.3f\t%s\t%s\t%s\n", i+1, h.Score, truncate(h.Title, 48), h.DepartmentName, h.ID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "Maximum results (server default when unset)")
	return cmd
}

func newUploadCmd(opts *options) *cobra.Command {
	var userID, title, department string
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a document for processing and indexing",
		Long: `Upload a file. The server extracts text, summarizes and classifies it,
stores the document and indexes its embedding.

Examples:
  docsearch upload --user 6f1c... handbook.pdf
  docsearch upload --user 6f1c... --title "Travel policy" --department 9a2b... travel.docx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts.server)
			if err != nil {
				return err
			}
			data, err := c.upload(cmd.Context(), userID, args[0], title, department)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, data)
			}
			var resp httpapi.UploadResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			if resp.Document == nil {
				return errors.New("server response has no document")
			}
			fmt.Fprintf(out, "Uploaded %s (%s)\n", resp.Document.ID, resp.Document.Title)
			fmt.Fprintf(out, "Embeddings stored: %t\n", resp.EmbeddingsStored)
			if resp.Document.Classification != "" {
				fmt.Fprintf(out, "Classification:    %s\n", resp.Document.Classification)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Uploader user ID (required)")
	cmd.Flags().StringVar(&title, "title", "", "Document title (defaults to the file name)")
	cmd.Flags().StringVar(&department, "department", "", "Department ID (defaults to the uploader's)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newGetCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts.server)
			if err != nil {
				return err
			}
			var doc docstore.Document
			data, err := c.getJSON(cmd.Context(), "/api/documents/"+url.PathEscape(args[0]), &doc)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, data)
			}
			printDocument(out, &doc)
			return nil
		},
	}
}

func newListCmd(opts *options) *cobra.Command {
	var department, uploader string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents by department or uploader",
		Long: `List documents, newest first.

Examples:
  docsearch list --department 9a2b...
  docsearch list --uploader 6f1c... --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var path string
			switch {
			case department != "" && uploader != "":
				return errors.New("use either --department or --uploader, not both")
			case department != "":
				path = "/api/documents/department/" + url.PathEscape(department)
			case uploader != "":
				path = "/api/documents/uploader/" + url.PathEscape(uploader)
			default:
				return errors.New("one of --department or --uploader is required")
			}

			c, err := newClient(opts.server)
			if err != nil {
				return err
			}
			var resp httpapi.DocumentsResponse
			data, err := c.getJSON(cmd.Context(), path, &resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, data)
			}
			if len(resp.Documents) == 0 {
				fmt.Fprintln(out, "No documents found.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "UPLOADED\tTITLE\tSTATUS\tID")
			for _, d := range resp.Documents {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.UploadedAt.Format(time.DateOnly), truncate(d.Title, 48), d.Status, d.ID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&department, "department", "", "Department ID")
	cmd.Flags().StringVar(&uploader, "uploader", "", "Uploader user ID")
	return cmd
}

func newDeleteCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a document, its embedding and its file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(opts.server)
			if err != nil {
				return err
			}
			data, err := c.do(cmd.Context(), http.MethodDelete, "/api/documents/"+url.PathEscape(args[0]), nil, "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, data)
			}
			fmt.Fprintf(out, "Deleted %s\n", args[0])
			return nil
		},
	}
}

func printDocument(w io.Writer, d *docstore.Document) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	row := func(k, v string) {
		if v != "" {
			fmt.Fprintf(tw, "%s:\t%s\n", k, v)
		}
	}
	row("ID", d.ID)
	row("Title", d.Title)
	row("File", d.FileName)
	row("URL", d.FileURL)
	row("Status", string(d.Status))
	row("Department", d.DepartmentName)
	row("Uploader", d.UploaderName)
	row("Uploaded", d.UploadedAt.Format(time.RFC3339))
	row("Classification", d.Classification)
	row("Language", d.DetectedLanguage)
	if len(d.Tags) > 0 {
		row("Tags", strings.Join(d.Tags, ", "))
	}
	summary := d.Summary
	if summary == "" {
		summary = d.SummaryML
	}
	row("Summary", summary)
	_ = tw.Flush()
}

// truncate shortens s to maxLen runes, marking the cut with "...".
func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
