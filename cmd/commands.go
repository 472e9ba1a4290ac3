package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/shensi8312/design-institute-platform-sub001/internal/jobs"
	"github.com/shensi8312/design-institute-platform-sub001/internal/persistence"
	"github.com/shensi8312/design-institute-platform-sub001/internal/service"
)

func (c *commandContext) client() (*apiClient, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	return newAPIClient(serverBaseURL(c.serverURL, cfg.HTTP.Addr)), nil
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCommand(ctx *commandContext) *cobra.Command {
	var (
		documentID string
		kbID       string
		priority   int
		dedupeKey  string
		noOCR      bool
		noVector   bool
		noGraph    bool
	)
	cmd := &cobra.Command{
		Use:   "enqueue <file>",
		Short: "Submit a document file for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return fmt.Errorf("document file: %w", err)
			}
			client, err := ctx.client()
			if err != nil {
				return err
			}

			doc := service.DocumentForPath(args[0], kbID)
			if documentID != "" {
				doc.ID = documentID
			}
			enableOCR, enableVector, enableGraph := !noOCR, !noVector, !noGraph
			payload := map[string]any{
				"documentId":   doc.ID,
				"name":         doc.Name,
				"filePath":     doc.FilePath,
				"kbId":         doc.KBID,
				"enableOCR":    enableOCR,
				"enableVector": enableVector,
				"enableGraph":  enableGraph,
				"priority":     priority,
				"dedupeKey":    dedupeKey,
			}

			var res jobs.EnqueueResult
			if err := client.post(cmd.Context(), "/api/documents/process", payload, &res); err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, res)
			}
			out := cmd.OutOrStdout()
			if res.Duplicate {
				fmt.Fprintf(out, "Document %s is already queued as %s\n", doc.ID, res.QueueJobID)
				return nil
			}
			fmt.Fprintf(out, "Queued document %s\n  job:    %s\n  record: %s\n", doc.ID, res.QueueJobID, res.JobRecordID)
			return nil
		},
	}
	cmd.Flags().StringVar(&documentID, "id", "", "Document id (default: derived from the file path)")
	cmd.Flags().StringVar(&kbID, "kb", "", "Knowledge base id")
	cmd.Flags().IntVar(&priority, "priority", 0, "Higher priorities run first")
	cmd.Flags().StringVar(&dedupeKey, "dedupe-key", "", "Reuse an unfinished job submitted with the same key")
	cmd.Flags().BoolVar(&noOCR, "no-ocr", false, "Disable OCR during recognition")
	cmd.Flags().BoolVar(&noVector, "no-vector", false, "Skip vectorization")
	cmd.Flags().BoolVar(&noGraph, "no-graph", false, "Skip knowledge graph extraction")
	return cmd
}

type queueStatusView struct {
	Counts    jobs.Counts            `json:"counts"`
	Paused    bool                   `json:"paused"`
	Schedules []service.ScheduleInfo `json:"schedules"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and maintenance schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var status queueStatusView
			if err := client.get(cmd.Context(), "/api/queue/status", &status); err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, status)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderQueueStatus(status))
			return nil
		},
	}
}

func renderQueueStatus(status queueStatusView) string {
	c := status.Counts
	state := "running"
	if status.Paused {
		state = "paused"
	}
	out := fmt.Sprintf("Queue is %s\n", state)
	out += renderTable(
		[]string{"Waiting", "Active", "Delayed", "Completed", "Failed"},
		[][]string{{
			strconv.Itoa(c.Waiting),
			strconv.Itoa(c.Active),
			strconv.Itoa(c.Delayed),
			strconv.Itoa(c.Completed),
			strconv.Itoa(c.Failed),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight},
	) + "\n"

	if len(status.Schedules) > 0 {
		table := make([][]string, 0, len(status.Schedules))
		for _, s := range status.Schedules {
			table = append(table, []string{s.Name, s.Expression, formatTime(s.Last), formatTime(s.Next)})
		}
		out += renderTable([]string{"Job", "Schedule", "Last", "Next"}, table, nil) + "\n"
	}
	return out
}

func newProgressCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <document-id>",
		Short: "Show the latest job and stage progress of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var progress persistence.DocumentProgress
			path := "/api/documents/" + url.PathEscape(args[0]) + "/progress"
			if err := client.get(cmd.Context(), path, &progress); err != nil {
				return err
			}
			if ctx.jsonOutput {
				return writeJSON(cmd, progress)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderProgress(args[0], progress))
			return nil
		},
	}
}

func renderProgress(documentID string, progress persistence.DocumentProgress) string {
	out := fmt.Sprintf("Document %s\n", documentID)
	if rec := progress.Job; rec != nil {
		out += fmt.Sprintf("Job %s: %s (attempt %d/%d)\n", rec.ID, rec.Status, rec.Attempts, rec.MaxAttempts)
		if rec.LastError != "" {
			out += fmt.Sprintf("Last error: %s\n", rec.LastError)
		}
	}

	rows := make([][]string, 0, len(progress.Progress))
	for _, p := range progress.Progress {
		rows = append(rows, []string{
			p.Stage,
			fmt.Sprintf("%.0f%%", p.Percentage),
			unitProgress(p),
			formatTime(p.LastCheckpointAt),
		})
	}
	if len(rows) > 0 {
		out += renderTable([]string{"Stage", "Progress", "Units", "Checkpoint"}, rows,
			[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft}) + "\n"
	}
	return out
}

func unitProgress(p persistence.ProgressRecord) string {
	switch {
	case p.TotalChunks > 0:
		return fmt.Sprintf("%d/%d chunks", p.CurrentChunk, p.TotalChunks)
	case p.TotalPages > 0:
		return fmt.Sprintf("%d/%d pages", p.CurrentPage, p.TotalPages)
	default:
		return "-"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
