package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/dshills/postgraph/graph"
)

var (
	okColor     = color.New(color.FgGreen, color.Bold)
	warnColor   = color.New(color.FgYellow, color.Bold)
	errorColor  = color.New(color.FgRed, color.Bold)
	headerColor = color.New(color.Bold)
	dimColor    = color.New(color.Faint)
)

func statusColor(s graph.Status) *color.Color {
	switch s {
	case graph.StatusCompleted:
		return okColor
	case graph.StatusTerminated:
		return errorColor
	case graph.StatusAwaitingHuman, graph.StatusAwaitingAuth:
		return warnColor
	}
	return dimColor
}

func printExecution(cmd *cobra.Command, x graph.Execution, asJSON bool) error {
	w := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(x)
	}

	s := x.State
	fmt.Fprintf(w, "%s %s\n", headerColor.Sprint("Execution"), x.ExecutionID)
	fmt.Fprintf(w, "  status:  %s (step %s, v%d)\n", statusColor(x.Status).Sprint(x.Status), s.Step, x.Version)
	fmt.Fprintf(w, "  owner:   %s\n", x.OwnerID)
	fmt.Fprintf(w, "  url:     %s\n", s.URL)
	if s.Title != "" {
		fmt.Fprintf(w, "  title:   %s\n", s.Title)
	}
	if s.TerminateReason != "" {
		fmt.Fprintf(w, "  reason:  %s\n", errorColor.Sprint(s.TerminateReason))
	}
	if s.Interrupt != nil {
		fmt.Fprintf(w, "  waiting: %s %s\n", warnColor.Sprint(s.Interrupt.Type), s.Interrupt.Message)
	}

	for _, p := range graph.Platforms {
		draft, ok := s.Drafts[p]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "\n%s\n%s\n", headerColor.Sprintf("[%s draft]", p), indent(draft))
		if res, ok := s.Publish[p]; ok {
			fmt.Fprintf(w, "  publish: %s %s%s\n", res.Status, res.PostID, res.Error)
		}
	}
	if s.Image != nil {
		fmt.Fprintf(w, "\n%s %s\n", headerColor.Sprint("[image]"), s.Image.ImageURL)
	}
	if s.ImageSkippedReason != "" {
		fmt.Fprintf(w, "  %s\n", dimColor.Sprint("image skipped: "+s.ImageSkippedReason))
	}
	return nil
}

func printCheckpoint(cmd *cobra.Command, x graph.Execution) {
	fmt.Fprintf(cmd.OutOrStdout(), "v%-3d %s  %-22s %s\n",
		x.Version, x.UpdatedAt.Format("2006-01-02 15:04:05"), x.State.Step, statusColor(x.Status).Sprint(x.Status))
}

func printInbox(cmd *cobra.Command, items []graph.Summary) {
	out := cmd.OutOrStdout()
	if len(items) == 0 {
		fmt.Fprintln(out, dimColor.Sprint("inbox is empty"))
		return
	}
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EXECUTION\tOWNER\tSTATUS\tUPDATED\tTITLE")
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			it.ExecutionID, it.OwnerID, statusColor(it.Status).Sprint(it.Status),
			it.UpdatedAt.Format("2006-01-02 15:04"), truncate(firstNonEmpty(it.Title, it.URL), 60))
	}
	_ = tw.Flush()
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
