package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/pders01/feedkeeper/internal/feed"
	"github.com/pders01/feedkeeper/internal/search"
	"github.com/pders01/feedkeeper/internal/storage"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4")).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	failStyle   = cellStyle.Foreground(lipgloss.Color("#FF6B6B"))
	dimStyle    = cellStyle.Foreground(lipgloss.Color("#888888"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#95E1D3"))
)

const maxCellWidth = 60

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("#555555"))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

func renderReport(w io.Writer, report *feed.PollReport) {
	t := newTable("CHANNEL", "STATE", "NEW", "UPDATED", "TIME", "ERROR")
	failed := map[int]bool{}
	for i, c := range report.Channels {
		state := string(c.State)
		if c.NotModified {
			state += " (304)"
		}
		if c.Failed() {
			state = fmt.Sprintf("failed in %s: %s", c.FailedIn, c.Reason)
			failed[i] = true
		}
		name := c.Title
		if name == "" {
			name = c.SourceURL
		}
		t.Row(
			clip(name),
			state,
			strconv.Itoa(c.Inserted),
			strconv.Itoa(c.Updated),
			c.Duration.Round(time.Millisecond).String(),
			clip(c.Error),
		)
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case failed[row]:
			return failStyle
		default:
			return cellStyle
		}
	})

	fmt.Fprintln(w, titleStyle.Render("Poll report"))
	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, report.String())
}

func renderUsers(w io.Writer, all []storage.User) {
	t := newTable("ID", "NAME", "EMAIL", "RETENTION", "HIDE READ")
	for _, u := range all {
		t.Row(u.ID, u.Name, u.Email, fmt.Sprintf("%dd", u.Settings.RetentionDays), strconv.FormatBool(u.Settings.HideRead))
	}
	fmt.Fprintln(w, t.Render())
}

func renderChannels(w io.Writer, channels []storage.Channel) {
	if len(channels) == 0 {
		fmt.Fprintln(w, "No channels.")
		return
	}
	t := newTable("ID", "TITLE", "SOURCE", "LAST FETCHED")
	for _, c := range channels {
		t.Row(c.ID, clip(c.DisplayTitle()), clip(c.SourceURL), formatTime(c.LastFetched))
	}
	fmt.Fprintln(w, t.Render())
}

func renderItems(w io.Writer, items []storage.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "No items.")
		return
	}
	t := newTable("ID", "PUBLISHED", "TITLE", "LINK")
	read := map[int]bool{}
	for i, item := range items {
		read[i] = item.Read
		t.Row(item.ID, formatTime(item.PublishedAt), clip(item.Title), clip(item.Link))
	}
	t.StyleFunc(func(row, col int) lipgloss.Style {
		switch {
		case row == table.HeaderRow:
			return headerStyle
		case read[row]:
			return dimStyle
		default:
			return cellStyle
		}
	})
	fmt.Fprintln(w, t.Render())
}

func renderResults(w io.Writer, query string, results []search.Result) {
	if len(results) == 0 {
		fmt.Fprintf(w, "No results for %q.\n", query)
		return
	}
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("%d results for %q", len(results), query)))
	for _, r := range results {
		fmt.Fprintf(w, "%s  %s\n", lipgloss.NewStyle().Bold(true).Render(r.Title), dimStyle.Render(r.Link))
		if r.Snippet != "" {
			fmt.Fprintf(w, "    %s\n", r.Snippet)
		}
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func clip(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxCellWidth {
		return s
	}
	return string(r[:maxCellWidth-3]) + "..."
}

func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
