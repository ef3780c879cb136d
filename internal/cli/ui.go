package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/sbenjam1n/steward/internal/activity"
	"github.com/sbenjam1n/steward/internal/pending"
)

var (
	colorPrimary = lipgloss.Color("#7C3AED")
	colorSuccess = lipgloss.Color("#10B981")
	colorWarning = lipgloss.Color("#F59E0B")
	colorError   = lipgloss.Color("#EF4444")
	colorMuted   = lipgloss.Color("#6B7280")

	styleTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorMuted)

	styleID = lipgloss.NewStyle().
		Bold(true).
		Width(4).
		Align(lipgloss.Right)

	styleOK = lipgloss.NewStyle().
		Foreground(colorSuccess)

	styleWarn = lipgloss.NewStyle().
			Foreground(colorWarning)

	styleFail = lipgloss.NewStyle().
			Foreground(colorError).
			Bold(true)

	styleActor = lipgloss.NewStyle().
			Width(8)
)

func title(s string) string {
	return styleTitle.Render(s)
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func status(ok bool, text string) string {
	if ok {
		return styleOK.Render(text)
	}
	return styleFail.Render(text)
}

func printAction(a pending.Action) {
	fmt.Printf("%s  %s\n", styleID.Render(fmt.Sprintf("%d", a.ID)), a.Text)
	if len(a.Metadata) == 0 || !verbose {
		return
	}
	fmt.Printf("      %s\n", styleMuted.Render(metaLine(a.Metadata)))
}

func printEntry(e activity.Entry) {
	target := ""
	if e.Target != "" {
		target = " " + e.Target
	}
	by := styleActor.Render(string(e.By))
	line := fmt.Sprintf("%s  %s %s %s%s", styleMuted.Render(e.TS.Local().Format("2006-01-02 15:04:05")), by, e.Tool, e.Action, target)
	if msg := e.MetaString("error"); msg != "" {
		line += "  " + styleFail.Render(msg)
	}
	fmt.Println(line)
}

func metaLine(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + meta[k]
	}
	return strings.Join(parts, " ")
}
