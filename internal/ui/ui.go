// Package ui renders styled terminal output for the plugsync CLI.
package ui

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/steveyegge/plugsync/internal/daemon"
)

var renderer = lipgloss.NewRenderer(os.Stdout)

var (
	passStyle   = renderer.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle   = renderer.NewStyle().Foreground(lipgloss.Color("214"))
	failStyle   = renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	accentStyle = renderer.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	mutedStyle  = renderer.NewStyle().Foreground(lipgloss.Color("240"))
)

func init() {
	SetColor(IsTerminal(os.Stdout) && os.Getenv("NO_COLOR") == "")
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// SetColor enables or disables ANSI styling.
func SetColor(enabled bool) {
	if enabled {
		renderer.SetColorProfile(termenv.ANSI256)
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}
}

// RenderPass styles a success marker.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles a warning marker.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles a failure marker.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderAccent styles headings.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderMuted styles secondary text.
func RenderMuted(s string) string { return mutedStyle.Render(s) }

// FormatSize formats a byte count for humans.
func FormatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

// RenderStatus renders a service snapshot as a table of cached archives
// followed by pending deployments and the last cycle.
func RenderStatus(snap *daemon.Snapshot) string {
	header := lipgloss.JoinHorizontal(lipgloss.Left,
		RenderAccent("Plugin Sync Status"),
		"  ",
		fmt.Sprintf("State: %s | Cycles: %d | Plugins: %d", snap.State, snap.Cycles, len(snap.Plugins)),
	)

	sections := []string{header, "", renderPlugins(snap.Plugins), ""}

	if len(snap.Pending) == 0 {
		sections = append(sections, RenderPass("✓")+" No pending deployments")
	} else {
		sections = append(sections, RenderWarn("⚠")+fmt.Sprintf(" %d pending deployment(s)", len(snap.Pending)))
		for _, p := range snap.Pending {
			sections = append(sections, "   "+p.Path)
		}
	}

	if c := snap.LastCycle; c != nil {
		line := fmt.Sprintf("Last cycle %s at %s took %s: %d changed, %d obsolete, %d downloaded",
			short(c.ID), c.StartedAt.Format("2006-01-02 15:04:05"),
			c.Duration.Round(time.Millisecond), len(c.Changed), len(c.Obsolete), len(c.Downloaded))
		if c.Failed() {
			sections = append(sections, RenderFail("✗")+" "+line, "   "+c.Error)
		} else {
			sections = append(sections, RenderPass("✓")+" "+line)
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderPlugins(plugins []daemon.PluginStatus) string {
	if len(plugins) == 0 {
		return RenderMuted("  No plugins in the managed directory.")
	}

	rows := []string{accentStyle.Render(fmt.Sprintf("%-24s │ %-12s │ %-8s │ %-19s │ %s",
		"NAME", "VERSION", "MD5", "MODIFIED", "FILE"))}
	for _, p := range plugins {
		mtime := "-"
		if !p.ModTime.IsZero() && p.ModTime.Unix() != 0 {
			mtime = p.ModTime.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, fmt.Sprintf("%-24s │ %-12s │ %-8s │ %-19s │ %s",
			truncate(p.Name, 24), truncate(p.Version, 12), short(p.MD5), mtime, filepath.Base(p.Path)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

// short returns the first eight characters of an identifier or digest.
func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return strings.TrimSpace(s[:n-1]) + "…"
}
