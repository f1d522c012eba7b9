// Package ui holds the lipgloss styles shared by the CLI commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	// Colors
	Green  = lipgloss.Color("#10B981")
	Red    = lipgloss.Color("#EF4444")
	Amber  = lipgloss.Color("#F59E0B")
	Blue   = lipgloss.Color("#60A5FA")
	Gray   = lipgloss.Color("#6B7280")

	pass   = lipgloss.NewStyle().Foreground(Green).Bold(true)
	fail   = lipgloss.NewStyle().Foreground(Red).Bold(true)
	warn   = lipgloss.NewStyle().Foreground(Amber)
	accent = lipgloss.NewStyle().Foreground(Blue).Bold(true)
	muted  = lipgloss.NewStyle().Foreground(Gray)
)

// RenderPass styles a success fragment.
func RenderPass(s string) string { return pass.Render(s) }

// RenderFail styles a failure fragment.
func RenderFail(s string) string { return fail.Render(s) }

// RenderWarn styles a needs-attention fragment.
func RenderWarn(s string) string { return warn.Render(s) }

// RenderAccent styles an emphasized fragment.
func RenderAccent(s string) string { return accent.Render(s) }

// RenderMuted styles a secondary fragment.
func RenderMuted(s string) string { return muted.Render(s) }
