// Package ui renders a chat transcript and session state to a terminal.
package ui

import (
	"github.com/charmbracelet/lipgloss"
)

type Styles struct {
	UserLabel   lipgloss.Style
	AgentLabel  lipgloss.Style
	System      lipgloss.Style
	Error       lipgloss.Style
	Image       lipgloss.Style
	Status      lipgloss.Style
	Current     lipgloss.Style
	SessionMeta lipgloss.Style
	Separator   lipgloss.Style
}

func DefaultStyles() Styles {
	return Styles{
		UserLabel:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		AgentLabel:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		System:      lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#AFAFAF")),
		Error:       lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196")),
		Image:       lipgloss.NewStyle().Foreground(lipgloss.Color("213")),
		Status:      lipgloss.NewStyle().Faint(true),
		Current:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FFFDF5")).Background(lipgloss.Color("62")),
		SessionMeta: lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF")),
		Separator:   lipgloss.NewStyle().Faint(true),
	}
}

// PlainStyles renders without any escape sequences.
func PlainStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{
		UserLabel:   s,
		AgentLabel:  s,
		System:      s,
		Error:       s,
		Image:       s,
		Status:      s,
		Current:     s,
		SessionMeta: s,
		Separator:   s,
	}
}
