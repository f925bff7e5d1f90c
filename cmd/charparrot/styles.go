package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"charparrot/internal/config"
	"charparrot/internal/train"
)

type styles struct {
	title lipgloss.Style
	panel lipgloss.Style
	label lipgloss.Style
	dim   lipgloss.Style
	ok    lipgloss.Style
	warn  lipgloss.Style
}

func defaultStyles() styles {
	brand := lipgloss.AdaptiveColor{Light: "26", Dark: "81"}
	subtle := lipgloss.AdaptiveColor{Light: "245", Dark: "244"}
	border := lipgloss.AdaptiveColor{Light: "250", Dark: "238"}
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(brand),
		panel: lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(0, 1),
		label: lipgloss.NewStyle().Foreground(subtle).Width(14),
		dim:   lipgloss.NewStyle().Foreground(subtle),
		ok:    lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
	}
}

func (s styles) rows(pairs ...string) string {
	lines := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		lines = append(lines, lipgloss.JoinHorizontal(lipgloss.Top, s.label.Render(pairs[i]), pairs[i+1]))
	}
	return strings.Join(lines, "\n")
}

// banner summarises the model about to be trained.
func (s styles) banner(cfg config.Config, vocabSize, corpus int) string {
	body := s.rows(
		"model", fmt.Sprintf("%s %d×%d", cfg.Model, cfg.Layers, cfg.HiddenSize),
		"corpus", fmt.Sprintf("%d chars, %d distinct", corpus, vocabSize),
		"window", fmt.Sprintf("%d steps × %d lanes", cfg.TimeSteps, cfg.BatchSize),
		"solver", fmt.Sprintf("rmsprop lr=%g", cfg.LearningRate),
		"zero hidden", fmt.Sprintf("%t", cfg.ZeroHidden),
	)
	return s.panel.Render(lipgloss.JoinVertical(lipgloss.Left, s.title.Render("charparrot"), body))
}

// summary reports a finished run.
func (s styles) summary(res train.Result, checkpoint string) string {
	saved := s.dim.Render("not saved")
	if checkpoint != "" {
		saved = checkpoint
	}
	body := s.rows(
		"epochs", fmt.Sprintf("%d", len(res.EpochLoss)),
		"windows", fmt.Sprintf("%d", res.Windows),
		"final loss", fmt.Sprintf("%f", res.Final()),
		"checkpoint", saved,
	)
	return s.panel.Render(lipgloss.JoinVertical(lipgloss.Left, s.ok.Render("Done!"), body))
}

// interrupted reports a run stopped early whose progress was saved.
func (s styles) interrupted(checkpoint string) string {
	return lipgloss.JoinVertical(lipgloss.Left,
		s.warn.Render("Interrupted"),
		s.rows("checkpoint", checkpoint),
	)
}

func (s styles) heading(text string) string {
	return s.title.Render(text)
}
