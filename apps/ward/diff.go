package main

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
	"github.com/sergi/go-diff/diffmatchpatch"
)

var (
	addedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	removedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	equalStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// paint styles each line on its own; lipgloss pads multi-line blocks to
// their widest line.
func paint(style lipgloss.Style, text string) string {
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = style.Render(l)
		}
	}
	return strings.Join(lines, "\n")
}

// printDiff writes the character diff between two reports. Without colour,
// insertions are marked {+...+} and deletions [-...-].
func printDiff(w io.Writer, diffs []diffmatchpatch.Diff, color bool) {
	for _, d := range diffs {
		var s string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			s = "{+" + d.Text + "+}"
			if color {
				s = paint(addedStyle, d.Text)
			}
		case diffmatchpatch.DiffDelete:
			s = "[-" + d.Text + "-]"
			if color {
				s = paint(removedStyle, d.Text)
			}
		default:
			s = d.Text
			if color {
				s = paint(equalStyle, d.Text)
			}
		}
		io.WriteString(w, s)
	}
}
