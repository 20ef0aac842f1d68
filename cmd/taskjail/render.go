package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zhangyunhao116/taskjail"
)

var (
	okStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	invalidStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	blockStyle   = lipgloss.NewStyle().PaddingLeft(2)
)

func statusStyle(st taskjail.Status) lipgloss.Style {
	switch st {
	case taskjail.StatusSuccess:
		return okStyle
	case taskjail.StatusInvalid:
		return invalidStyle
	default:
		return errorStyle
	}
}

func renderOutcome(w io.Writer, out taskjail.Outcome) {
	fmt.Fprintf(w, "%s %s\n",
		statusStyle(out.Status).Render(strings.ToUpper(string(out.Status))),
		dimStyle.Render(fmt.Sprintf("task %s, %d attempt(s)", out.TaskID, out.Attempts)))
	if out.Output != "" {
		fmt.Fprintln(w, blockStyle.Render(out.Output))
	}
	if out.Error != "" {
		fmt.Fprintln(w, blockStyle.Render(out.Error))
	}
}

func renderVerdict(w io.Writer, name string, v taskjail.PolicyVerdict) {
	if v.Approved {
		fmt.Fprintf(w, "%s %s\n", okStyle.Render("APPROVED"), name)
		return
	}
	fmt.Fprintf(w, "%s %s\n", errorStyle.Render("REJECTED"), name)
	fmt.Fprintln(w, blockStyle.Render(fmt.Sprintf("rule %s: %s", v.Violation.Rule, v.Violation)))
}
