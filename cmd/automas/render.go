package main

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/broadcast"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/domain"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/events"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/history"
	"github.com/AUTO-MAS-Project/AUTO-MAS-sub000/internal/taskstore"
)

const dateLayout = "2006-01-02"

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))

	promptStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("205")).
		Padding(0, 1)
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func renderTitle(s string) string {
	return titleStyle.Render(s)
}

func renderNotice(level, text string) string {
	switch level {
	case "error":
		return errorStyle.Render("✗ " + text)
	case "warning":
		return warningStyle.Render("! " + text)
	}
	return dimmedStyle.Render("· ") + text
}

func statusStyle(s domain.RunStatus) lipgloss.Style {
	switch s {
	case domain.StatusDone:
		return okStyle
	case domain.StatusError:
		return errorStyle
	case domain.StatusRunning:
		return warningStyle
	}
	return dimmedStyle
}

// renderEvent turns a hub event into one terminal line, or "" for events
// not worth printing. Script updates are shown once the script finishes.
func renderEvent(ev events.Event) string {
	switch p := ev.Payload.(type) {
	case events.Notice:
		return renderNotice(p.Level, p.Text)
	case events.Prompt:
		body := headerStyle.Render(p.Title)
		if p.Text != "" {
			body += "\n" + p.Text
		}
		if len(p.Options) > 0 {
			opts := make([]string, len(p.Options))
			for i, o := range p.Options {
				opts[i] = fmt.Sprintf("[%d] %s", i+1, o)
			}
			body += "\n" + dimmedStyle.Render(strings.Join(opts, "  "))
		}
		return promptStyle.Render(body)
	case events.Completion:
		line := "finished: " + statusStyle(domain.RunStatus(p.Outcome)).Render(p.Outcome)
		if p.Error != "" {
			line += " " + errorStyle.Render(p.Error)
		}
		return line
	case *domain.ScriptRunState:
		if !p.Status.Finished() {
			return ""
		}
		return p.Name + " " + statusStyle(p.Status).Render(string(p.Status))
	}
	return ""
}

// answerPrompt maps an operator's line to an answer for p. The line may be
// an option or its 1-based number; prompts without options take any text.
func answerPrompt(p events.Prompt, line string) (broadcast.Message, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return broadcast.Message{}, false
	}

	answer := line
	if len(p.Options) > 0 {
		answer = ""
		if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(p.Options) {
			answer = p.Options[n-1]
		}
		for _, o := range p.Options {
			if answer == "" && strings.EqualFold(o, line) {
				answer = o
			}
		}
		if answer == "" {
			return broadcast.Message{}, false
		}
	}

	return broadcast.Message{
		ID:   p.ID,
		Type: "Response",
		Data: map[string]interface{}{"answer": answer},
	}, true
}

// readLines streams lines of r until EOF, then closes the channel.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func took(start, end time.Time) string {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return "-"
	}
	return end.Sub(start).Round(time.Second).String()
}

func renderRuns(runs []taskstore.Run, now time.Time) string {
	var b strings.Builder
	w := newTable(&b)
	fmt.Fprintln(w, "ID\tMODE\tTARGET\tOUTCOME\tSTARTED\tTOOK")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Mode, r.TargetID, r.Outcome, ago(r.StartedAt, now), took(r.StartedAt, r.FinishedAt))
	}
	w.Flush()
	return b.String()
}

func renderRun(r taskstore.Run, now time.Time) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s %s", r.Mode, r.TargetID)))
	fmt.Fprintf(&b, "\nrun %s, task %s\n", r.ID, r.TaskID)
	fmt.Fprintf(&b, "outcome %s, started %s, took %s\n",
		statusStyle(domain.RunStatus(r.Outcome)).Render(r.Outcome), ago(r.StartedAt, now), took(r.StartedAt, r.FinishedAt))
	if r.Error != "" {
		b.WriteString(errorStyle.Render(r.Error) + "\n")
	}
	if len(r.Attempts) == 0 {
		return b.String()
	}

	b.WriteString("\n")
	w := newTable(&b)
	fmt.Fprintln(w, "SCRIPT\tUSER\tPHASE\t#\tRESULT\tDETAIL\tJUDGED")
	for _, a := range r.Attempts {
		judged := a.JudgedBy
		if judged == "" {
			judged = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			a.Script, a.User, a.Phase, a.Attempt, a.Status, a.Detail, judged)
	}
	w.Flush()
	return b.String()
}

func renderHistory(summaries []history.Summary) string {
	var b strings.Builder
	for _, s := range summaries {
		b.WriteString(headerStyle.Render(s.Key) + "\n")
		w := newTable(&b)
		fmt.Fprintln(w, "SCRIPT\tUSER\tATTEMPTS\tOK\tFAILED\tJUDGED\tLAST ERROR")
		for _, u := range s.Users {
			lastErr := u.LastError
			if lastErr == "" {
				lastErr = "-"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				u.Script, u.User, humanize.Comma(int64(u.Attempts)),
				humanize.Comma(int64(u.Successes)), humanize.Comma(int64(u.Failures)),
				u.Judged, lastErr)
		}
		w.Flush()
		b.WriteString("\n")
	}
	return b.String()
}

// renderEntry prints one attempt followed by its captured log, indented.
func renderEntry(e history.Entry, lines []string) string {
	var b strings.Builder
	header := fmt.Sprintf("%s %s/%s", e.StartedAt.Format("2006-01-02 15:04:05"), e.Script, e.User)
	if e.Phase != "" {
		header += " " + string(e.Phase)
	}
	header += fmt.Sprintf(" #%d", e.Attempt)
	b.WriteString(headerStyle.Render(header) + " ")
	b.WriteString(resultStyle(e.Status.Kind).Render(e.Status.String()))
	if e.Judgment != nil {
		b.WriteString(dimmedStyle.Render(" (judged by " + e.Judgment.Provider + ")"))
	}
	b.WriteString("\n")
	for _, l := range lines {
		b.WriteString("    " + l + "\n")
	}
	return b.String()
}

func resultStyle(kind domain.ResultKind) lipgloss.Style {
	switch kind {
	case domain.ResultSuccess:
		return okStyle
	case domain.ResultSkipped, domain.ResultAborted, domain.ResultRunning:
		return dimmedStyle
	}
	return errorStyle
}
