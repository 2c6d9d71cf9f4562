// Package cli provides table and status formatting helpers.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/opencode-ai/proctor/internal/models"
)

const tablePadding = 2

const (
	colorReset  = "\x1b[0m"
	colorRed    = "\x1b[31m"
	colorGreen  = "\x1b[32m"
	colorYellow = "\x1b[33m"
	colorCyan   = "\x1b[36m"
)

func writeTable(out io.Writer, headers []string, rows [][]string) error {
	writer := tabwriter.NewWriter(out, 0, 0, tablePadding, ' ', tabwriter.StripEscape)
	if len(headers) > 0 {
		fmt.Fprintln(writer, strings.Join(headers, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}
	return writer.Flush()
}

func formatYesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}

func colorize(text, color string) string {
	if !colorEnabled() {
		return text
	}
	return color + text + colorReset
}

func colorEnabled() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	return hasTTY()
}

func formatUsageStatus(status models.UsageStatus) string {
	switch status {
	case models.UsageStatusOK:
		return colorize(string(status), colorGreen)
	case models.UsageStatusWarning:
		return colorize(string(status), colorYellow)
	case models.UsageStatusCritical, models.UsageStatusExhausted:
		return colorize(string(status), colorRed)
	default:
		return string(status)
	}
}

func formatOutcome(outcome models.AttemptOutcome) string {
	switch outcome {
	case models.OutcomePassed:
		return colorize(string(outcome), colorGreen)
	case models.OutcomeFailed:
		return colorize(string(outcome), colorRed)
	case models.OutcomeProviderError:
		return colorize(string(outcome), colorYellow)
	default:
		return string(outcome)
	}
}

// formatTokens renders a token count with thousands separators, since
// monthly allowances run into the hundreds of millions.
func formatTokens(tokens int64) string {
	text := fmt.Sprintf("%d", tokens)
	if tokens < 0 {
		return text
	}
	var parts []string
	for len(text) > 3 {
		parts = append([]string{text[len(text)-3:]}, parts...)
		text = text[:len(text)-3]
	}
	parts = append([]string{text}, parts...)
	return strings.Join(parts, ",")
}

func formatFraction(fraction float64) string {
	return fmt.Sprintf("%.1f%%", fraction*100)
}

func formatTimeAgo(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	elapsed := time.Since(*t)
	switch {
	case elapsed < time.Minute:
		return "just now"
	case elapsed < time.Hour:
		return fmt.Sprintf("%dm ago", int(elapsed.Minutes()))
	case elapsed < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(elapsed.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(elapsed.Hours()/24))
	}
}
