// Package output renders a running simulation and its summary for humans
// and machines.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/wesleyorama2/volley/internal/loadgen/engine"
	"github.com/wesleyorama2/volley/internal/loadgen/metrics"
)

// ANSI escape codes for cursor control
const (
	cursorUp  = "\033[%dA" // Move cursor up N lines
	clearLine = "\033[2K"  // Clear entire line
)

// Box drawing characters
const (
	boxHorizontal  = "━"
	boxVertical    = "│"
	boxTopLeft     = "┌"
	boxTopRight    = "┐"
	boxBottomLeft  = "└"
	boxBottomRight = "┘"

	progressFilled = "█"
	progressEmpty  = "░"
)

// LiveStats contains real-time statistics for display.
type LiveStats struct {
	// Progress tracking
	Progress  float64       // 0.0 to 1.0
	Elapsed   time.Duration // Time elapsed since the run started
	Remaining time.Duration // Estimated time remaining

	// User stats
	ActiveUsers  int64
	StartedUsers int64
	PlannedUsers int64

	// Request stats
	CurrentRPS    float64
	TotalRequests int64
	Errors        int64
	ErrorRate     float64 // 0.0 to 1.0
	TotalBytes    int64
}

// StatsFromProgress creates LiveStats from an engine progress report.
func StatsFromProgress(p engine.Progress) *LiveStats {
	stats := &LiveStats{
		Elapsed:       p.Elapsed,
		ActiveUsers:   p.ActiveUsers,
		StartedUsers:  p.StartedUsers,
		PlannedUsers:  p.PlannedUsers,
		CurrentRPS:    p.Totals.RPS,
		TotalRequests: p.Totals.TotalRequests,
		Errors:        p.Totals.FailedRequests,
		ErrorRate:     p.Totals.ErrorRate,
		TotalBytes:    p.Totals.TotalBytes,
	}

	if p.Expected > 0 {
		stats.Progress = float64(p.Elapsed) / float64(p.Expected)
		if stats.Progress > 1 {
			stats.Progress = 1
		}
		if p.Expected > p.Elapsed {
			stats.Remaining = p.Expected - p.Elapsed
		}
	}
	return stats
}

// Console manages console output during a run.
type Console struct {
	name    string
	profile string
	writer  io.Writer
	isTTY   bool
	colors  *ColorScheme
	noColor bool
	quiet   bool

	mu          sync.Mutex
	linesOutput int // Number of lines in the live display
}

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Name        string
	Profile     string
	Writer      io.Writer
	Quiet       bool
	NoColor     bool
	ForceColors bool
	ForceTTY    bool
}

// NewConsole creates a new console output handler.
func NewConsole(config ConsoleConfig) *Console {
	if config.Writer == nil {
		config.Writer = os.Stdout
	}

	isTTY := config.ForceTTY || isTerminal(config.Writer)
	useColors := !config.NoColor && (config.ForceColors || (isTTY && supportsColors()))

	scheme := NoColorScheme()
	if useColors {
		scheme = forcedColorScheme()
	}

	return &Console{
		name:    config.Name,
		profile: config.Profile,
		writer:  config.Writer,
		isTTY:   isTTY,
		colors:  scheme,
		noColor: !useColors,
		quiet:   config.Quiet,
	}
}

// PrintHeader prints the run header.
func (c *Console) PrintHeader() {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := strings.Repeat(boxHorizontal, 56)
	profileInfo := ""
	if c.profile != "" {
		profileInfo = fmt.Sprintf(" [%s]", c.profile)
	}

	c.writeln(c.colors.Border.Sprint(line))
	c.writeln(c.colors.Title.Sprintf("%s - Running%s", c.name, profileInfo))
	c.writeln(c.colors.Border.Sprint(line))
	c.writeln("")
}

// Update redraws the live display. It does nothing unless the output is a
// terminal.
func (c *Console) Update(stats *LiveStats) {
	if c.quiet || !c.isTTY {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearLive()

	lines := c.renderLiveStats(stats)
	c.linesOutput = len(lines)
	for _, line := range lines {
		c.writeln(line)
	}
}

// clearLive erases the previous live display. Callers hold c.mu.
func (c *Console) clearLive() {
	if c.linesOutput == 0 {
		return
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	for i := 0; i < c.linesOutput; i++ {
		c.write(clearLine + "\n")
	}
	c.write(fmt.Sprintf(cursorUp, c.linesOutput))
	c.linesOutput = 0
}

// renderLiveStats renders the live statistics display.
func (c *Console) renderLiveStats(stats *LiveStats) []string {
	var lines []string

	progressBar := renderProgressBar(stats.Progress, 40)
	progressPercent := fmt.Sprintf("%.0f%%", stats.Progress*100)
	timeInfo := fmt.Sprintf("%s / %s", formatDuration(stats.Elapsed), formatDuration(stats.Elapsed+stats.Remaining))

	lines = append(lines, fmt.Sprintf("Progress: %s %s | %s",
		c.colors.Good.Sprint(progressBar),
		c.colors.Title.Sprint(progressPercent),
		c.colors.Muted.Sprint(timeInfo)))
	lines = append(lines, "")

	boxWidth := 55
	lines = append(lines, c.colors.Muted.Sprint(boxTopLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxTopRight))

	usersStr := fmt.Sprintf("Users:   %s / %d",
		c.colors.Value.Sprintf("%d", stats.ActiveUsers),
		stats.PlannedUsers)
	startedStr := fmt.Sprintf("Started:     %s", c.colors.Value.Sprint(formatNumber(stats.StartedUsers)))
	lines = append(lines, c.formatBoxRow(usersStr, startedStr, boxWidth))

	rpsStr := fmt.Sprintf("RPS:     %s", c.colors.Good.Sprintf("%.1f", stats.CurrentRPS))
	reqsStr := fmt.Sprintf("Requests:    %s", c.colors.Value.Sprint(formatNumber(stats.TotalRequests)))
	lines = append(lines, c.formatBoxRow(rpsStr, reqsStr, boxWidth))

	errColor := c.colors.rateColor(stats.ErrorRate)
	errStr := fmt.Sprintf("Errors:  %s (%s)",
		errColor.Sprintf("%d", stats.Errors),
		errColor.Sprintf("%.1f%%", stats.ErrorRate*100))
	bytesStr := fmt.Sprintf("Received:    %s", c.colors.Latency.Sprint(formatBytes(stats.TotalBytes)))
	lines = append(lines, c.formatBoxRow(errStr, bytesStr, boxWidth))

	lines = append(lines, c.colors.Muted.Sprint(boxBottomLeft+strings.Repeat(boxHorizontal, boxWidth-2)+boxBottomRight))

	return lines
}

// formatBoxRow formats a row inside the stats box with two columns.
func (c *Console) formatBoxRow(left, right string, boxWidth int) string {
	colWidth := (boxWidth - 4) / 2 // 2 borders + 2 padding

	leftPadding := max(colWidth-visibleLen(left), 0)
	rightPadding := max(colWidth-visibleLen(right), 0)

	border := c.colors.Muted.Sprint(boxVertical)
	return fmt.Sprintf("%s %s%s%s %s%s %s",
		border,
		left, strings.Repeat(" ", leftPadding),
		border,
		right, strings.Repeat(" ", rightPadding),
		border)
}

// renderProgressBar renders a progress bar.
func renderProgressBar(progress float64, width int) string {
	progress = min(max(progress, 0), 1)

	filled := int(progress * float64(width))
	empty := width - filled

	return "[" + strings.Repeat(progressFilled, filled) + strings.Repeat(progressEmpty, empty) + "]"
}

// PrintNonInteractiveUpdate prints a one-line status update.
// Used when output is not a TTY (e.g., piped to a file or CI/CD).
func (c *Console) PrintNonInteractiveUpdate(stats *LiveStats) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.writeln(fmt.Sprintf("[%s] Progress: %.0f%% | Users: %d active, %d/%d started | Reqs: %d | RPS: %.1f | Errors: %d (%.1f%%)",
		formatDuration(stats.Elapsed),
		stats.Progress*100,
		stats.ActiveUsers,
		stats.StartedUsers,
		stats.PlannedUsers,
		stats.TotalRequests,
		stats.CurrentRPS,
		stats.Errors,
		stats.ErrorRate*100))
}

// PrintProgress routes a progress report to the live display on a terminal
// and to a one-line update otherwise.
func (c *Console) PrintProgress(p engine.Progress) {
	stats := StatsFromProgress(p)
	if c.isTTY {
		c.Update(stats)
		return
	}
	c.PrintNonInteractiveUpdate(stats)
}

// PrintSummary prints the final run summary.
func (c *Console) PrintSummary(summary *engine.Summary) {
	if c.quiet {
		if summary.Passed {
			c.writeln(c.colors.Good.Sprint("PASSED"))
		} else {
			c.writeln(c.colors.Bad.Sprint("FAILED"))
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.isTTY {
		c.clearLive()
	}

	line := strings.Repeat(boxHorizontal, 56)
	status := c.colors.Good.Sprint("Completed ✓")
	if !summary.Passed {
		status = c.colors.Bad.Sprint("Failed ✗")
	}

	c.writeln("")
	c.writeln(c.colors.Border.Sprint(line))
	c.writeln(fmt.Sprintf("%s - %s", c.colors.Title.Sprint(summary.Name), status))
	c.writeln(c.colors.Border.Sprint(line))
	c.writeln("")

	c.writeln(fmt.Sprintf("Run ID:        %s", c.colors.Muted.Sprint(summary.RunID)))
	c.writeln(fmt.Sprintf("Injection:     %s", c.colors.Highlight.Sprint(summary.Profile)))
	c.writeln(fmt.Sprintf("Duration:      %s", c.colors.Value.Sprint(formatDuration(summary.Duration))))

	if summary.Report != nil {
		overall := summary.Report.Overall
		c.writeln(fmt.Sprintf("Total Reqs:    %s", c.colors.Value.Sprint(formatNumber(overall.Count))))

		successRate := 1.0 - overall.ErrorRate
		successColor := c.colors.Good
		if successRate < 0.99 {
			successColor = c.colors.Warn
		}
		if successRate < 0.95 {
			successColor = c.colors.Bad
		}
		c.writeln(fmt.Sprintf("Success Rate:  %s", successColor.Sprintf("%.1f%%", successRate*100)))
		c.writeln(fmt.Sprintf("Throughput:    %s", c.colors.Value.Sprintf("%.1f req/s", summary.Overall.RPS)))
		c.writeln(fmt.Sprintf("Received:      %s", c.colors.Value.Sprint(formatBytes(overall.Bytes))))
	}
	c.writeln("")

	if users := summary.Users; users != nil {
		c.writeln(c.colors.Title.Sprint("Users:"))
		c.writeln(fmt.Sprintf("  Planned:     %d", users.Planned))
		c.writeln(fmt.Sprintf("  Started:     %d", users.Started))
		c.writeln(fmt.Sprintf("  Completed:   %d", users.Completed))
		if users.Failed > 0 {
			c.writeln(fmt.Sprintf("  Failed:      %s", c.colors.Bad.Sprintf("%d", users.Failed)))
		}
		if users.Interrupted > 0 {
			c.writeln(fmt.Sprintf("  Interrupted: %s", c.colors.Warn.Sprintf("%d", users.Interrupted)))
		}
		if users.NotStarted > 0 {
			c.writeln(fmt.Sprintf("  Not started: %s", c.colors.Warn.Sprintf("%d", users.NotStarted)))
		}
		if users.Queued > 0 {
			c.writeln(fmt.Sprintf("  Queued:      %d", users.Queued))
		}
		c.writeln("")
	}

	if summary.Report != nil && len(summary.Report.Requests) > 0 {
		c.writeln(c.colors.Title.Sprint("Requests:"))
		for _, row := range c.renderRequestTable(summary.Report) {
			c.writeln(row)
		}
		c.writeln("")

		lat := summary.Report.Overall.Latency
		c.writeln(c.colors.Title.Sprint("Latency Distribution:"))
		c.writeln(fmt.Sprintf("  Min:       %s", formatDurationShort(lat.Min)))
		c.writeln(fmt.Sprintf("  Mean:      %s", formatDurationShort(lat.Mean)))
		c.writeln(fmt.Sprintf("  P50:       %s", formatDurationShort(lat.P50)))
		c.writeln(fmt.Sprintf("  P75:       %s", formatDurationShort(lat.P75)))
		c.writeln(fmt.Sprintf("  P95:       %s", formatDurationShort(lat.P95)))
		c.writeln(fmt.Sprintf("  P99:       %s", formatDurationShort(lat.P99)))
		c.writeln(fmt.Sprintf("  Max:       %s", formatDurationShort(lat.Max)))
		c.writeln(fmt.Sprintf("  Std Dev:   %s", formatDurationShort(lat.StdDev)))
		c.writeln("")
	}

	if len(summary.Thresholds) > 0 {
		c.writeln(c.colors.Title.Sprint("Thresholds:"))
		for _, t := range summary.Thresholds {
			icon := SuccessIcon(c.noColor)
			if !t.Passed {
				icon = ErrorIcon(c.noColor)
			}
			c.writeln(fmt.Sprintf("  %s %s %s (actual: %s)", icon, t.Metric, t.Expression, t.Value))
		}
		c.writeln("")
	}

	if len(summary.Warnings) > 0 {
		c.writeln(c.colors.Warn.Sprint("Warnings:"))
		for _, w := range summary.Warnings {
			c.writeln(fmt.Sprintf("  %s %s", WarningIcon(c.noColor), w))
		}
		c.writeln("")
	}
}

// renderRequestTable renders one row per request plus a total row.
func (c *Console) renderRequestTable(report *metrics.Report) []string {
	nameWidth := len("Total")
	for _, rs := range report.Requests {
		nameWidth = max(nameWidth, len(rs.Name))
	}

	header := fmt.Sprintf("  %-*s %8s %8s %8s %6s %6s %7s %8s %8s %8s %8s %8s %8s %8s",
		nameWidth, "Name", "Count", "OK", "KO", "Conn", "T/O", "Err%",
		"Min", "Mean", "P50", "P75", "P95", "P99", "Max")

	rows := []string{c.colors.Muted.Sprint(header)}
	row := func(rs metrics.RequestStats, name string, nameColor *color.Color) string {
		koColor := c.colors.Good
		if rs.KO > 0 {
			koColor = c.colors.Bad
		}
		koCell := koColor.Sprintf("%8d", rs.KO)
		errCell := c.colors.rateColor(rs.ErrorRate).Sprintf("%6.1f%%", rs.ErrorRate*100)
		lat := rs.Latency
		return fmt.Sprintf("  %s %8s %8d %s %6d %6d %s %8s %8s %8s %8s %8s %8s %8s",
			nameColor.Sprintf("%-*s", nameWidth, name),
			formatNumber(rs.Count), rs.OK, koCell, rs.ConnectionErrors, rs.Timeouts, errCell,
			formatDurationShort(lat.Min), formatDurationShort(lat.Mean),
			formatDurationShort(lat.P50), formatDurationShort(lat.P75),
			formatDurationShort(lat.P95), formatDurationShort(lat.P99),
			formatDurationShort(lat.Max))
	}

	for _, rs := range report.Requests {
		rows = append(rows, row(rs, rs.Name, c.colors.Value))
	}
	rows = append(rows, row(report.Overall, "Total", c.colors.Title))
	return rows
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// write writes to the output without a newline.
func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

// writeln writes to the output with a newline.
func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a duration in a short format.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// formatBytes formats a byte count with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// visibleLen returns the number of runes shown on screen, ignoring ANSI codes.
func visibleLen(s string) int {
	return len([]rune(stripANSI(s)))
}

// stripANSI removes ANSI escape codes from a string.
func stripANSI(s string) string {
	var result strings.Builder
	inEscape := false

	for i := 0; i < len(s); i++ {
		if s[i] == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (s[i] >= 'a' && s[i] <= 'z') || (s[i] >= 'A' && s[i] <= 'Z') {
				inEscape = false
			}
			continue
		}
		result.WriteByte(s[i])
	}

	return result.String()
}
