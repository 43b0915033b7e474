package prompt

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/aristath/agentcal/internal/task"
)

// Heuristic is the regex-based interpreter. It never fails: any prompt
// yields a draft, with conservative defaults where nothing matches.
type Heuristic struct{}

var _ Interpreter = Heuristic{}

var (
	taskIDRe   = regexp.MustCompile(`(?i)\btask-[a-z0-9_-]+\b`)
	relationRe = regexp.MustCompile(`(?i)\b(?:depends on|blocked by|after)\s+([a-z0-9_-]{3,})\b`)

	meridiemRe = regexp.MustCompile(`(?i)\b(?:at\s+)?(\d{1,2})(?::(\d{2}))?\s*(am|pm)\b`)
	clockRe    = regexp.MustCompile(`\b(?:at\s+)?([01]?\d|2[0-3]):([0-5]\d)\b`)
	absoluteRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})(?:[\sT](\d{1,2})(?::(\d{2}))?)?\b`)

	urgentRe = regexp.MustCompile(`\b(urgent|asap|immediately|critical|p0)\b`)
	highRe   = regexp.MustCompile(`\b(high priority|high-priority|priority high|important)\b`)
	lowRe    = regexp.MustCompile(`\b(low priority|priority low)\b`)

	titlePriorityRe = regexp.MustCompile(`(?i)\bwith\s+(?:low|medium|high|urgent)\s+priority\b`)
	titleAgentRe    = regexp.MustCompile(`(?i)\b(?:using|with)\s+(?:codex|claude)\b`)
	titleDepRe      = regexp.MustCompile(`(?i)\b(?:depends on|blocked by|after)\s+task-[a-z0-9_-]+\b`)
	titleWhenRe     = regexp.MustCompile(`(?i)\b(?:today|tomorrow|next week)\b(?:\s+at\s+\d{1,2}(?::\d{2})?\s*(?:am|pm)?)?`)
	titleTrailRe    = regexp.MustCompile(`[\s,;.-]+$`)
)

// Interpret implements Interpreter. The returned error is always nil.
func (Heuristic) Interpret(_ context.Context, promptText string, now time.Time) (*Result, error) {
	return &Result{
		Draft: task.Draft{
			Title:       inferTitle(promptText),
			Description: promptText,
			Priority:    inferPriority(promptText),
			AgentKind:   inferAgentKind(promptText),
			ScheduledAt: parseScheduledAt(promptText, now),
			DependsOn:   parseDependsOn(promptText),
		},
		Parser: Meta{Provider: "fallback", Fallback: true},
	}, nil
}

func inferTitle(promptText string) string {
	line := strings.TrimSpace(strings.SplitN(promptText, "\n", 2)[0])
	line = strings.TrimSuffix(line, "\r")

	title := titlePriorityRe.ReplaceAllString(line, "")
	title = titleAgentRe.ReplaceAllString(title, "")
	title = titleDepRe.ReplaceAllString(title, "")
	title = titleWhenRe.ReplaceAllString(title, "")
	title = strings.TrimSpace(titleTrailRe.ReplaceAllString(title, ""))

	if title == "" {
		words := strings.Fields(promptText)
		if len(words) > 8 {
			words = words[:8]
		}
		title = strings.Join(words, " ")
	}
	if title == "" {
		return "Untitled task"
	}
	return title
}

func inferPriority(promptText string) task.Priority {
	lowered := strings.ToLower(promptText)
	switch {
	case urgentRe.MatchString(lowered):
		return task.PriorityUrgent
	case highRe.MatchString(lowered):
		return task.PriorityHigh
	case lowRe.MatchString(lowered):
		return task.PriorityLow
	default:
		return task.PriorityMedium
	}
}

func inferAgentKind(promptText string) task.AgentKind {
	lowered := strings.ToLower(promptText)
	if strings.Contains(lowered, "claude") || strings.Contains(lowered, "anthropic") {
		return task.KindClaude
	}
	return task.KindCodex
}

func parseDependsOn(promptText string) []string {
	var ids []string
	seen := make(map[string]bool)
	add := func(id string) {
		id = strings.ToLower(id)
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, m := range taskIDRe.FindAllString(promptText, -1) {
		add(m)
	}
	for _, m := range relationRe.FindAllStringSubmatch(promptText, -1) {
		add(m[1])
	}
	return ids
}

type clock struct {
	hour   int
	minute int
}

func parseTime(promptText string) *clock {
	if m := meridiemRe.FindStringSubmatch(promptText); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		hour %= 12
		if strings.EqualFold(m[3], "pm") {
			hour += 12
		}
		return &clock{hour: hour, minute: minute}
	}

	if m := clockRe.FindStringSubmatch(promptText); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		return &clock{hour: hour, minute: minute}
	}
	return nil
}

func parseDate(promptText string, now time.Time) *time.Time {
	lowered := strings.ToLower(promptText)

	if m := absoluteRe.FindStringSubmatch(promptText); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		hour, minute := 9, 0
		if m[4] != "" {
			hour, _ = strconv.Atoi(m[4])
		}
		if m[5] != "" {
			minute, _ = strconv.Atoi(m[5])
		}
		t := time.Date(year, time.Month(month), day, hour, minute, 0, 0, now.Location())
		return &t
	}

	base := now.Truncate(time.Minute)

	if strings.Contains(lowered, "tomorrow") {
		t := base.AddDate(0, 0, 1)
		return &t
	}
	if strings.Contains(lowered, "today") {
		return &base
	}
	if strings.Contains(lowered, "next week") {
		t := base.AddDate(0, 0, 7)
		return &t
	}

	dayNames := []struct {
		name string
		day  time.Weekday
	}{
		{"sunday", time.Sunday},
		{"monday", time.Monday},
		{"tuesday", time.Tuesday},
		{"wednesday", time.Wednesday},
		{"thursday", time.Thursday},
		{"friday", time.Friday},
		{"saturday", time.Saturday},
	}
	for _, dn := range dayNames {
		if !strings.Contains(lowered, dn.name) {
			continue
		}
		offset := (int(dn.day) - int(base.Weekday()) + 7) % 7
		if offset == 0 {
			// A bare weekday name means the next occurrence, not today.
			offset = 7
		}
		t := base.AddDate(0, 0, offset)
		return &t
	}
	return nil
}

func parseScheduledAt(promptText string, now time.Time) *time.Time {
	base := parseDate(promptText, now)
	if base == nil {
		return nil
	}

	hour, minute := 9, 0
	if c := parseTime(promptText); c != nil {
		hour, minute = c.hour, c.minute
	}
	t := time.Date(base.Year(), base.Month(), base.Day(), hour, minute, 0, 0, base.Location())
	return &t
}
