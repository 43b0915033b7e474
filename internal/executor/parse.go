package executor

import (
	"regexp"
	"strings"

	"github.com/aristath/agentcal/internal/task"
)

// Spawn scripts report execution metadata as loosely formatted key/value
// lines ("session: x", "branch=y", ...). Each pattern captures the value.
var (
	sessionRe = regexp.MustCompile(`(?i)(?:tmux\s*session|session)\s*[:=]\s*([\w.-]+)`)
	branchRe  = regexp.MustCompile(`(?i)branch\s*[:=]\s*(\S+)`)
	workdirRe = regexp.MustCompile(`(?i)(?:worktree|workdir)(?:\s*path)?\s*[:=]\s*(.+)$`)
	logRe     = regexp.MustCompile(`(?i)log(?:\s*path)?\s*[:=]\s*(.+)$`)
)

func pick(lines []string, re *regexp.Regexp) *string {
	for _, line := range lines {
		if m := re.FindStringSubmatch(line); len(m) > 1 {
			value := strings.TrimSpace(m[1])
			if value != "" {
				return &value
			}
		}
	}
	return nil
}

// ParseSpawnOutput extracts execution metadata from spawn stdout. Missing
// fields stay nil and never clobber previously recorded values downstream.
func ParseSpawnOutput(stdout string) task.ExecMeta {
	lines := strings.Split(strings.ReplaceAll(stdout, "\r\n", "\n"), "\n")
	return task.ExecMeta{
		Session:     pick(lines, sessionRe),
		Branch:      pick(lines, branchRe),
		WorkdirPath: pick(lines, workdirRe),
		LogPath:     pick(lines, logRe),
	}
}
