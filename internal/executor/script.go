package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/aristath/agentcal/internal/task"
)

const (
	spawnScript    = "spawn-agent.sh"
	redirectScript = "redirect-agent.sh"
	killScript     = "kill-agent.sh"
	scriptsDirName = ".agentcal"
	scriptsDirEnv  = "AGENTCAL_SCRIPTS_DIR"
)

// ScriptExecutor shells out to the agent-swarm scripts that own the actual
// agent processes.
type ScriptExecutor struct {
	// ScriptsDir overrides script resolution when non-empty. Otherwise the
	// AGENTCAL_SCRIPTS_DIR environment variable and the conventional
	// .agentcal directories are searched.
	ScriptsDir string
}

// NewScriptExecutor creates a script-backed executor.
func NewScriptExecutor(scriptsDir string) *ScriptExecutor {
	return &ScriptExecutor{ScriptsDir: scriptsDir}
}

func (e *ScriptExecutor) candidates(script string) []string {
	var roots []string
	if e.ScriptsDir != "" {
		roots = append(roots, e.ScriptsDir)
	}
	if env := os.Getenv(scriptsDirEnv); env != "" {
		roots = append(roots, env)
	}

	cwd, err := os.Getwd()
	if err == nil {
		roots = append(roots,
			filepath.Join(cwd, scriptsDirName),
			filepath.Join(cwd, "..", scriptsDirName),
		)
	}
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, scriptsDirName))
	}

	var out []string
	for _, root := range roots {
		out = append(out,
			filepath.Join(root, script),
			filepath.Join(root, "scripts", script),
			filepath.Join(root, "bin", script),
		)
	}
	return out
}

func (e *ScriptExecutor) resolve(script string) (string, error) {
	for _, candidate := range e.candidates(script) {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("could not locate %s: set %s or place scripts under %s/", script, scriptsDirEnv, scriptsDirName)
}

func (e *ScriptExecutor) run(ctx context.Context, script string, args ...string) (*Result, error) {
	path, err := e.resolve(script)
	if err != nil {
		return nil, &task.ExecutorError{Op: opForScript(script), Err: err}
	}

	cmd := exec.CommandContext(ctx, path, args...)
	stdout, stderr, err := captureOutput(cmd)
	result := &Result{
		Command: path + " " + strings.Join(args, " "),
		Stdout:  strings.TrimSpace(string(stdout)),
		Stderr:  strings.TrimSpace(string(stderr)),
	}
	if err != nil {
		return result, &task.ExecutorError{Op: opForScript(script), Err: err}
	}
	return result, nil
}

func opForScript(script string) string {
	switch script {
	case spawnScript:
		return "spawn"
	case redirectScript:
		return "signal"
	default:
		return "terminate"
	}
}

// captureOutput drains stdout and stderr concurrently before waiting, so a
// chatty script cannot deadlock on a full pipe buffer.
func captureOutput(cmd *exec.Cmd) (stdout []byte, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("failed to start command: %w", err)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stdout = stdoutBuf.Bytes()
	stderr = stderrBuf.Bytes()
	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, string(stderr))
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}

// Spawn implements Executor.
func (e *ScriptExecutor) Spawn(ctx context.Context, description string, kind task.AgentKind) (*Result, error) {
	return e.run(ctx, spawnScript, description, string(kind))
}

// Signal implements Executor.
func (e *ScriptExecutor) Signal(ctx context.Context, session, message string) (*Result, error) {
	return e.run(ctx, redirectScript, session, message)
}

// Terminate implements Executor.
func (e *ScriptExecutor) Terminate(ctx context.Context, session string) (*Result, error) {
	return e.run(ctx, killScript, session)
}
