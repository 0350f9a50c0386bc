package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// DenyPatterns contains regex patterns for dangerous commands.
var DenyPatterns = []string{
	`\brm\s+(-[rf]+\s+)*[/~]`, // rm with root or home
	`\brm\s+-rf\b`,            // rm -rf anywhere
	`\brm\s+-r[fF]?\s+\*`,     // rm -r *
	`\bfind\b.*\b-delete\b`,   // find -delete
	`\bdd\b.*\bof=/dev/`,      // dd to device
	`\bmkfs\b`,                // filesystem format
	`\bfdisk\b`,               // partition tool
	`>\s*/dev/sd`,             // redirect to block device
	`\bchmod\s+-r\s+777\b`,    // chmod 777 recursive
	`:\(\)\s*\{\s*:\|:&\s*\};:`,
	`\bshutdown\b`,
	`\breboot\b`,
	`\bhalt\b`,
	`\bpoweroff\b`,
	`\binit\s+[0-6]\b`,
	`\bsystemctl\s+(start|stop|restart|enable|disable)\b`,
}

// PathPatterns detect path traversal attempts.
var PathPatterns = []string{
	`\.\.\/`, // ../
	`\.\.\\`, // ..\
}

// maxExecOutput caps combined stdout+stderr returned to the model.
const maxExecOutput = 10000

const blockedMessage = "Error: command blocked by safety guard"

// ExecTool executes shell commands.
type ExecTool struct {
	Timeout             time.Duration
	RestrictToWorkspace bool
	WorkDir             string
	denyRegexes         []*regexp.Regexp
	pathRegexes         []*regexp.Regexp
}

// NewExecTool creates a new ExecTool running in workDir.
func NewExecTool(timeout time.Duration, restrictToWorkspace bool, workDir string) *ExecTool {
	return &ExecTool{
		Timeout:             timeout,
		RestrictToWorkspace: restrictToWorkspace,
		WorkDir:             normalizeRoot(workDir),
		denyRegexes:         compileAll(DenyPatterns),
		pathRegexes:         compileAll(PathPatterns),
	}
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			out = append(out, re)
		}
	}
	return out
}

func (t *ExecTool) Name() string { return "exec" }
func (t *ExecTool) Tier() int    { return TierHighRisk }

func (t *ExecTool) Description() string {
	return "Execute a shell command and return its output."
}

func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The shell command to execute",
			},
			"working_dir": map[string]any{
				"type":        "string",
				"description": "Optional working directory for the command",
			},
		},
		"required": []string{"command"},
	}
}

func (t *ExecTool) Execute(ctx context.Context, params map[string]any) (string, error) {
	command := GetString(params, "command", "")
	workingDir := GetString(params, "working_dir", t.WorkDir)

	if command == "" {
		return "Error: command is required", nil
	}
	if err := t.guardCommand(command, workingDir); err != nil {
		return err.Error(), nil
	}

	timeout := t.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	if workingDir != "" {
		cmd.Dir = workingDir
	}
	// Children of sh can outlive it and hold the pipes open.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	var result strings.Builder
	if stdout.Len() > 0 {
		result.WriteString(stdout.String())
	}
	if stderr.Len() > 0 {
		if result.Len() > 0 {
			result.WriteString("\n")
		}
		result.WriteString("STDERR:\n")
		result.WriteString(stderr.String())
	}

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Sprintf("Error: command timed out after %v\n%s", timeout, result.String()), nil
	case errors.Is(ctx.Err(), context.Canceled):
		return "Error: command cancelled", nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return fmt.Sprintf("Error executing command: %v", err), nil
		}
		result.WriteString(fmt.Sprintf("\nExit code: %d", exitErr.ExitCode()))
	}

	if result.Len() == 0 {
		return "(no output)", nil
	}
	out := result.String()
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput] + fmt.Sprintf("\n... (truncated, %d more chars)", len(out)-maxExecOutput)
	}
	return out, nil
}

func (t *ExecTool) guardCommand(command, workingDir string) error {
	lower := strings.ToLower(command)
	for _, re := range t.denyRegexes {
		if re.MatchString(lower) {
			return errors.New(blockedMessage)
		}
	}

	if !t.RestrictToWorkspace || t.WorkDir == "" {
		return nil
	}
	for _, re := range t.pathRegexes {
		if re.MatchString(command) {
			return errors.New("Error: path traversal not allowed")
		}
	}
	if workingDir != "" {
		absWorkingDir, err := filepath.Abs(workingDir)
		if err != nil || !isWithin(t.WorkDir, absWorkingDir) {
			return errors.New("Error: working_dir outside workspace")
		}
	}
	return nil
}
