// ABOUTME: Process spawning — builds argv/env for a child agent process
// ABOUTME: and launches it detached from the parent's process group.
package swarm

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

// agentBinaryEnv names the environment variable that overrides the path
// to the child agent binary; defaults to "pi-agent" on PATH. The binary
// itself is an external collaborator (spec.md §1) — only its argv/env/
// stdio contract matters here.
const agentBinaryEnv = "PI_AGENT_BIN"

func agentBinary() string {
	if bin := os.Getenv(agentBinaryEnv); bin != "" {
		return bin
	}
	return "pi-agent"
}

// BuiltArgs is the result of BuildAgentArgs: the argv to exec plus the
// temp system-prompt file it wrote, for later cleanup.
type BuiltArgs struct {
	Args          []string
	TmpPromptPath string
	TmpDir        string
	Model         string
	Source        AgentSource
}

// BuildAgentArgs resolves def against a known AgentConfig (inline fields
// on def always win), writes the combined system prompt to a mode-0600
// file in a fresh temp directory, and assembles the child's argv.
func BuildAgentArgs(def AgentDef, known map[string]AgentConfig, promptSuffix string) (BuiltArgs, error) {
	// Clone so the caller's def is never mutated.
	resolved := def

	var source AgentSource
	if resolved.Agent != "" {
		if cfg, ok := known[resolved.Agent]; ok {
			if resolved.SystemPrompt == "" {
				resolved.SystemPrompt = cfg.SystemPrompt
			}
			if len(resolved.Tools) == 0 {
				resolved.Tools = cfg.Tools
			}
			if resolved.Model == "" {
				resolved.Model = cfg.Model
			}
			source = cfg.Source
		}
	}

	tmpDir, err := os.MkdirTemp("", "pi-swarm-prompt-*")
	if err != nil {
		return BuiltArgs{}, fmt.Errorf("swarm: create prompt tmpdir: %w", err)
	}

	prompt := resolved.SystemPrompt
	if promptSuffix != "" {
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += promptSuffix
	}

	promptPath := filepath.Join(tmpDir, "system-prompt.md")
	if err := os.WriteFile(promptPath, []byte(prompt), 0o600); err != nil {
		os.RemoveAll(tmpDir)
		return BuiltArgs{}, fmt.Errorf("swarm: write system prompt: %w", err)
	}

	args := []string{
		"--mode", "agent",
		"--stdio", "json",
		"--session", uuid.NewString(),
	}
	if resolved.Model != "" {
		args = append(args, "--model", resolved.Model)
	}
	if len(resolved.Tools) > 0 {
		args = append(args, "--tools", strings.Join(resolved.Tools, ","))
	}
	args = append(args, "--append-system-prompt", promptPath)
	args = append(args, fmt.Sprintf("Task: %s", resolved.Task))

	return BuiltArgs{
		Args:          args,
		TmpPromptPath: promptPath,
		TmpDir:        tmpDir,
		Model:         resolved.Model,
		Source:        source,
	}, nil
}

// SpawnResult holds the running process and the temp resources that must
// be cleaned up once it exits.
type SpawnResult struct {
	Cmd    *exec.Cmd
	TmpDir string
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// SpawnAgent builds argv/env for def and starts the child agent process,
// detached into its own process group so the whole sub-tree can be
// killed with one signal to -PID. The child's stdout/stderr are piped so
// callers can capture or stream them; stdin is not connected.
func SpawnAgent(def AgentDef, groupPath string, taskDirPath string, cwd string, known map[string]AgentConfig) (*SpawnResult, error) {
	built, err := BuildAgentArgs(def, known, "")
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(agentBinary(), built.Args...)

	workDir := def.Cwd
	if workDir == "" {
		workDir = cwd
	}
	cmd.Dir = workDir

	env := append([]string(nil), os.Environ()...)
	env = append(env,
		"PI_CHANNELS_GROUP="+groupPath,
		"PI_CHANNELS_INBOX="+InboxName(def.Name),
		"PI_CHANNELS_SUBSCRIBE="+subscribeListFor(def),
		"PI_CHANNELS_NAME="+def.Name,
		"PI_SWARM_AGENT_ROLE="+string(def.Role),
	)
	if def.Swarm != "" {
		env = append(env, "PI_SWARM_AGENT_SWARM="+def.Swarm)
	}
	if def.Role == RoleCoordinator && taskDirPath != "" {
		env = append(env, "PI_SWARM_TASK_DIR="+taskDirPath)
	}
	cmd.Env = env

	cmd.Stdin = nil
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		os.RemoveAll(built.TmpDir)
		return nil, fmt.Errorf("swarm: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		os.RemoveAll(built.TmpDir)
		return nil, fmt.Errorf("swarm: stderr pipe: %w", err)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		os.RemoveAll(built.TmpDir)
		return nil, fmt.Errorf("swarm: start agent %s: %w", def.Name, err)
	}

	return &SpawnResult{Cmd: cmd, TmpDir: built.TmpDir, Stdout: stdout, Stderr: stderr}, nil
}

// Reap waits for the spawned process to exit and removes its temp prompt
// directory, best effort, on every exit path. Callers that need the exit
// code should inspect the returned error (an *exec.ExitError) themselves;
// Reap's own return value only reports cmd.Wait's error for convenience.
func (r *SpawnResult) Reap() error {
	err := r.Cmd.Wait()
	os.RemoveAll(r.TmpDir)
	return err
}

func subscribeListFor(def AgentDef) string {
	subs := []string{GeneralChannel}
	if def.Swarm != "" {
		subs = append(subs, TopicName(def.Swarm))
	}
	return strings.Join(subs, ",")
}

// KillProcessGroup sends sig to the negated PID of proc's process group,
// killing the entire detached sub-tree spawned under it. Best-effort:
// errors (process already gone) are swallowed.
func KillProcessGroup(pid int, sig syscall.Signal) {
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return
	}
	_ = syscall.Kill(-pgid, sig)
}
