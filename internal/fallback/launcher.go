// Package fallback implements the fallback executor and fallback-run
// reconciler (spec §4.8/§4.9): resume-or-spawn runtime recovery, process
// lifecycle management (SIGTERM, grace period, SIGKILL), and reconciliation
// of detached runs against their deadline. Process handling follows the
// same "log and degrade to a terminal state rather than panic" posture as
// server/internal/scheduler/scheduler.go's dispatch/runJob methods.
package fallback

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/agent-bridge/bridge/internal/db"
)

// LaunchResult is what a Launcher reports for one resume or spawn attempt.
type LaunchResult struct {
	PID      int
	Detached bool // true: process launched, caller reconciles completion later
}

// Launcher starts or resumes a runtime process. ProcessLauncher is the one
// concrete implementation bundled here; real deployments are expected to
// supply a multiplexer-specific launcher that knows how to attach a fresh
// pane to an existing tmux session (resume) or create a new one (spawn).
type Launcher interface {
	Resume(ctx context.Context, session *db.SessionRecord, job db.TriggerJob) (LaunchResult, error)
	Spawn(ctx context.Context, job db.TriggerJob, summaryPrompt string) (LaunchResult, error)
}

// ProcessLauncher runs configurable shell commands to resume or spawn a
// runtime, treating both as detached: it returns as soon as the child pid
// is known, and the process is reconciled later by the Reconciler.
type ProcessLauncher struct {
	// ResumeCommand and SpawnCommand are argv templates. "{{session_id}}",
	// "{{thread_id}}", "{{trigger_id}}", "{{prompt}}" are substituted
	// verbatim before exec — deliberately simple text substitution, since
	// interpreting a richer template language is outside this repo's scope.
	ResumeCommand []string
	SpawnCommand  []string
}

// NewProcessLauncher constructs a ProcessLauncher.
func NewProcessLauncher(resumeCommand, spawnCommand []string) *ProcessLauncher {
	return &ProcessLauncher{ResumeCommand: resumeCommand, SpawnCommand: spawnCommand}
}

func substitute(args []string, vars map[string]string) []string {
	out := make([]string, len(args))
	for i, a := range args {
		for k, v := range vars {
			a = strings.ReplaceAll(a, "{{"+k+"}}", v)
		}
		out[i] = a
	}
	return out
}

// Resume implements Launcher.
func (l *ProcessLauncher) Resume(ctx context.Context, session *db.SessionRecord, job db.TriggerJob) (LaunchResult, error) {
	args := substitute(l.ResumeCommand, map[string]string{
		"session_id": session.SessionID,
		"thread_id":  job.ThreadID,
		"trigger_id": job.TriggerID,
		"prompt":     job.Prompt,
	})
	return l.launch(ctx, args)
}

// Spawn implements Launcher.
func (l *ProcessLauncher) Spawn(ctx context.Context, job db.TriggerJob, summaryPrompt string) (LaunchResult, error) {
	args := substitute(l.SpawnCommand, map[string]string{
		"thread_id":  job.ThreadID,
		"trigger_id": job.TriggerID,
		"prompt":     summaryPrompt,
	})
	return l.launch(ctx, args)
}

func (l *ProcessLauncher) launch(ctx context.Context, args []string) (LaunchResult, error) {
	if len(args) == 0 {
		return LaunchResult{}, fmt.Errorf("fallback: launcher: empty command")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Start(); err != nil {
		return LaunchResult{}, fmt.Errorf("fallback: launcher: start: %w", err)
	}
	pid := cmd.Process.Pid
	// Detach: release the handle and let the reconciler track liveness by
	// pid. We still reap asynchronously to avoid leaving a zombie on exit.
	go func() { _ = cmd.Wait() }()
	return LaunchResult{PID: pid, Detached: true}, nil
}

func findProcess(pid int) (*os.Process, error) {
	return os.FindProcess(pid)
}

// processAlive reports whether pid still exists by sending the null
// signal, the standard Unix liveness probe (os.Process.Signal with
// syscall.Signal(0) never actually delivers a signal).
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// terminate sends SIGTERM, waits up to grace for the process to exit, then
// sends SIGKILL. Returns true if the process was confirmed dead by the end
// of the call, false if it could not be confirmed (Reconciler.Kill then
// records the run as orphaned, the deadline path as timed_out).
func terminate(pid int, grace time.Duration) bool {
	proc, err := findProcess(pid)
	if err != nil {
		return true // already gone
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return true
	}

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return true
	}
	time.Sleep(100 * time.Millisecond)
	return !processAlive(pid)
}
