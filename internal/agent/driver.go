// Package agent launches and supervises external worker processes. The
// worker is any CLI that accepts a prompt file; mayor only assumes it
// writes progress to stdout/stderr and exits 0 on success.
package agent

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/beadworks/mayor/pkg/config"
)

var (
	// ErrLaunch indicates the worker process could not be started.
	ErrLaunch = errors.New("failed to launch worker")

	// ErrTimeout indicates a wait deadline elapsed before worker exit.
	ErrTimeout = errors.New("worker wait timed out")

	// ErrNoCommand indicates the driver has no command template configured.
	ErrNoCommand = errors.New("no worker command configured")
)

// Driver builds worker processes from a command template. Template
// arguments may contain {workdir} and {prompt_file} placeholders; when
// {prompt_file} never appears, the prompt path is appended as the final
// argument.
type Driver struct {
	template      []string
	workDir       string
	memoryLimitGB int
}

// NewDriver creates a driver from agent configuration.
func NewDriver(cfg config.AgentConfig) *Driver {
	return &Driver{
		template:      cfg.CommandTemplate,
		workDir:       cfg.WorkDir,
		memoryLimitGB: cfg.MemoryLimitGB,
	}
}

// buildArgs expands the template for one run.
func (d *Driver) buildArgs(promptFile string) ([]string, error) {
	if len(d.template) == 0 {
		return nil, ErrNoCommand
	}
	args := make([]string, 0, len(d.template)+1)
	sawPrompt := false
	for _, arg := range d.template {
		if strings.Contains(arg, "{prompt_file}") {
			sawPrompt = true
		}
		arg = strings.ReplaceAll(arg, "{workdir}", d.workDir)
		arg = strings.ReplaceAll(arg, "{prompt_file}", promptFile)
		args = append(args, arg)
	}
	if !sawPrompt {
		args = append(args, promptFile)
	}
	return args, nil
}

// Start launches a worker for the given prompt file. stderr is merged
// into stdout so the line stream carries everything the worker says.
func (d *Driver) Start(promptFile string) (*Process, error) {
	args, err := d.buildArgs(promptFile)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = d.workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	if d.memoryLimitGB > 0 {
		if err := applyMemoryLimit(cmd.Process.Pid, uint64(d.memoryLimitGB)<<30); err != nil {
			// Best effort: the watchdog still covers runaway memory.
			log.Printf("[Agent] could not apply memory limit to pid %d: %v", cmd.Process.Pid, err)
		}
	}

	p := &Process{
		cmd:  cmd,
		done: make(chan struct{}),
	}
	p.lines = make(chan string, 256)
	go p.pump(stdout)
	go p.reap()

	log.Printf("[Agent] started worker pid=%d cmd=%q", cmd.Process.Pid, strings.Join(args, " "))
	return p, nil
}

// Process is a handle on one running worker.
type Process struct {
	cmd   *exec.Cmd
	lines chan string
	done  chan struct{}

	mu       sync.Mutex
	waitErr  error
	exitCode int
	killed   bool
}

// PID returns the worker's process id.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Lines yields merged stdout/stderr lines. The channel closes when the
// worker's output stream ends.
func (p *Process) Lines() <-chan string {
	return p.lines
}

func (p *Process) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		p.lines <- scanner.Text()
	}
	close(p.lines)
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.exitCode = p.cmd.ProcessState.ExitCode()
	p.mu.Unlock()
	close(p.done)
}

// Kill terminates the worker's whole process group.
func (p *Process) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	// Negative pid addresses the process group created at start.
	if err := syscall.Kill(-p.cmd.Process.Pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
		return err
	}
	return nil
}

// Killed reports whether Kill was called on this process.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Wait blocks until the worker exits or timeout elapses. On timeout it
// returns ErrTimeout without killing anything; callers decide.
func (p *Process) Wait(timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, nil
	case <-timer.C:
		return -1, ErrTimeout
	}
}

// Done is closed when the worker has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}
