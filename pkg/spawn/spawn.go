// Package spawn starts agent subprocesses and exposes them as line-oriented
// channels. Each agent speaks newline-delimited JSON-RPC on its stdio; the
// spawner owns the pipes, forwards stderr to the proxy log, and reports the
// exit status through a completion channel.
package spawn

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/containai/acp-proxy/pkg/logger"
)

// ACPFlag is passed to every agent so it speaks the editor protocol on its
// stdio instead of running interactively.
const ACPFlag = "--acp"

const (
	inputBuffer  = 64
	outputBuffer = 256
	// Agents can emit large single-line payloads (embedded file contents).
	maxLineBytes = 10 * 1024 * 1024
)

// ErrAgentExited is returned by Send once the agent process is gone.
var ErrAgentExited = errors.New("agent process exited")

// ExitStatus carries the result of the agent process.
type ExitStatus struct {
	Code int   // Process exit code, -1 if unavailable
	Err  error // Wait error, nil on clean exit
}

// Options configures one agent launch.
type Options struct {
	Command string   // Agent binary name or path
	Args    []string // Extra arguments placed before the ACP flag
	Dir     string   // Working directory for the process
	Wrapped bool     // Launch through the lookup wrapper shell
	Log     *logger.Logger
}

// Agent is a running agent subprocess seen as two line channels plus an
// exit signal. The input channel is never closed; senders observe shutdown
// through inputDone so a write racing CloseInput fails instead of panicking.
type Agent struct {
	cmd *exec.Cmd

	input  chan string
	output chan string

	inputMu     sync.Mutex
	inputClosed bool
	inputDone   chan struct{}

	exited chan struct{}
	status ExitStatus

	log *logger.Logger
}

// Start launches the agent process and wires up its stdio. A failure to
// start is returned synchronously; later failures surface through Exited.
func Start(ctx context.Context, opts Options) (*Agent, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	log := opts.Log
	if log == nil {
		log = logger.NewDefaultLogger()
	}

	var cmd *exec.Cmd
	if opts.Wrapped {
		cmd = exec.CommandContext(ctx, "sh", "-c", wrapperScript(opts.Command, opts.Args))
	} else {
		args := append(append([]string{}, opts.Args...), ACPFlag)
		cmd = exec.CommandContext(ctx, opts.Command, args...)
	}
	cmd.Dir = opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("failed to start agent %q: %w", opts.Command, err)
	}

	a := &Agent{
		cmd:       cmd,
		input:     make(chan string, inputBuffer),
		output:    make(chan string, outputBuffer),
		inputDone: make(chan struct{}),
		exited:    make(chan struct{}),
		log:       log,
	}

	go a.writeLoop(stdin)
	go a.readLoop(stdout)
	go a.forwardStderr(stderr)
	go a.wait()

	return a, nil
}

// wrapperScript builds the indirect launch command: verify the agent binary
// is on PATH, exit 127 with a diagnostic if not, otherwise exec it with the
// ACP flag under a minimal non-login shell.
func wrapperScript(command string, args []string) string {
	argv := ""
	for _, arg := range args {
		argv += " " + shellQuote(arg)
	}
	quoted := shellQuote(command)
	return fmt.Sprintf(
		`command -v %s >/dev/null 2>&1 || { echo %s >&2; exit 127; }; exec %s%s %s`,
		quoted, shellQuote("agent binary "+command+" not found on PATH"), quoted, argv, ACPFlag)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Send delivers one line (without newline) to the agent's stdin. It blocks
// on the bounded input buffer and fails with ErrAgentExited once the input
// side has been closed or the process has exited.
func (a *Agent) Send(line string) error {
	a.inputMu.Lock()
	if a.inputClosed {
		a.inputMu.Unlock()
		return ErrAgentExited
	}
	a.inputMu.Unlock()

	select {
	case a.input <- line:
		return nil
	case <-a.inputDone:
		return ErrAgentExited
	case <-a.exited:
		return ErrAgentExited
	}
}

// Output is the channel of lines from the agent's stdout. Closed after the
// process exits and the pipe drains.
func (a *Agent) Output() <-chan string {
	return a.output
}

// Exited is closed when the process has terminated.
func (a *Agent) Exited() <-chan struct{} {
	return a.exited
}

// Status returns the exit status. Only meaningful after Exited is closed.
func (a *Agent) Status() ExitStatus {
	select {
	case <-a.exited:
		return a.status
	default:
		return ExitStatus{Code: -1}
	}
}

// CloseInput stops the writer side; the agent sees EOF on its stdin.
// Idempotent, and safe against concurrent Send calls.
func (a *Agent) CloseInput() {
	a.inputMu.Lock()
	if a.inputClosed {
		a.inputMu.Unlock()
		return
	}
	a.inputClosed = true
	a.inputMu.Unlock()
	close(a.inputDone)
}

// Kill terminates the process. Used on session teardown when the agent does
// not exit on stdin EOF.
func (a *Agent) Kill() {
	if a.cmd.Process != nil {
		_ = a.cmd.Process.Kill()
	}
}

func (a *Agent) writeLoop(stdin io.WriteCloser) {
	defer stdin.Close()
	for {
		select {
		case line := <-a.input:
			if _, err := io.WriteString(stdin, line+"\n"); err != nil {
				a.log.Debug("agent stdin write failed: %v", err)
				return
			}
		case <-a.inputDone:
			return
		case <-a.exited:
			return
		}
	}
}

func (a *Agent) readLoop(stdout io.Reader) {
	defer close(a.output)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	first := true
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			line = bytes.TrimPrefix(line, []byte{0xEF, 0xBB, 0xBF})
			first = false
		}
		a.output <- string(line)
	}
	if err := scanner.Err(); err != nil {
		a.log.Debug("agent stdout closed: %v", err)
	}
}

// forwardStderr copies the agent's stderr to the proxy's own error stream,
// best-effort, one line at a time.
func (a *Agent) forwardStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		a.log.Warn("agent stderr: %s", scanner.Text())
	}
}

func (a *Agent) wait() {
	err := a.cmd.Wait()
	code := -1
	if a.cmd.ProcessState != nil {
		code = a.cmd.ProcessState.ExitCode()
	}
	a.status = ExitStatus{Code: code, Err: err}
	close(a.exited)
	if err != nil {
		a.log.Debug("agent exited: code=%d err=%v", code, err)
	} else {
		a.log.Debug("agent exited cleanly")
	}
}
