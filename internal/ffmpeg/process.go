package ffmpeg

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const stderrTailLines = 20

type localProcess struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	logOutput bool
	events    chan Event

	mu     sync.Mutex
	exited bool
	tail   []string
}

func newLocalProcess(cmd *exec.Cmd, stdin io.WriteCloser, logOutput bool) *localProcess {
	p := &localProcess{
		cmd:       cmd,
		stdin:     stdin,
		logOutput: logOutput,
		events:    make(chan Event, 16),
	}
	p.events <- Event{Kind: EventStart}
	return p
}

func (p *localProcess) Events() <-chan Event {
	return p.events
}

func (p *localProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Interrupt asks ffmpeg to finish the container and exit. Where the platform
// cannot deliver os.Interrupt, ffmpeg's interactive quit key is used instead.
func (p *localProcess) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return nil
	}

	slog.Debug("Sending SIGINT to FFmpeg process", "pid", p.Pid())
	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		slog.Debug("Failed to send interrupt to FFmpeg, writing quit key", "error", err)
		if _, werr := io.WriteString(p.stdin, "q"); werr != nil {
			return fmt.Errorf("failed to interrupt FFmpeg: %w", err)
		}
	}
	return nil
}

// Kill terminates the process without letting it finalize the output.
func (p *localProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exited {
		return nil
	}
	slog.Warn("Killing FFmpeg process", "pid", p.Pid())
	return p.cmd.Process.Kill()
}

// supervise forwards progress, waits for the process and emits the terminal
// event. Wait is only called once both pipes are drained.
func (p *localProcess) supervise(stdout, stderr io.ReadCloser) {
	defer close(p.events)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.readProgress(stdout)
	}()
	go func() {
		defer wg.Done()
		p.readStderr(stderr)
	}()
	wg.Wait()

	err := p.cmd.Wait()

	p.mu.Lock()
	p.exited = true
	tail := strings.Join(p.tail, "\n")
	p.mu.Unlock()
	_ = p.stdin.Close()

	exit := classifyExit(err)
	exit.Stderr = tail

	kind := EventEnd
	if exit.Code != 0 || exit.Signal != "" {
		kind = EventError
	}
	slog.Debug("FFmpeg exited", "pid", p.Pid(), "code", exit.Code, "signal", exit.Signal, "interrupted", exit.Interrupted)
	p.events <- Event{Kind: kind, Exit: &exit}
}

func (p *localProcess) readProgress(pipe io.Reader) {
	parser := &progressParser{}
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		if prog, ok := parser.feed(scanner.Text()); ok {
			p.events <- Event{Kind: EventProgress, Progress: prog}
		}
	}
}

func (p *localProcess) readStderr(pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	for scanner.Scan() {
		line := scanner.Text()
		if p.logOutput {
			slog.Debug("FFmpeg output", "stream", "stderr", "pid", p.Pid(), "line", line)
		}
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
}
