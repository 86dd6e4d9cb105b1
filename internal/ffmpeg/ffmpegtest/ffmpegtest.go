// Package ffmpegtest provides an in-memory ffmpeg.Engine whose processes are
// stepped by the test.
package ffmpegtest

import (
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/streamcapture/internal/ffmpeg"
)

// Engine hands out Process values and records every invocation.
type Engine struct {
	// Gate, when non-nil, blocks Launch until a value is received or it is closed.
	Gate chan struct{}
	// LaunchErr makes every Launch fail.
	LaunchErr error
	// IgnoreInterrupt makes new processes keep running after Interrupt.
	IgnoreInterrupt bool

	// Launched receives each process as it is created.
	Launched chan *Process

	mu          sync.Mutex
	invocations []ffmpeg.Invocation
}

// NewEngine creates an engine whose processes exit with code 255 on
// Interrupt, the way ffmpeg does.
func NewEngine() *Engine {
	return &Engine{Launched: make(chan *Process, 64)}
}

func (e *Engine) Launch(inv ffmpeg.Invocation) (ffmpeg.Process, error) {
	if e.Gate != nil {
		<-e.Gate
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.LaunchErr != nil {
		return nil, e.LaunchErr
	}
	e.invocations = append(e.invocations, inv)

	p := NewProcess(!e.IgnoreInterrupt)
	p.pid = 1000 + len(e.invocations)
	e.Launched <- p
	return p, nil
}

// Invocations returns a copy of every successful launch.
func (e *Engine) Invocations() []ffmpeg.Invocation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]ffmpeg.Invocation(nil), e.invocations...)
}

// Launches returns the number of successful launches.
func (e *Engine) Launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.invocations)
}

// Process is a fake ffmpeg run. Its start event is queued on creation.
type Process struct {
	events          chan ffmpeg.Event
	exitOnInterrupt bool
	pid             int
	interrupts      atomic.Int32
	kills           atomic.Int32
	once            sync.Once
	exited          chan struct{}
}

func NewProcess(exitOnInterrupt bool) *Process {
	p := &Process{
		events:          make(chan ffmpeg.Event, 64),
		exitOnInterrupt: exitOnInterrupt,
		pid:             1000,
		exited:          make(chan struct{}),
	}
	p.events <- ffmpeg.Event{Kind: ffmpeg.EventStart}
	return p
}

func (p *Process) Events() <-chan ffmpeg.Event { return p.events }
func (p *Process) Pid() int                    { return p.pid }

// Progress emits one progress event. It must not be called after Exit.
func (p *Process) Progress(prog ffmpeg.Progress) {
	p.events <- ffmpeg.Event{Kind: ffmpeg.EventProgress, Progress: prog}
}

// Exit emits the terminal event and closes the stream. Only the first call
// has an effect.
func (p *Process) Exit(info ffmpeg.ExitInfo) {
	p.once.Do(func() {
		kind := ffmpeg.EventEnd
		if info.Code != 0 || info.Signal != "" {
			kind = ffmpeg.EventError
		}
		p.events <- ffmpeg.Event{Kind: kind, Exit: &info}
		close(p.events)
		close(p.exited)
	})
}

func (p *Process) Interrupt() error {
	p.interrupts.Add(1)
	if p.exitOnInterrupt {
		go p.Exit(ffmpeg.ExitInfo{Code: 255, Interrupted: true})
	}
	return nil
}

func (p *Process) Kill() error {
	p.kills.Add(1)
	go p.Exit(ffmpeg.ExitInfo{Code: -1, Signal: "killed"})
	return nil
}

// Exited is closed once the terminal event was emitted.
func (p *Process) Exited() <-chan struct{} { return p.exited }

func (p *Process) Interrupts() int { return int(p.interrupts.Load()) }
func (p *Process) Kills() int      { return int(p.kills.Load()) }
