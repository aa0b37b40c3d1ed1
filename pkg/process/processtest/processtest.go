// Package processtest provides scripted processes and launch recorders for tests.
package processtest

import (
	"context"
	"errors"
	"sync"

	"github.com/thinkparq/fshost/pkg/process"
)

// Process is a scripted process.Process. WaitReady reports Observed, or blocks until the context is
// done when Hang is set. Wait reports ExitCode.
type Process struct {
	Observed process.Observed
	ReadyErr error
	Hang     bool
	ExitCode int
	WaitErr  error

	mu     sync.Mutex
	killed bool
}

var _ process.Process = &Process{}

func (p *Process) Pid() int { return 1 }

func (p *Process) WaitReady(ctx context.Context) (process.Observed, error) {
	if p.Hang {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return p.Observed, p.ReadyErr
}

func (p *Process) Wait(ctx context.Context) (int, error) {
	if p.Hang {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return p.ExitCode, p.WaitErr
}

func (p *Process) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

// Launch is one recorded launch.
type Launch struct {
	Name    string
	Argv    []string
	Handles []process.HandleID
	Env     []string
}

// Recorder records launches and returns scripted processes. It implements process.Spawner and the
// fsmgmt.Launcher method set.
type Recorder struct {
	// Next returns the process for a launch. If nil a process that is immediately ready is used.
	Next func(l Launch) (*Process, error)

	mu       sync.Mutex
	launches []Launch
}

var _ process.Spawner = &Recorder{}

func (r *Recorder) Spawn(ctx context.Context, spec process.Spec) (process.Process, error) {
	return r.record(Launch{Name: spec.Name, Argv: spec.Argv, Env: spec.Env}, spec.Handles)
}

func (r *Recorder) Launch(ctx context.Context, argv []string, handles []process.Handle) (process.Process, error) {
	return r.record(Launch{Argv: argv}, handles)
}

func (r *Recorder) record(l Launch, handles []process.Handle) (process.Process, error) {
	for _, h := range handles {
		l.Handles = append(l.Handles, h.ID)
		if h.File != nil {
			h.File.Close()
		}
	}
	r.mu.Lock()
	r.launches = append(r.launches, l)
	r.mu.Unlock()
	if r.Next == nil {
		return &Process{Observed: process.Ready}, nil
	}
	p, err := r.Next(l)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, errors.New("no process scripted")
	}
	return p, nil
}

func (r *Recorder) Launches() []Launch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Launch(nil), r.launches...)
}
