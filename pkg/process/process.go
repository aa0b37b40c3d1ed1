// Package process spawns filesystem servers and other boot-time helpers. Handles are passed to the
// child as inherited descriptors and announced through EnvHandles. A child signals readiness by
// writing a single byte to the descriptor announced through EnvReadyFD.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	EnvHandles = "FSHOST_HANDLES"
	EnvReadyFD = "FSHOST_READY_FD"
	// Inherited descriptors start after stdin, stdout and stderr.
	firstExtraFD = 3
)

// HandleID identifies the purpose of a handle passed to a child.
type HandleID uint32

const (
	HandleBlockDevice HandleID = iota + 1
	HandleDirectoryRequest
	HandleLoaderService
)

func (h HandleID) String() string {
	switch h {
	case HandleBlockDevice:
		return "block-device"
	case HandleDirectoryRequest:
		return "directory-request"
	case HandleLoaderService:
		return "loader-service"
	default:
		return "handle-" + strconv.FormatUint(uint64(h), 10)
	}
}

type Handle struct {
	ID   HandleID
	File *os.File
}

// Spec describes a process to spawn. Ownership of every handle file moves to Spawn, which closes
// the parent's copy whether or not the process starts.
type Spec struct {
	// Name is used for logging only.
	Name string
	Argv []string
	// Path is the executable. If empty Argv[0] is used.
	Path    string
	Handles []Handle
	Env     []string
}

// Observed is the set of signals seen by WaitReady.
type Observed uint8

const (
	Ready Observed = 1 << iota
	Terminated
)

func (o Observed) Has(s Observed) bool {
	return o&s != 0
}

type Process interface {
	Pid() int
	// WaitReady blocks until the process signals readiness or terminates. Both bits may be set if
	// the process signalled and then exited. Returns ctx.Err() if ctx is done first.
	WaitReady(ctx context.Context) (Observed, error)
	// Wait blocks until the process terminates and returns its exit code.
	Wait(ctx context.Context) (int, error)
	Kill() error
}

type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, error)
}

// ExecSpawner spawns processes using os/exec.
type ExecSpawner struct {
	log *zap.Logger
}

var _ Spawner = &ExecSpawner{}

func NewSpawner(log *zap.Logger) *ExecSpawner {
	return &ExecSpawner{log: log.With(zap.String("component", "process"))}
}

// Spawn starts the process described by spec. The process is not tied to ctx, once started it
// runs until it exits or is killed.
func (s *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, error) {
	defer closeHandles(spec.Handles)
	if len(spec.Argv) == 0 {
		return nil, errors.New("empty argv")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := spec.Path
	if path == "" {
		path = spec.Argv[0]
	}

	readyR, readyW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("unable to create readiness pipe: %w", err)
	}
	defer readyW.Close()

	cmd := &exec.Cmd{
		Path:   path,
		Args:   spec.Argv,
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
	announced := make([]string, 0, len(spec.Handles))
	for i, h := range spec.Handles {
		cmd.ExtraFiles = append(cmd.ExtraFiles, h.File)
		announced = append(announced, fmt.Sprintf("%d:%d", h.ID, firstExtraFD+i))
	}
	cmd.ExtraFiles = append(cmd.ExtraFiles, readyW)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Env = append(cmd.Env,
		EnvHandles+"="+strings.Join(announced, ","),
		fmt.Sprintf("%s=%d", EnvReadyFD, firstExtraFD+len(spec.Handles)),
	)

	if err := cmd.Start(); err != nil {
		readyR.Close()
		return nil, fmt.Errorf("unable to start %s: %w", spec.Name, err)
	}
	s.log.Debug("spawned process", zap.String("name", spec.Name), zap.Strings("argv", spec.Argv), zap.Int("pid", cmd.Process.Pid))

	p := &execProcess{
		cmd:       cmd,
		ready:     make(chan struct{}),
		signalled: make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go p.watchReady(readyR)
	go p.wait()
	return p, nil
}

func closeHandles(handles []Handle) {
	for _, h := range handles {
		if h.File != nil {
			h.File.Close()
		}
	}
}

type execProcess struct {
	cmd *exec.Cmd
	// ready is closed once the child writes the ready byte.
	ready chan struct{}
	// signalled is closed once the readiness pipe produced a byte or reached EOF.
	signalled chan struct{}
	exited    chan struct{}
	mu        sync.Mutex
	exitCode  int
	waitErr   error
}

func (p *execProcess) watchReady(r *os.File) {
	defer r.Close()
	defer close(p.signalled)
	buf := make([]byte, 1)
	if n, _ := r.Read(buf); n == 1 {
		close(p.ready)
	}
}

func (p *execProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
	p.mu.Unlock()
	close(p.exited)
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) WaitReady(ctx context.Context) (Observed, error) {
	select {
	case <-p.signalled:
	case <-p.exited:
		// The ready byte may have been written right before exiting.
		select {
		case <-p.signalled:
		case <-ctx.Done():
			return Terminated, nil
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	var observed Observed
	select {
	case <-p.ready:
		observed |= Ready
	default:
		// The pipe was closed without a ready byte, wait for the exit to be reported.
		select {
		case <-p.exited:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	select {
	case <-p.exited:
		observed |= Terminated
	default:
	}
	return observed, nil
}

func (p *execProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-p.exited:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.exitCode, p.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *execProcess) Kill() error {
	select {
	case <-p.exited:
		return nil
	default:
	}
	return p.cmd.Process.Kill()
}

// SignalReady is called by a child process to report readiness to its parent. It is a no-op if the
// process was not started with a readiness descriptor.
func SignalReady() error {
	v, ok := os.LookupEnv(EnvReadyFD)
	if !ok {
		return nil
	}
	fd, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", EnvReadyFD, err)
	}
	f := os.NewFile(uintptr(fd), "ready")
	defer f.Close()
	_, err = f.Write([]byte{1})
	return err
}

// InheritedHandle is called by a child process to look up a handle passed by its parent.
func InheritedHandle(id HandleID) (*os.File, bool) {
	for _, entry := range strings.Split(os.Getenv(EnvHandles), ",") {
		idStr, fdStr, ok := strings.Cut(entry, ":")
		if !ok {
			continue
		}
		got, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil || HandleID(got) != id {
			continue
		}
		fd, err := strconv.Atoi(fdStr)
		if err != nil {
			return nil, false
		}
		return os.NewFile(uintptr(fd), id.String()), true
	}
	return nil, false
}
