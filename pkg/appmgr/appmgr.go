// Package appmgr delivers the "system start" signal that lets application management begin once
// the system directory is available.
package appmgr

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/thinkparq/fshost/pkg/process"
	"go.uber.org/zap"
)

// Starter fires the system start signal at most once per process lifetime.
type Starter struct {
	log     *zap.Logger
	spawner process.Spawner
	argv    []string
	once    sync.Once
	fired   atomic.Bool
}

// NewStarter returns a Starter. If argv is not empty starting the system also launches argv using
// spawner, otherwise the signal is only logged.
func NewStarter(log *zap.Logger, spawner process.Spawner, argv []string) *Starter {
	return &Starter{
		log:     log.With(zap.String("component", "appmgr")),
		spawner: spawner,
		argv:    argv,
	}
}

// Start fires the signal. Calls after the first are ignored.
func (s *Starter) Start(ctx context.Context) {
	s.once.Do(func() {
		s.fired.Store(true)
		if len(s.argv) == 0 {
			s.log.Info("system start signalled")
			return
		}
		p, err := s.spawner.Spawn(ctx, process.Spec{Name: "appmgr", Argv: s.argv})
		if err != nil {
			s.log.Error("unable to launch application manager", zap.Strings("argv", s.argv), zap.Error(err))
			return
		}
		s.log.Info("system start signalled, launched application manager", zap.Int("pid", p.Pid()))
	})
}

// Started reports whether Start has been called.
func (s *Starter) Started() bool {
	return s.fired.Load()
}
