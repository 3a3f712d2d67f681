// File: internal/service/components.go
package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/agent"
	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/executor"
	"github.com/xkilldash9x/questpilot/internal/finder"
	"github.com/xkilldash9x/questpilot/internal/llmclient"
	"github.com/xkilldash9x/questpilot/internal/observability"
	"github.com/xkilldash9x/questpilot/internal/profile"
	"github.com/xkilldash9x/questpilot/internal/quest"
	"github.com/xkilldash9x/questpilot/internal/recovery"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/state"
	"github.com/xkilldash9x/questpilot/internal/store"
	"github.com/xkilldash9x/questpilot/internal/tasks"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// ErrJournalFull is returned when the journal buffer cannot take another
// iteration. The entry is dropped.
var ErrJournalFull = errors.New("journal buffer full")

// ErrJournalClosed is returned after Shutdown.
var ErrJournalClosed = errors.New("journal closed")

// Components holds everything the agent loop runs on and owns the
// lifecycle of what needs closing.
type Components struct {
	Config     config.Interface
	Profile    *profile.Profile
	Device     device.Device
	Vision     vision.Service
	Classifier *scene.Classifier
	Bars       *vision.QuestBarDetector
	Finder     *finder.Finder
	Pipeline   *executor.Pipeline
	Recovery   *recovery.Recovery
	Engine     *tasks.Engine
	Queue      *tasks.Queue
	Snapshot   *state.Snapshot
	Planner    *llmclient.Planner
	Workflow   *quest.Workflow
	Store      *store.Store

	logger     *zap.Logger
	journal    *bufferedJournal
	consumerWG *sync.WaitGroup
	closers    []func()
	once       sync.Once
}

// NewAgent assembles the main loop from the components.
func (c *Components) NewAgent(opts ...agent.Option) (*agent.Agent, error) {
	deps := agent.Dependencies{
		Device:     c.Device,
		Vision:     c.Vision,
		Classifier: c.Classifier,
		Bars:       c.Bars,
		Executor:   c.Pipeline,
		Recovery:   c.Recovery,
		Workflow:   c.Workflow,
		Engine:     c.Engine,
		Queue:      c.Queue,
		Snapshot:   c.Snapshot,
		Profile:    c.Profile,
	}
	// Typed nils must not reach the agent's optional interfaces.
	if c.Planner != nil {
		deps.Reasoner = c.Planner
	}
	if c.journal != nil {
		deps.Journal = c.journal
	}
	return agent.New(deps, c.Config, c.logger, opts...)
}

// Shutdown flushes the journal and releases connections. It is safe to
// call more than once and on partially built components.
func (c *Components) Shutdown() {
	c.once.Do(func() {
		logger := observability.GetLogger()
		logger.Debug("Beginning components shutdown sequence.")

		if c.journal != nil {
			c.journal.close()
			logger.Debug("Journal buffer closed.")
		}
		if c.consumerWG != nil {
			if !timedWait(c.consumerWG, 30*time.Second) {
				logger.Warn("Timed out waiting for the journal consumer to flush.")
			} else {
				logger.Debug("Journal consumer finished.")
			}
		}
		for i := len(c.closers) - 1; i >= 0; i-- {
			c.closers[i]()
		}
		logger.Info("All components shut down.")
	})
}

// timedWait waits for wg, giving up after timeout.
func timedWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// bufferedJournal hands iterations to the journal consumer without
// blocking the loop.
type bufferedJournal struct {
	mu     sync.Mutex
	ch     chan store.Iteration
	closed bool
}

func newBufferedJournal(size int) *bufferedJournal {
	return &bufferedJournal{ch: make(chan store.Iteration, size)}
}

func (j *bufferedJournal) RecordIteration(_ context.Context, it store.Iteration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrJournalClosed
	}
	select {
	case j.ch <- it:
		return nil
	default:
		return ErrJournalFull
	}
}

func (j *bufferedJournal) close() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.closed {
		j.closed = true
		close(j.ch)
	}
}
