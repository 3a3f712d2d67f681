// File: internal/service/factory.go
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/device"
	"github.com/xkilldash9x/questpilot/internal/executor"
	"github.com/xkilldash9x/questpilot/internal/finder"
	"github.com/xkilldash9x/questpilot/internal/quest"
	"github.com/xkilldash9x/questpilot/internal/recovery"
	"github.com/xkilldash9x/questpilot/internal/scene"
	"github.com/xkilldash9x/questpilot/internal/state"
	"github.com/xkilldash9x/questpilot/internal/tasks"
	"github.com/xkilldash9x/questpilot/internal/vision"
)

// journalBuffer bounds how many iterations may wait for the database.
const journalBuffer = 256

// ComponentFactory builds the set of components an agent run needs.
type ComponentFactory interface {
	Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error)
}

// FactoryOption customizes the production factory.
type FactoryOption func(*concreteFactory)

// WithDevice replaces the ADB device.
func WithDevice(dev device.Device) FactoryOption {
	return func(f *concreteFactory) { f.device = dev }
}

// WithVision replaces the recognition service client.
func WithVision(svc vision.Service) FactoryOption {
	return func(f *concreteFactory) { f.vision = svc }
}

// concreteFactory is the production implementation of the ComponentFactory.
type concreteFactory struct {
	device device.Device
	vision vision.Service
}

// NewComponentFactory creates a new production-ready component factory.
func NewComponentFactory(opts ...FactoryOption) ComponentFactory {
	f := &concreteFactory{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Create handles the full dependency injection of the agent's components.
func (f *concreteFactory) Create(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*Components, error) {
	components := &Components{Config: cfg, logger: logger}

	var initializationErr error
	defer func() {
		if initializationErr != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(initializationErr))
			components.Shutdown()
		}
	}()

	// 1. Profile
	prof, err := InitializeProfile(cfg.Profile(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to load game profile: %w", err)
		return nil, initializationErr
	}
	components.Profile = prof

	// 2. Device
	dev := f.device
	if dev == nil {
		dev = device.NewADB(cfg.Device(), logger)
	}
	components.Device = dev
	logger.Debug("Device adapter initialized.")

	// 3. Vision, memoized per capture.
	inner := f.vision
	if inner == nil {
		inner = vision.NewClient(cfg.Vision(), logger)
	}
	svc, err := vision.NewCached(inner, cfg.Vision().CacheSize)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Vision = svc

	// 4. Scene classification and the quest bar.
	components.Classifier = scene.NewClassifier(svc, logger,
		scene.WithDecisive(cfg.Vision().DecisiveConfidence),
		scene.WithOverlays(prof.OverlayLandmarks),
		scene.WithTags(prof.SceneTags()...))
	pointerConf := cfg.Quest().PointerConfidence
	if prof.PointerConfidence > 0 {
		pointerConf = prof.PointerConfidence
	}
	components.Bars = vision.NewQuestBarDetector(svc, pointerConf, logger)
	logger.Debug("Scene classifier and quest bar detector initialized.")

	// 5. State
	snap, err := state.Load(cfg.State().Path, prof.DefaultResources)
	if err != nil {
		initializationErr = fmt.Errorf("failed to load state: %w", err)
		return nil, initializationErr
	}
	components.Snapshot = snap

	// 6. Building finder
	layout, err := InitializeLayout(prof, cfg.Finder(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to load city layout: %w", err)
		return nil, initializationErr
	}
	components.Finder = finder.New(dev, svc, layout, cfg.Finder(), logger)

	// 7. Navigation paths, shared by the executor and the rule engine.
	navPaths, err := prof.NavigationPaths()
	if err != nil {
		initializationErr = fmt.Errorf("invalid navigation paths: %w", err)
		return nil, initializationErr
	}

	// 8. Executor
	components.Pipeline = executor.NewPipeline(dev, svc, components.Classifier, cfg.Executor(), logger,
		executor.WithFinder(components.Finder),
		executor.WithNavPaths(navPaths),
		executor.WithSnapshot(snap))

	// 9. Stuck recovery
	pkg := prof.Package
	if pkg == "" {
		pkg = cfg.Device().Package
	}
	components.Recovery = recovery.New(dev, cfg.Recovery().MaxSameScene, pkg, logger)

	// 10. Rule engine and task queue
	components.Engine = tasks.NewEngine(svc, navPaths, logger)
	components.Queue = tasks.NewQueue()
	if path := cfg.State().TasksPath; path != "" {
		if err := components.Queue.Load(path); err != nil {
			initializationErr = err
			return nil, initializationErr
		}
	}
	logger.Debug("Task queue loaded.", zap.Int("pending", components.Queue.PendingCount()))

	// 11. Reasoning (optional)
	planner, err := InitializeReasoner(ctx, cfg.Reasoning(), prof, snap, logger)
	if err != nil {
		initializationErr = err
		return nil, initializationErr
	}
	components.Planner = planner

	// 12. Quest workflow
	scripts, err := quest.ParseScripts(prof.QuestScripts)
	if err != nil {
		initializationErr = fmt.Errorf("invalid quest scripts: %w", err)
		return nil, initializationErr
	}
	wopts := []quest.Option{quest.WithScripts(scripts, components.Classifier)}
	if planner != nil {
		wopts = append(wopts, quest.WithReasoner(planner))
	}
	components.Workflow = quest.New(svc, components.Bars, snap, prof, cfg.Quest(), logger, wopts...)

	// 13. Journal (optional)
	st, closeStore, err := InitializeStore(ctx, cfg.Store(), logger)
	if err != nil {
		initializationErr = fmt.Errorf("failed to initialize journal store: %w", err)
		return nil, initializationErr
	}
	if st != nil {
		components.Store = st
		components.closers = append(components.closers, closeStore)
		components.journal = newBufferedJournal(journalBuffer)
		components.consumerWG = &sync.WaitGroup{}
		StartJournalConsumer(ctx, components.consumerWG, components.journal.ch, st, logger)
	}

	logger.Info("All components initialized.",
		zap.String("profile", prof.Name),
		zap.Bool("reasoning", planner != nil),
		zap.Bool("journal", st != nil))
	return components, nil
}
