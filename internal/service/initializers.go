// File: internal/service/initializers.go
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/config"
	"github.com/xkilldash9x/questpilot/internal/finder"
	"github.com/xkilldash9x/questpilot/internal/llmclient"
	"github.com/xkilldash9x/questpilot/internal/profile"
	"github.com/xkilldash9x/questpilot/internal/state"
	"github.com/xkilldash9x/questpilot/internal/store"
)

// InitializeProfile loads the configured game profile, or the built-in one
// when no path is set.
func InitializeProfile(cfg config.ProfileConfig, logger *zap.Logger) (*profile.Profile, error) {
	if cfg.Path == "" {
		logger.Info("No game profile configured, using built-in defaults.")
		return profile.Default(), nil
	}
	prof, err := profile.Load(cfg.Path)
	if err != nil {
		return nil, err
	}
	logger.Info("Game profile loaded.", zap.String("name", prof.Name), zap.String("path", cfg.Path))
	return prof, nil
}

// InitializeLayout builds the city layout: an inline profile table wins,
// then a layout file from the profile or the finder config. No layout at
// all leaves the finder with OCR and landmarks only.
func InitializeLayout(prof *profile.Profile, cfg config.FinderConfig, logger *zap.Logger) (*finder.Layout, error) {
	ref := prof.CityLayout.ReferenceBuilding
	if ref == "" {
		ref = cfg.ReferenceBuilding
	}
	ppu := prof.CityLayout.PixelsPerUnit
	if ppu <= 0 {
		ppu = cfg.PixelsPerUnit
	}

	if table := prof.CityLayout.Table; strings.TrimSpace(table) != "" {
		layout, err := finder.ParseLayout(strings.NewReader(table), ref, ppu)
		if err != nil {
			return nil, fmt.Errorf("failed to parse profile city layout: %w", err)
		}
		return layout, nil
	}

	path := prof.LayoutPath()
	if path == "" {
		path = cfg.LayoutFile
	}
	if path == "" {
		logger.Debug("No city layout configured.")
		return finder.EmptyLayout(), nil
	}
	layout, err := finder.LoadLayout(path, ref, ppu)
	if err != nil {
		return nil, err
	}
	logger.Debug("City layout loaded.", zap.String("path", path))
	return layout, nil
}

// InitializeReasoner creates the reasoning planner. It returns nil, nil
// when reasoning is disabled.
func InitializeReasoner(ctx context.Context, cfg config.ReasoningConfig, prof *profile.Profile, snap *state.Snapshot, logger *zap.Logger) (*llmclient.Planner, error) {
	if !cfg.Enabled {
		logger.Info("Reasoning service disabled.")
		return nil, nil
	}
	gen, err := llmclient.NewClient(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize LLM client. Reasoning features will be unavailable.", zap.Error(err))
		return nil, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	summary := func() string { return snap.Summary(nil) }
	return llmclient.NewPlanner(gen, logger, llmclient.WithSummary(summary), llmclient.WithGame(prof.ReasoningDescription)), nil
}

// InitializeStore connects to the journal database and migrates it. It
// returns nil, nil, nil when the journal is disabled.
func InitializeStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (*store.Store, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("store URL is not configured (hint: check QUESTPILOT_STORE_URL)")
	}
	s, closeFn, err := store.Connect(ctx, cfg.URL, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		closeFn()
		return nil, nil, err
	}
	logger.Info("Journal store ready.")
	return s, closeFn, nil
}

// IterationWriter persists journal iterations.
type IterationWriter interface {
	RecordIteration(ctx context.Context, it store.Iteration) error
}

// StartJournalConsumer launches a goroutine that drains journal iterations
// into the store in batches, so a slow database never stalls the loop.
// It exits when the channel is closed or ctx is cancelled, writing what it
// still holds either way.
func StartJournalConsumer(ctx context.Context, wg *sync.WaitGroup, iterations <-chan store.Iteration, w IterationWriter, logger *zap.Logger) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Debug("Journal consumer started.")
		defer logger.Debug("Journal consumer stopped.")

		const batchSize = 16
		const batchTimeout = 2 * time.Second

		batch := make([]store.Iteration, 0, batchSize)
		ticker := time.NewTicker(batchTimeout)
		defer ticker.Stop()

		flush := func() {
			if len(batch) == 0 {
				return
			}
			// Detached from ctx so the final flush survives shutdown.
			writeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			for _, it := range batch {
				if err := w.RecordIteration(writeCtx, it); err != nil {
					logger.Error("Failed to journal iteration. Entry dropped.",
						zap.Int("iteration", it.Number), zap.Error(err))
				}
			}
			batch = batch[:0]
		}

		for {
			select {
			case it, ok := <-iterations:
				if !ok {
					flush()
					return
				}
				batch = append(batch, it)
				if len(batch) >= batchSize {
					flush()
					ticker.Reset(batchTimeout)
				}
			case <-ticker.C:
				flush()
			case <-ctx.Done():
				drainChannel(iterations, &batch)
				flush()
				return
			}
		}
	}()
}

// drainChannel moves whatever is buffered into batch without blocking.
func drainChannel(iterations <-chan store.Iteration, batch *[]store.Iteration) {
	for {
		select {
		case it, ok := <-iterations:
			if !ok {
				return
			}
			*batch = append(*batch, it)
		default:
			return
		}
	}
}
