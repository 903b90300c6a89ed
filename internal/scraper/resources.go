package scraper

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryUsage reports used/total system memory as a ratio in [0,1].
type MemoryUsage func(ctx context.Context) (float64, error)

func SystemMemoryUsage(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read virtual memory: %w", err)
	}
	if vm.Total == 0 {
		return 0, nil
	}
	return float64(vm.Used) / float64(vm.Total), nil
}

// guardMemory pauses the run while memory usage is above the threshold.
// It only fails when the run is cancelled during the pause.
func (s *Scraper) guardMemory(ctx context.Context) error {
	if s.memory == nil {
		return nil
	}

	usage, err := s.memory(ctx)
	if err != nil {
		s.logger.Debug("memory check failed", "error", err)
		return nil
	}
	if usage <= s.cfg.MemoryThreshold {
		return nil
	}

	s.metrics.IncMemoryPause()
	s.addLog(fmt.Sprintf("memory usage at %.0f%%, pausing for %s", usage*100, s.cfg.MemoryPause))
	s.logger.Warn("memory pressure, pausing", "usage", usage, "pause", s.cfg.MemoryPause)

	if err := s.sleep(ctx, s.cfg.MemoryPause); err != nil {
		return errStopped
	}
	return nil
}
