package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/interlab/experiment-coordinator/internal/domain/model"
	"github.com/spf13/viper"
)

// Experiment is the researcher-supplied configuration tree registered at
// startup: the scene graph plus experiment-level screening and any runtime
// blob peers must pre-load. Validated at load, immutable afterwards; hot
// reloads swap in a whole new tree for future registrations only.
type Experiment struct {
	Name      string               `mapstructure:"name"`
	Screening model.ScreeningRules `mapstructure:"screening"`
	Runtime   map[string]any       `mapstructure:"runtime"`
	Scenes    []model.SceneSpec    `mapstructure:"scenes"`
}

// LoadExperiment reads and validates an experiment file.
func LoadExperiment(path string) (*Experiment, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("experiment: read %s: %w", path, err)
	}

	var exp Experiment
	if err := v.Unmarshal(&exp); err != nil {
		return nil, fmt.Errorf("experiment: unmarshal: %w", err)
	}
	if len(exp.Scenes) == 0 {
		return nil, fmt.Errorf("experiment: no scenes defined")
	}

	seen := make(map[string]bool, len(exp.Scenes))
	for i := range exp.Scenes {
		exp.Scenes[i].ApplyDefaults()
		if err := exp.Scenes[i].Validate(); err != nil {
			return nil, err
		}
		if seen[exp.Scenes[i].SceneID] {
			return nil, fmt.Errorf("experiment: duplicate scene_id %q", exp.Scenes[i].SceneID)
		}
		seen[exp.Scenes[i].SceneID] = true
	}
	return &exp, nil
}

// ExperimentStore hands out the current experiment tree. Live sessions keep
// the graph they were cloned from; only new registrations observe a reload.
type ExperimentStore struct {
	current atomic.Pointer[Experiment]
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

func NewExperimentStore(path string, logger *slog.Logger) (*ExperimentStore, error) {
	exp, err := LoadExperiment(path)
	if err != nil {
		return nil, err
	}
	s := &ExperimentStore{logger: logger}
	s.current.Store(exp)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("experiment: watcher: %w", err)
	}
	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("experiment: watch %s: %w", path, err)
	}
	s.watcher = watcher
	go s.reloadLoop(path)
	return s, nil
}

func (s *ExperimentStore) Current() *Experiment {
	return s.current.Load()
}

func (s *ExperimentStore) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *ExperimentStore) reloadLoop(path string) {
	target := filepath.Clean(path)
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}
			exp, err := LoadExperiment(path)
			if err != nil {
				// A broken edit keeps the last good tree.
				s.logger.Warn("experiment reload rejected", "error", err)
				continue
			}
			s.current.Store(exp)
			s.logger.Info("experiment reloaded", "name", exp.Name, "scenes", len(exp.Scenes))
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("experiment watcher error", "error", err)
		}
	}
}
