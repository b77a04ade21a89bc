package daemon

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mergehawk-dev/mergehawk/internal/config"
)

// ConfigGetter provides access to the current config.
type ConfigGetter interface {
	Config() *config.Config
}

// StaticConfig wraps a config for use without hot-reloading (tests).
type StaticConfig struct {
	cfg *config.Config
}

// NewStaticConfig creates a ConfigGetter that always returns the same config.
func NewStaticConfig(cfg *config.Config) *StaticConfig {
	return &StaticConfig{cfg: cfg}
}

// Config returns the static config.
func (sc *StaticConfig) Config() *config.Config {
	return sc.cfg
}

// ConfigWatcher watches config.toml and reloads it on change.
//
// Hot-reloadable settings take effect on the next job: reviewer_cmd,
// default_skill, kill_grace_seconds, memory limits, dedup window.
// server_addr and max_concurrent are read at startup; the running
// listener and worker pool keep their startup values.
//
// Not restart-safe: once Stop is called, create a new instance.
type ConfigWatcher struct {
	configPath  string
	cfg         *config.Config
	cfgMu       sync.RWMutex
	activityLog *ActivityLog
	watcher     *fsnotify.Watcher
	stopOnce    sync.Once
	stopped     bool
}

// NewConfigWatcher creates a watcher holding the given initial config.
func NewConfigWatcher(configPath string, cfg *config.Config, activityLog *ActivityLog) *ConfigWatcher {
	return &ConfigWatcher{
		configPath:  configPath,
		cfg:         cfg,
		activityLog: activityLog,
	}
}

// Config returns the current configuration.
func (cw *ConfigWatcher) Config() *config.Config {
	cw.cfgMu.RLock()
	defer cw.cfgMu.RUnlock()
	return cw.cfg
}

// Start begins watching the config file. A watcher that was stopped
// cannot be started again.
func (cw *ConfigWatcher) Start() error {
	cw.cfgMu.RLock()
	stopped := cw.stopped
	cw.cfgMu.RUnlock()
	if stopped {
		return fmt.Errorf("config watcher already stopped; create a new instance to restart")
	}
	// No path means no hot reload (tests).
	if cw.configPath == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	cw.watcher = watcher

	// Watch the directory, not the file: editors doing atomic writes
	// replace the file (delete + create).
	if err := watcher.Add(filepath.Dir(cw.configPath)); err != nil {
		watcher.Close()
		cw.watcher = nil
		return err
	}

	go cw.watchLoop(filepath.Base(cw.configPath))
	return nil
}

// Stop shuts down the watcher.
func (cw *ConfigWatcher) Stop() {
	cw.stopOnce.Do(func() {
		cw.cfgMu.Lock()
		cw.stopped = true
		cw.cfgMu.Unlock()
		if cw.watcher != nil {
			cw.watcher.Close()
		}
	})
}

func (cw *ConfigWatcher) watchLoop(configFile string) {
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != configFile {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cw.reload()
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("Config watcher error: %v", err)
		}
	}
}

// reload re-reads the config file, keeping the old config on error.
func (cw *ConfigWatcher) reload() {
	cfg, err := config.LoadGlobalFrom(cw.configPath)
	if err != nil {
		log.Printf("Config reload failed, keeping previous config: %v", err)
		return
	}

	cw.cfgMu.Lock()
	cw.cfg = cfg
	cw.cfgMu.Unlock()

	log.Printf("Config reloaded from %s", cw.configPath)
	cw.activityLog.Log("config.reloaded", "daemon", "configuration reloaded", nil)
}
