package config

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Hot-safe settings a running process applies without restart. Everything
// else in the .env file takes effect on the next start.
type HotSettings struct {
	LogLevel                  string
	OnlineRevalidateInterval  time.Duration
	OfflineRevalidateInterval time.Duration
}

// Watcher monitors the data dir's .env file and applies the hot-safe
// subset of changes through a callback.
type Watcher struct {
	envPath string
	watcher *fsnotify.Watcher
	current HotSettings

	mu      sync.Mutex
	onApply func(HotSettings)

	stopOnce sync.Once
	stopChan chan struct{}
}

// NewWatcher creates a watcher for the config's .env file. onApply runs on
// the watcher goroutine whenever a hot-safe setting changed.
func NewWatcher(cfg *Config, onApply func(HotSettings)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		envPath: cfg.EnvFilePath(),
		watcher: fsw,
		current: HotSettings{
			LogLevel:                  cfg.LogLevel,
			OnlineRevalidateInterval:  cfg.OnlineRevalidateInterval,
			OfflineRevalidateInterval: cfg.OfflineRevalidateInterval,
		},
		onApply:  onApply,
		stopChan: make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than the
// file itself, so editors that replace the file are still seen.
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.envPath)); err != nil {
		return err
	}
	go w.run()
	log.Info().Str("path", w.envPath).Msg("Watching .env for configuration changes")
	return nil
}

// Stop halts the watcher. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.watcher.Close()
	})
}

// Reload re-reads the .env file on demand (e.g. from SIGHUP).
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != ".env" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Debounce: editors write in bursts.
			time.Sleep(100 * time.Millisecond)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env change")
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = map[string]string{}
	}
	lookup := func(key string) string { return envMap[key] }

	next := Config{
		LogLevel:                  w.current.LogLevel,
		OnlineRevalidateInterval:  w.current.OnlineRevalidateInterval,
		OfflineRevalidateInterval: w.current.OfflineRevalidateInterval,
	}
	next.applyEnv(lookup)

	settings := HotSettings{
		LogLevel:                  next.LogLevel,
		OnlineRevalidateInterval:  next.OnlineRevalidateInterval,
		OfflineRevalidateInterval: next.OfflineRevalidateInterval,
	}
	if settings == w.current {
		return
	}
	w.current = settings

	log.Info().
		Str("log_level", settings.LogLevel).
		Dur("online_interval", settings.OnlineRevalidateInterval).
		Dur("offline_interval", settings.OfflineRevalidateInterval).
		Msg("Applying hot configuration changes; other settings need a restart")
	if w.onApply != nil {
		w.onApply(settings)
	}
}
