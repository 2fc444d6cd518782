package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of events a single save produces.
const reloadDebounce = 50 * time.Millisecond

// ReloadCallback is invoked after a new configuration passed validation.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration file on change or SIGHUP.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal
	done    chan struct{}

	mu        sync.RWMutex
	current   *Config
	callbacks []ReloadCallback

	stopOnce sync.Once
}

// NewConfigReloader creates a reloader for path. An empty path disables
// file watching; SIGHUP still triggers a reload.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	if logger == nil {
		logger = logrus.New()
	}
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers fn to run after every successful reload.
func (r *ConfigReloader) SetOnReloadCallback(fn ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := *r.current
	cfg.Encryption.ExcludePatterns = append([]string(nil), r.current.Encryption.ExcludePatterns...)
	cfg.Encryption.PolicyFiles = append([]string(nil), r.current.Encryption.PolicyFiles...)
	cfg.Logging.RedactHeaders = append([]string(nil), r.current.Logging.RedactHeaders...)
	return &cfg
}

// Start processes reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce *time.Timer
	var fire <-chan time.Time
	name := filepath.Clean(r.path)

	for {
		select {
		case <-r.done:
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != name || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-fire:
			fire = nil
			r.reload("file change")
		case <-r.signals:
			r.reload("SIGHUP")
		}
	}
}

// Stop ends Start and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

// Reload loads the file now and applies it.
func (r *ConfigReloader) Reload() error {
	return r.apply()
}

func (r *ConfigReloader) reload(trigger string) {
	if err := r.apply(); err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("Config reload rejected")
		return
	}
	r.logger.WithField("trigger", trigger).Info("Config reloaded")
}

func (r *ConfigReloader) apply() error {
	next, err := loadConfig(r.path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.current

	if next.Encryption.InstanceID == "" {
		next.Encryption.InstanceID = old.Encryption.InstanceID
	}
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := r.validateReloadSafety(old, next); err != nil {
		return err
	}

	for _, cb := range r.callbacks {
		if err := cb(old, next); err != nil {
			return fmt.Errorf("reload callback failed: %w", err)
		}
	}
	r.current = next
	return nil
}

// validateReloadSafety rejects changes that would make existing ciphertext
// or key material unreadable without a restart.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	checks := []struct {
		name     string
		old, new string
	}{
		{"encryption.cipher", old.Encryption.Cipher, new.Encryption.Cipher},
		{"encryption.instance_id", old.Encryption.InstanceID, new.Encryption.InstanceID},
		{"encryption.instance_secret", old.Encryption.InstanceSecret, new.Encryption.InstanceSecret},
		{"encryption.master_key_id", old.Encryption.MasterKeyID, new.Encryption.MasterKeyID},
		{"encryption.use_master_key", fmt.Sprint(old.Encryption.UseMasterKey), fmt.Sprint(new.Encryption.UseMasterKey)},
		{"keystore.driver", old.KeyStore.Driver, new.KeyStore.Driver},
		{"keystore.dsn", old.KeyStore.DSN, new.KeyStore.DSN},
		{"storage.driver", old.Storage.Driver, new.Storage.Driver},
		{"storage.root", old.Storage.Root, new.Storage.Root},
		{"storage.bucket", old.Storage.Bucket, new.Storage.Bucket},
	}
	for _, c := range checks {
		if c.old != c.new {
			return fmt.Errorf("%s cannot be changed during hot reload", c.name)
		}
	}
	return nil
}
