package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

var (
	gLock     sync.RWMutex
	gConfig   *Config
	gWatchers []func(*Config)
)

func configFromFile(path string) (*Config, error) {
	var config Config
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	p := json.NewDecoder(f)
	p.DisallowUnknownFields()
	if err := p.Decode(&config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	log.Infof("Loaded configuration: %v", spew.Sdump(config))
	return &config, nil
}

func Get() *Config {
	gLock.RLock()
	defer gLock.RUnlock()
	return gConfig
}

// Set installs c as the current configuration without touching the file
// watcher. Used when running without a config file.
func Set(c *Config) {
	gLock.Lock()
	gConfig = c
	gLock.Unlock()
}

// OnChange registers fn to run after every successful reload.
func OnChange(fn func(*Config)) {
	gLock.Lock()
	gWatchers = append(gWatchers, fn)
	gLock.Unlock()
}

// waitForChange blocks until path is written or replaced. The directory is
// watched rather than the file, since editors that save by rename leave a
// file watch pointing at the old inode.
func waitForChange(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	for changed := false; !changed; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-watcher.Errors:
			return err
		case ev := <-watcher.Events:
			changed = filepath.Clean(ev.Name) == path && ev.Op&(fsnotify.Write|fsnotify.Create) != 0
		}
	}
	// Let multi-step writes finish before reading.
	settle := time.NewTimer(time.Second / 10)
	defer settle.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-settle.C:
		return nil
	}
}

func reload(path string) {
	config, err := configFromFile(path)
	if err != nil {
		log.Errorf("Failed to load new config, keeping the previous one: %v", err)
		return
	}
	gLock.Lock()
	gConfig = config
	watchers := append([]func(*Config){}, gWatchers...)
	gLock.Unlock()
	for _, fn := range watchers {
		fn(config)
	}
}

// Load reads the config at path and reloads it whenever the file changes
// until ctx is done. A reload that fails to parse or validate keeps the
// previous configuration.
func Load(ctx context.Context, path string) error {
	path, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	config, err := configFromFile(path)
	if err != nil {
		return err
	}
	Set(config)
	go func() {
		for ctx.Err() == nil {
			err := waitForChange(ctx, path)
			switch {
			case err == nil:
				reload(path)
			case ctx.Err() == nil:
				log.Errorf("Error watching %s: %v", path, err)
				time.Sleep(time.Second)
			}
		}
	}()
	return nil
}
