package accounts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v2"

	"github.com/dshills/postgraph/logging"
)

// fileFormat is the accounts file layout:
//
//	connections:
//	  - id: tw-main
//	    owner_id: alice
//	    platform: twitter
//	    default: true
//	    access_token: ${TW_TOKEN}
//	    refresh_token: ...
//	    expires_at: 2026-01-02T15:04:05Z
type fileFormat struct {
	Connections []Connection `yaml:"connections"`
}

// FileRegistry is a Registry loaded from a YAML file. Refreshed tokens are
// written back to the file. Watch reloads it when it changes on disk.
type FileRegistry struct {
	*Registry
	path   string
	logger logging.Logger
}

// LoadFile reads path into a FileRegistry. Environment references in the
// file are expanded before decoding.
func LoadFile(path string, logger logging.Logger, opts ...Option) (*FileRegistry, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	conns, err := readFile(path)
	if err != nil {
		return nil, err
	}
	reg, err := NewRegistry(conns, opts...)
	if err != nil {
		return nil, fmt.Errorf("accounts file %s: %w", path, err)
	}
	f := &FileRegistry{Registry: reg, path: path, logger: logger}
	reg.onChange = f.save
	return f, nil
}

// Reload re-reads the file. The current connections are kept when the file
// is unreadable or invalid.
func (f *FileRegistry) Reload() error {
	conns, err := readFile(f.path)
	if err != nil {
		return err
	}
	if err := f.Replace(conns); err != nil {
		return fmt.Errorf("accounts file %s: %w", f.path, err)
	}
	f.logger.Info("accounts reloaded", "path", f.path, "connections", len(conns))
	return nil
}

// Watch reloads the file on change until ctx is done. The parent directory
// is watched so editors that replace the file are handled. Bursts of events
// within debounce collapse into one reload.
func (f *FileRegistry) Watch(ctx context.Context, debounce time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(f.path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(debounce)
			}
		case <-pending:
			pending = nil
			if err := f.Reload(); err != nil {
				f.logger.Warn("accounts reload failed", "path", f.path, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error("accounts watcher error", "error", err)
		}
	}
}

func (f *FileRegistry) save(conns []Connection) error {
	data, err := yaml.Marshal(fileFormat{Connections: conns})
	if err != nil {
		return err
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}

func readFile(path string) ([]Connection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	var ff fileFormat
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &ff); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file %s: %w", path, err)
	}
	return ff.Connections, nil
}
