package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SysfsWakeLock holds a kernel wake lock through /sys/power/wake_lock and
// wake_unlock. On kernels without the interface it does nothing.
type SysfsWakeLock struct {
	dir string
	tag string

	mu   sync.Mutex
	held bool
}

func NewSysfsWakeLock(dir, tag string) *SysfsWakeLock {
	return &SysfsWakeLock{dir: dir, tag: tag}
}

func (w *SysfsWakeLock) Acquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.held {
		return nil
	}
	if err := w.write("wake_lock"); err != nil {
		return err
	}
	w.held = true
	return nil
}

func (w *SysfsWakeLock) Release() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.held {
		return nil
	}
	if err := w.write("wake_unlock"); err != nil {
		return err
	}
	w.held = false
	return nil
}

func (w *SysfsWakeLock) Held() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.held
}

func (w *SysfsWakeLock) write(name string) error {
	path := filepath.Join(w.dir, name)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(w.tag); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
