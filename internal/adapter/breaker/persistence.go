package breaker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/ollamux/ollamux/internal/core/domain"
	"github.com/ollamux/ollamux/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// snapshotFile is the on-disk layout of persisted breaker state.
type snapshotFile struct {
	Version  int              `json:"version"`
	SavedAt  int64            `json:"savedAt"` // epoch ms
	Breakers map[string]Stats `json:"breakers"`
}

const snapshotVersion = 1

// Persister writes registry snapshots to disk, debounced so that bursts of
// state changes coalesce into one write. Writes go to a temp file in the same
// directory followed by a rename; the previous file rotates into numbered
// backups.
type Persister struct {
	registry *Registry
	logger   *logger.StyledLogger

	path     string
	debounce time.Duration
	backups  int

	mu     sync.Mutex
	dirty  bool
	kick   chan struct{}
	done   chan struct{}
	stopFn context.CancelFunc
}

func NewPersister(registry *Registry, path string, debounce time.Duration, backups int, log *logger.StyledLogger) *Persister {
	p := &Persister{
		registry: registry,
		logger:   log,
		path:     path,
		debounce: debounce,
		backups:  backups,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	registry.Subscribe(func(domain.BreakerKey, State, State) {
		p.MarkDirty()
	})
	return p
}

// MarkDirty schedules a write after the debounce interval.
func (p *Persister) MarkDirty() {
	p.mu.Lock()
	p.dirty = true
	p.mu.Unlock()
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Start runs the debounce loop until the context is cancelled, then flushes
// once more so shutdown never loses the latest state.
func (p *Persister) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.stopFn = cancel

	go func() {
		defer close(p.done)
		var timer *time.Timer
		var fire <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				p.flush()
				return
			case <-p.kick:
				if timer == nil {
					timer = time.NewTimer(p.debounce)
					fire = timer.C
				}
			case <-fire:
				timer = nil
				fire = nil
				p.flush()
			}
		}
	}()
}

// Stop cancels the loop and waits for the final flush.
func (p *Persister) Stop() {
	if p.stopFn != nil {
		p.stopFn()
	}
	<-p.done
}

// Flush forces an immediate write regardless of the debounce state.
func (p *Persister) Flush() error {
	return p.write()
}

func (p *Persister) flush() {
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	p.dirty = false
	p.mu.Unlock()

	if err := p.write(); err != nil {
		p.logger.Error("failed to persist circuit breaker state", "path", p.path, "error", err)
		p.MarkDirty()
	}
}

func (p *Persister) write() error {
	snapshot := snapshotFile{
		Version:  snapshotVersion,
		SavedAt:  time.Now().UnixMilli(),
		Breakers: p.registry.AllStats(),
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker snapshot: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create persistence dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".breakers-*.json")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	p.rotateBackups()

	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename snapshot into place: %w", err)
	}

	p.logger.Debug("persisted circuit breaker state", "path", p.path, "breakers", len(snapshot.Breakers))
	return nil
}

// rotateBackups shifts path.1 -> path.2 -> ... and the live file into path.1.
// Rotation failures are non-fatal; the fresh snapshot still lands.
func (p *Persister) rotateBackups() {
	if p.backups <= 0 {
		return
	}
	if _, err := os.Stat(p.path); err != nil {
		return
	}

	for i := p.backups - 1; i >= 1; i-- {
		from := fmt.Sprintf("%s.%d", p.path, i)
		to := fmt.Sprintf("%s.%d", p.path, i+1)
		if _, err := os.Stat(from); err == nil {
			_ = os.Rename(from, to)
		}
	}
	_ = copyFile(p.path, p.path+".1")
}

// Restore loads the snapshot file into the registry. A missing file is not an
// error; a corrupt file is reported and ignored so a bad disk never blocks
// startup.
func (p *Persister) Restore() error {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read breaker snapshot: %w", err)
	}

	var snapshot snapshotFile
	if err := json.Unmarshal(data, &snapshot); err != nil {
		p.logger.Warn("ignoring corrupt circuit breaker snapshot", "path", p.path, "error", err)
		return nil
	}
	if snapshot.Version != snapshotVersion {
		p.logger.Warn("ignoring circuit breaker snapshot with unknown version",
			"path", p.path, "version", snapshot.Version)
		return nil
	}

	restored, skipped := p.registry.LoadSnapshot(snapshot.Breakers, time.Now())
	p.logger.Info("restored circuit breaker state",
		"path", p.path, "restored", restored, "skipped", skipped)
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
