package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hatemosphere/solbot-guard/internal/gziputil"
)

var (
	backupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "solbot_guard_backups_total",
			Help: "Snapshot runs by outcome.",
		},
		[]string{"status"},
	)
	lastBackupTime = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "solbot_guard_last_backup_timestamp_seconds",
		Help: "Unix time of the last successful local snapshot.",
	})
)

func init() {
	prometheus.MustRegister(backupsTotal, lastBackupTime)
}

const filePrefix = "backup-"

// Source produces a consistent copy of a database at destPath.
type Source interface {
	Backup(ctx context.Context, destPath string) error
}

// Config configures a Runner.
type Config struct {
	Dir       string     // local snapshot directory (required)
	Providers []Provider // remote destinations
	Retention int        // snapshots kept per destination, 0 keeps all
	Compress  bool       // gzip snapshots before upload
	Now       func() time.Time
}

// Result describes one run.
type Result struct {
	LocalPath string   `json:"local_path"`
	Uploaded  []string `json:"uploaded,omitempty"`
	Pruned    int      `json:"pruned"`
}

// Runner takes a snapshot, ships it to every provider and applies retention.
type Runner struct {
	src   Source
	cfg   Config
	local *dirProvider
}

// NewRunner validates cfg and creates Dir if needed.
func NewRunner(src Source, cfg Config) (*Runner, error) {
	if cfg.Dir == "" {
		return nil, errors.New("backup directory not configured (use -backup-dir flag)")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Runner{src: src, cfg: cfg, local: &dirProvider{dir: cfg.Dir}}, nil
}

// Run takes one snapshot. The local snapshot is kept even when an upload
// fails; upload and prune errors are joined into the returned error.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	now := r.cfg.Now().UTC()
	name := fmt.Sprintf("%s%s-%03d.db", filePrefix, now.Format("20060102-150405"), now.Nanosecond()/int(time.Millisecond))
	path := filepath.Join(r.cfg.Dir, name)

	if err := r.src.Backup(ctx, path); err != nil {
		backupsTotal.WithLabelValues("failure").Inc()
		return Result{}, fmt.Errorf("snapshot database: %w", err)
	}
	if r.cfg.Compress {
		gz := path + ".gz"
		if err := gziputil.CompressFile(gz, path); err != nil {
			backupsTotal.WithLabelValues("failure").Inc()
			return Result{}, err
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("failed to remove uncompressed snapshot", "path", path, "error", err)
		}
		path = gz
	}
	lastBackupTime.SetToCurrentTime()
	slog.Info("database snapshot written", "path", path)

	res := Result{LocalPath: path}
	var errs []error
	for _, p := range r.cfg.Providers {
		key, err := p.Upload(ctx, path)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s upload: %w", p.Name(), err))
			continue
		}
		res.Uploaded = append(res.Uploaded, p.Name()+":"+key)
	}

	for _, p := range append([]Provider{r.local}, r.cfg.Providers...) {
		n, err := Prune(ctx, p, r.cfg.Retention)
		res.Pruned += n
		if err != nil {
			errs = append(errs, fmt.Errorf("%s prune: %w", p.Name(), err))
		}
	}

	err := errors.Join(errs...)
	status := "success"
	if err != nil {
		status = "partial"
	}
	backupsTotal.WithLabelValues(status).Inc()
	return res, err
}

// dirProvider exposes the local snapshot directory as a Provider so local
// retention uses the same Prune logic as remote destinations.
type dirProvider struct {
	dir string
}

func (d *dirProvider) Name() string { return "local" }

func (d *dirProvider) Upload(_ context.Context, localPath string) (string, error) {
	return filepath.Base(localPath), nil
}

// List returns snapshots newest-first. Names embed a sortable UTC timestamp.
func (d *dirProvider) List(_ context.Context) ([]Snapshot, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var out []Snapshot
	for _, e := range entries {
		if e.IsDir() || !isSnapshotName(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		out = append(out, Snapshot{Key: e.Name(), Size: info.Size(), LastModified: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

func (d *dirProvider) Delete(_ context.Context, key string) error {
	if err := os.Remove(filepath.Join(d.dir, filepath.Base(key))); err != nil {
		return err
	}
	slog.Info("local snapshot pruned", "file", key)
	return nil
}
