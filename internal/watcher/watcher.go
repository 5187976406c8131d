package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/torbox_blackhole/internal/config"
	"github.com/italolelis/torbox_blackhole/internal/job"
	"github.com/italolelis/torbox_blackhole/internal/logctx"
	"github.com/italolelis/torbox_blackhole/internal/telemetry"
	"github.com/italolelis/torbox_blackhole/internal/tracker"
	"github.com/zeebo/bencode"
)

const dirPerm = 0755

// SubmitDefaults are the service-side knobs applied to every submission.
type SubmitDefaults struct {
	Seed             int
	AllowZip         bool
	QueueImmediately bool
	PostProcessing   int
}

// Watcher scans the configured watch directories on a fixed interval,
// submits every recognized file to the remote service and registers the
// accepted job in the store. Source files are deleted only after a
// successful submission so a failed tick retries them naturally.
type Watcher struct {
	client   job.Client
	store    *tracker.Store
	tel      *telemetry.Telemetry
	pairs    []config.DirectoryPair
	defaults SubmitDefaults
}

func New(
	client job.Client,
	store *tracker.Store,
	tel *telemetry.Telemetry,
	pairs []config.DirectoryPair,
	defaults SubmitDefaults,
) *Watcher {
	return &Watcher{
		client:   client,
		store:    store,
		tel:      tel,
		pairs:    pairs,
		defaults: defaults,
	}
}

// EnsureDirectories creates every watch and download directory up front.
func (w *Watcher) EnsureDirectories() error {
	for _, pair := range w.pairs {
		if err := os.MkdirAll(pair.WatchDir, dirPerm); err != nil {
			return fmt.Errorf("failed to create watch directory %s: %w", pair.WatchDir, err)
		}

		if err := os.MkdirAll(pair.DownloadDir, dirPerm); err != nil {
			return fmt.Errorf("failed to create download directory %s: %w", pair.DownloadDir, err)
		}
	}

	return nil
}

// Run scans once immediately and then on every tick until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "watching directories", "pairs", len(w.pairs), "interval", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Scan(ctx)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "shutting down watcher")

			return
		case <-ticker.C:
			w.Scan(ctx)
		}
	}
}

// Scan walks every configured pair once. A failure in one directory or
// file never stops the rest of the scan.
func (w *Watcher) Scan(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	for _, pair := range w.pairs {
		logger.DebugContext(ctx, "scanning watch directory", "pair", pair.Name, "dir", pair.WatchDir)

		if err := w.scanPair(ctx, pair); err != nil {
			logger.ErrorContext(ctx, "failed to scan watch directory", "dir", pair.WatchDir, "err", err)
		}
	}
}

func (w *Watcher) scanPair(ctx context.Context, pair config.DirectoryPair) error {
	logger := logctx.LoggerFromContext(ctx)

	entries, err := os.ReadDir(pair.WatchDir)
	if err != nil {
		return fmt.Errorf("failed to list watch directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		kind, ok := job.KindForExtension(filepath.Ext(entry.Name()))
		if !ok {
			continue
		}

		path := filepath.Join(pair.WatchDir, entry.Name())

		if err := w.processFile(ctx, path, kind, pair); err != nil {
			w.tel.RecordSubmission(string(kind), "error")
			logger.ErrorContext(ctx, "failed to process watch file", "file", path, "err", err)

			continue
		}

		w.tel.RecordSubmission(string(kind), "success")

		if err := os.Remove(path); err != nil {
			logger.ErrorContext(ctx, "failed to delete processed file", "file", path, "err", err)
		} else {
			logger.InfoContext(ctx, "deleted processed file", "file", path)
		}
	}

	return nil
}

func (w *Watcher) processFile(ctx context.Context, path string, kind job.Kind, pair config.DirectoryPair) error {
	logger := logctx.LoggerFromContext(ctx)

	name := filepath.Base(path)
	label := strings.TrimSuffix(name, filepath.Ext(name))

	logger.InfoContext(ctx, "processing watch file", "file", name, "kind", kind, "pair", pair.Name)

	sub, err := w.buildSubmission(path, kind, label)
	if err != nil {
		return err
	}

	receipt, err := w.client.Submit(ctx, *sub)
	if err != nil {
		return fmt.Errorf("failed to submit %s: %w", name, err)
	}

	identifier := receipt.ID
	if identifier == "" {
		identifier = receipt.Hash
	}

	w.store.Put(job.Item{
		ID:        identifier,
		Hash:      receipt.Hash,
		Kind:      kind,
		Label:     label,
		TargetDir: pair.DownloadDir,
		Status:    "submitted",
		CreatedAt: time.Now(),
	})
	w.tel.ItemTracked(1)

	logger.InfoContext(ctx, "submitted and tracking job",
		"file", name,
		"job_id", identifier,
		"kind", kind,
		"target_dir", pair.DownloadDir,
	)

	return nil
}

func (w *Watcher) buildSubmission(path string, kind job.Kind, label string) (*job.Submission, error) {
	name := filepath.Base(path)

	opts := job.SubmitOptions{
		Name:     label,
		AsQueued: w.defaults.QueueImmediately,
	}

	switch kind {
	case job.KindTorrent:
		opts.Seed = w.defaults.Seed
		opts.AllowZip = w.defaults.AllowZip
	case job.KindUsenet:
		opts.PostProcessing = w.defaults.PostProcessing
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read watch file: %w", err)
	}

	if strings.EqualFold(filepath.Ext(name), ".magnet") {
		magnet := strings.TrimSpace(string(data))
		if !strings.HasPrefix(magnet, "magnet:?") {
			return nil, &job.InvalidContentError{Filename: name, Reason: "not a magnet URI"}
		}

		return &job.Submission{Kind: kind, FileName: name, Magnet: magnet, Options: opts}, nil
	}

	switch kind {
	case job.KindTorrent:
		if err := validateTorrent(data); err != nil {
			return nil, &job.InvalidContentError{Filename: name, Reason: "invalid torrent metainfo", Err: err}
		}
	case job.KindUsenet:
		if err := validateNZB(data); err != nil {
			return nil, &job.InvalidContentError{Filename: name, Reason: "invalid NZB document", Err: err}
		}
	}

	return &job.Submission{Kind: kind, FileName: name, Payload: data, Options: opts}, nil
}

// validateTorrent decodes the bencoded metainfo and requires a named
// info dictionary, which is the minimum any tracker or client accepts.
func validateTorrent(data []byte) error {
	var meta struct {
		Info struct {
			Name string `bencode:"name"`
		} `bencode:"info"`
	}

	if err := bencode.DecodeBytes(data, &meta); err != nil {
		return fmt.Errorf("failed to decode metainfo: %w", err)
	}

	if meta.Info.Name == "" {
		return fmt.Errorf("metainfo has no info.name")
	}

	return nil
}

func validateNZB(data []byte) error {
	if !strings.Contains(strings.ToLower(string(data)), "<nzb") {
		return fmt.Errorf("document has no <nzb> element")
	}

	return nil
}
