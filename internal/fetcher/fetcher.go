// Package fetcher materializes completed remote jobs into their download
// directories, unpacking archive bundles along the way.
package fetcher

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/torbox_blackhole/internal/fetcher/progress"
	"github.com/italolelis/torbox_blackhole/internal/job"
	"github.com/italolelis/torbox_blackhole/internal/logctx"
	"github.com/italolelis/torbox_blackhole/internal/telemetry"
)

const dirPerm = 0755

type Fetcher struct {
	client           job.Client
	tel              *telemetry.Telemetry
	allowArchive     bool
	progressInterval int64
	httpClient       *http.Client
}

func New(client job.Client, tel *telemetry.Telemetry, allowArchive bool, progressInterval int64) *Fetcher {
	return &Fetcher{
		client:           client,
		tel:              tel,
		allowArchive:     allowArchive,
		progressInterval: progressInterval,
		httpClient:       &http.Client{Timeout: 4 * time.Hour},
	}
}

// Fetch resolves the item's download links and writes the content into its
// target directory. Zip artifacts are unpacked with the extraction
// heuristic and deleted afterwards. Errors are returned to the poller,
// which accounts them as failed checks; no retrying happens here.
//
// The returned path is where the content actually materialized: the
// file written to disk, or the directory an archive unpacked into. When
// several links produce several files there is no single root, so the
// path is empty rather than the shared target directory, which holds
// unrelated releases and must never be reaped wholesale.
func (f *Fetcher) Fetch(ctx context.Context, item job.Item) (string, error) {
	var contentPath string

	err := f.tel.InstrumentFetch(ctx, func(ctx context.Context) error {
		logger := logctx.LoggerFromContext(ctx).With("job_id", item.ID, "label", item.Label)

		var links []string

		err := f.tel.InstrumentClientOperation(ctx, "remote", "request_download", func(ctx context.Context) error {
			var err error

			links, err = f.client.DownloadLinks(ctx, item.Ref(), f.allowArchive)

			return err
		})
		if err != nil {
			return fmt.Errorf("failed to resolve download links: %w", err)
		}

		if len(links) == 0 {
			return fmt.Errorf("no download links for job %s", item.ID)
		}

		if err := os.MkdirAll(item.TargetDir, dirPerm); err != nil {
			return fmt.Errorf("failed to create target directory: %w", err)
		}

		roots := make([]string, 0, len(links))

		for _, link := range links {
			materialized, err := f.downloadOne(ctx, link, item)
			if err != nil {
				return err
			}

			roots = append(roots, materialized)
		}

		contentPath = roots[0]

		for _, root := range roots[1:] {
			if root != contentPath {
				contentPath = ""

				break
			}
		}

		logger.InfoContext(ctx, "content materialized", "target_dir", item.TargetDir, "content_path", contentPath)

		return nil
	})
	if err != nil {
		return "", err
	}

	return contentPath, nil
}

// downloadOne fetches a single link and reports the path its content
// landed at, after any archive extraction.
func (f *Fetcher) downloadOne(ctx context.Context, link string, item job.Item) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("job_id", item.ID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build download request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to start download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download request returned status %d", resp.StatusCode)
	}

	filename := resolveFilename(resp, link, item.Label)
	targetPath := filepath.Join(item.TargetDir, filename)

	logger.InfoContext(ctx, "downloading file",
		"file", filename,
		"size", humanize.Bytes(uint64(max(resp.ContentLength, 0))),
	)

	written, err := f.writeFile(ctx, targetPath, resp.Body, resp.ContentLength)
	if err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}

	f.tel.RecordDownloadedBytes(written)

	logger.InfoContext(ctx, "downloaded and saved file", "target", targetPath, "size", humanize.Bytes(uint64(written)))

	if strings.EqualFold(filepath.Ext(targetPath), ".zip") {
		contentRoot, err := extractArchive(ctx, targetPath, item.TargetDir, item.Label)
		if err != nil {
			return "", fmt.Errorf("failed to extract archive: %w", err)
		}

		return contentRoot, nil
	}

	return targetPath, nil
}

func (f *Fetcher) writeFile(ctx context.Context, targetPath string, body io.Reader, totalBytes int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	out, err := os.Create(targetPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create target file: %w", err)
	}

	progressCb := func(written, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"target", targetPath,
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "target", targetPath, "downloaded", humanize.Bytes(uint64(written)))
		}
	}
	pr := progress.NewReader(body, totalBytes, f.progressInterval, progressCb)

	written, err := io.Copy(out, pr)
	if err != nil {
		out.Close()

		return written, fmt.Errorf("failed to copy file: %w", err)
	}

	return written, out.Close()
}

// resolveFilename picks the on-disk name for a downloaded artifact:
// Content-Disposition wins, then a plausible extension from the URL path,
// then the content type, then the bare label.
func resolveFilename(resp *http.Response, link, label string) string {
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		if name := params["filename"]; name != "" {
			return filepath.Base(name)
		}
	}

	if u := strings.SplitN(link, "?", 2)[0]; u != "" {
		if ext := path.Ext(u); ext != "" && len(ext) <= 5 {
			if strings.EqualFold(strings.TrimSuffix(path.Base(u), ext), label) || strings.HasSuffix(label, ext) {
				return path.Base(u)
			}

			return label + ext
		}
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "zip") {
		return label + ".zip"
	}

	return label
}
