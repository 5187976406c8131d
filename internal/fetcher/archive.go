package fetcher

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/italolelis/torbox_blackhole/internal/logctx"
)

// extractionRoot decides where archive entries land, from the entry names
// alone so the policy is testable without real archives.
//
// When every entry lives under one shared top-level directory, the archive
// is extracted straight into targetDir: the archive's own directory becomes
// the release folder, instead of being nested again under a folder of the
// same name. Any other shape (loose files, several directories) goes under
// a containing folder named after the item label, so loose files never
// scatter across targetDir.
func extractionRoot(entryNames []string, targetDir, label string) string {
	if _, ok := singleTopLevelDir(entryNames); ok {
		return targetDir
	}

	return filepath.Join(targetDir, label)
}

// singleTopLevelDir reports the sole top-level directory shared by all
// entries, if there is one. A lone top-level file does not count.
func singleTopLevelDir(entryNames []string) (string, bool) {
	var top string

	sawDir := false

	for _, name := range entryNames {
		name = strings.TrimPrefix(name, "/")
		if name == "" {
			continue
		}

		first, rest, _ := strings.Cut(name, "/")

		if top == "" {
			top = first
		} else if first != top {
			return "", false
		}

		if rest != "" {
			sawDir = true
		}
	}

	if top == "" || !sawDir {
		return "", false
	}

	return top, true
}

// extractArchive unpacks the zip at archivePath according to the
// extraction heuristic, deletes the archive afterwards and returns the
// directory the content ended up under. The archive is only removed
// once every entry has been written, so a failed extraction leaves the
// source archive in place for the retried fetch.
func extractArchive(ctx context.Context, archivePath, targetDir, label string) (string, error) {
	logger := logctx.LoggerFromContext(ctx).With("archive", archivePath)

	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer reader.Close()

	names := make([]string, 0, len(reader.File))
	for _, f := range reader.File {
		names = append(names, f.Name)
	}

	root := extractionRoot(names, targetDir, label)
	contentRoot := filepath.Join(targetDir, label)

	if top, ok := singleTopLevelDir(names); ok {
		contentRoot = filepath.Join(targetDir, top)
	}

	logger.InfoContext(ctx, "extracting archive", "entries", len(names), "extract_dir", root)

	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}

		if err := extractEntry(f, root); err != nil {
			return "", fmt.Errorf("failed to extract %s: %w", f.Name, err)
		}
	}

	if err := reader.Close(); err != nil {
		return "", fmt.Errorf("failed to close archive: %w", err)
	}

	if err := os.Remove(archivePath); err != nil {
		return "", fmt.Errorf("failed to delete extracted archive: %w", err)
	}

	logger.InfoContext(ctx, "archive extracted and removed", "content_root", contentRoot)

	return contentRoot, nil
}

func extractEntry(f *zip.File, root string) error {
	targetPath, err := sanitizeEntryPath(root, f.Name)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create entry directory: %w", err)
	}

	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(targetPath)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()

		return err
	}

	return dst.Close()
}

// sanitizeEntryPath rejects entries that would escape root.
func sanitizeEntryPath(root, name string) (string, error) {
	cleaned := filepath.Join(root, filepath.FromSlash(name))
	if cleaned != root && !strings.HasPrefix(cleaned, root+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes extraction root", name)
	}

	return cleaned, nil
}
