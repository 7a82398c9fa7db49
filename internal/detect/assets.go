package detect

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
)

// EnsureLabelMap downloads the label-map asset when it is missing or when
// force is set. The write is temp-file-then-rename so a torn download never
// replaces a good asset.
func EnsureLabelMap(ctx context.Context, url, path string, force bool, logger *slog.Logger) error {
	if url == "" {
		return nil
	}
	if !force {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	logger.Info("downloading label map", "url", url, "path", path, "force", force)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetching label map: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("label map download returned %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".labelmap-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
