package gtfs

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"
)

// Downloader fetches a static GTFS archive from a URL or a local path.
type Downloader struct {
	source string
	client *http.Client
	logger *slog.Logger
}

func NewDownloader(source string, logger *slog.Logger) *Downloader {
	return &Downloader{
		source: source,
		client: &http.Client{
			Timeout: 2 * time.Minute,
		},
		logger: logger.With("component", "gtfs_downloader"),
	}
}

// Download returns the opened archive together with its raw bytes, which
// callers use to fingerprint the feed.
func (d *Downloader) Download(ctx context.Context) (*zip.Reader, []byte, error) {
	start := time.Now()

	var (
		data []byte
		err  error
	)
	if strings.HasPrefix(d.source, "http://") || strings.HasPrefix(d.source, "https://") {
		data, err = d.fetch(ctx)
	} else {
		data, err = os.ReadFile(d.source)
	}
	if err != nil {
		return nil, nil, err
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("open zip: %w", err)
	}

	d.logger.Info("GTFS archive loaded",
		"source", d.source,
		"size_mb", fmt.Sprintf("%.2f", float64(len(data))/(1024*1024)),
		"files_in_archive", len(reader.File),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return reader, data, nil
}

func (d *Downloader) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.source, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", "buseta/1.0")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download gtfs: %w", err)
	}
	defer resp.Body.Close()

	d.logger.Debug("received HTTP response",
		"status_code", resp.StatusCode,
		"content_length", resp.ContentLength,
	)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}
