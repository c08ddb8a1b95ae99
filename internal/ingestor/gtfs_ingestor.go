package ingestor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"buseta/internal/domain"
	"buseta/pkg/gtfs"
)

// LineSink receives the imported route topology.
type LineSink interface {
	PutStop(stop domain.Stop)
	PutLine(line domain.Line, stops []domain.LineStop)
}

// GTFSIngestor keeps lines and stops in sync with a static GTFS feed.
type GTFSIngestor struct {
	downloader     *gtfs.Downloader
	parser         *gtfs.Parser
	sink           LineSink
	cacheDir       string
	updateInterval time.Duration
	logger         *slog.Logger

	fingerprint string
	ready       bool
	readyMu     sync.RWMutex
}

func NewGTFSIngestor(source, direction, cacheDir string, sink LineSink, updateInterval time.Duration, logger *slog.Logger) *GTFSIngestor {
	return &GTFSIngestor{
		downloader:     gtfs.NewDownloader(source, logger),
		parser:         gtfs.NewParser(direction, logger),
		sink:           sink,
		cacheDir:       cacheDir,
		updateInterval: updateInterval,
		logger:         logger.With("component", "gtfs_ingestor"),
	}
}

func (i *GTFSIngestor) Start(ctx context.Context) {
	i.update(ctx)

	ticker := time.NewTicker(i.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.update(ctx)
		}
	}
}

func (i *GTFSIngestor) update(ctx context.Context) {
	start := time.Now()

	reader, data, err := i.downloader.Download(ctx)
	if err != nil {
		i.logger.Error("failed to download GTFS", "error", err)
		return
	}

	fingerprint := gtfs.DataFingerprint(data)
	if fingerprint == i.fingerprint {
		i.logger.Debug("GTFS feed unchanged", "sha256", fingerprint)
		return
	}

	feed, cachePath, cacheErr := gtfs.LoadParsedFeed(i.cacheDir, fingerprint)
	if cacheErr == nil {
		i.logger.Info("loaded parsed GTFS cache", "path", cachePath)
	} else {
		i.logger.Debug("parsed GTFS cache miss", "path", cachePath, "error", cacheErr)
		feed, err = i.parser.Parse(reader)
		if err != nil {
			i.logger.Error("failed to parse GTFS", "error", err)
			return
		}
		if savedPath, saveErr := gtfs.SaveParsedFeed(i.cacheDir, fingerprint, feed); saveErr != nil {
			i.logger.Warn("failed to persist parsed GTFS cache", "error", saveErr)
		} else {
			i.logger.Info("persisted parsed GTFS cache", "path", savedPath)
		}
	}

	for _, stop := range feed.Stops {
		i.sink.PutStop(stop)
	}
	for _, r := range feed.Routes {
		i.sink.PutLine(r.Line, r.Stops)
	}
	i.fingerprint = fingerprint

	if !i.IsReady() {
		i.setReady(true)
	}

	i.logger.Info("GTFS update completed",
		"routes", len(feed.Routes),
		"stops", len(feed.Stops),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (i *GTFSIngestor) IsReady() bool {
	i.readyMu.RLock()
	defer i.readyMu.RUnlock()
	return i.ready
}

func (i *GTFSIngestor) setReady(ready bool) {
	i.readyMu.Lock()
	defer i.readyMu.Unlock()
	i.ready = ready
}
