// Package ingestor keeps the planned route catalog in sync with a static
// GTFS feed.
package ingestor

import (
	"archive/zip"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"code.cloudfoundry.org/clock"

	"fleettrack/internal/store"
	"fleettrack/pkg/gtfs"
)

// ErrNotReady is reported by Ready until the first successful update.
var ErrNotReady = errors.New("route shapes not loaded")

// Archive fetches the static feed.
type Archive interface {
	Download(ctx context.Context) (*zip.Reader, []byte, error)
}

type ShapeIngestor struct {
	archive        Archive
	parser         *gtfs.Parser
	store          *store.ShapeStore
	cacheDir       string
	updateInterval time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	ready atomic.Bool
}

func NewShapeIngestor(archive Archive, s *store.ShapeStore, cacheDir string, updateInterval time.Duration, clk clock.Clock, logger *slog.Logger) *ShapeIngestor {
	if cacheDir == "" {
		cacheDir = gtfs.DefaultCacheDir()
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &ShapeIngestor{
		archive:        archive,
		parser:         gtfs.NewParser(logger),
		store:          s,
		cacheDir:       cacheDir,
		updateInterval: updateInterval,
		clock:          clk,
		logger:         logger.With("component", "shape_ingestor"),
	}
}

// Start updates immediately and then on every interval until ctx is done.
func (i *ShapeIngestor) Start(ctx context.Context) {
	i.Update(ctx)

	ticker := i.clock.NewTicker(i.updateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			i.Update(ctx)
		}
	}
}

// Update downloads the archive and replaces the catalog. Parsed results are
// cached on disk by archive fingerprint. Failures keep the previous catalog.
func (i *ShapeIngestor) Update(ctx context.Context) error {
	start := i.clock.Now()

	reader, data, err := i.archive.Download(ctx)
	if err != nil {
		i.logger.Error("failed to download GTFS", "error", err)
		return err
	}

	fingerprint := gtfs.DataFingerprint(data)

	result, cachePath, cacheErr := gtfs.LoadParsedResult(i.cacheDir, fingerprint)
	if cacheErr == nil {
		i.logger.Info("loaded parsed GTFS cache", "path", cachePath)
	} else {
		i.logger.Debug("parsed GTFS cache miss", "path", cachePath, "error", cacheErr)
		result, err = i.parser.Parse(reader)
		if err != nil {
			i.logger.Error("failed to parse GTFS", "error", err)
			return err
		}
		if savedPath, saveErr := gtfs.SaveParsedResult(i.cacheDir, fingerprint, result); saveErr != nil {
			i.logger.Warn("failed to persist parsed GTFS cache", "error", saveErr)
		} else {
			i.logger.Info("persisted parsed GTFS cache", "path", savedPath)
		}
	}

	i.store.UpdateAll(result.Shapes, result.TripShapes, i.clock.Now())
	i.ready.Store(true)

	i.logger.Info("route shapes updated",
		"shapes", len(result.Shapes),
		"trips", len(result.TripShapes),
		"duration", i.clock.Since(start),
	)
	return nil
}

func (i *ShapeIngestor) IsReady() bool {
	return i.ready.Load()
}

// Ready adapts IsReady to a readiness probe.
func (i *ShapeIngestor) Ready(context.Context) error {
	if !i.IsReady() {
		return ErrNotReady
	}
	return nil
}
