package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleettrack/internal/domain"
)

// ParseResult holds the planned geometry of a static GTFS feed.
type ParseResult struct {
	Shapes     map[string][]domain.Coordinate // shape_id -> ordered points
	TripShapes map[string]string              // trip_id -> shape_id
}

type shapePoint struct {
	coord    domain.Coordinate
	sequence int
}

type Parser struct {
	logger *slog.Logger
}

func NewParser(logger *slog.Logger) *Parser {
	return &Parser{
		logger: logger.With("component", "gtfs_parser"),
	}
}

func (p *Parser) Parse(reader *zip.Reader) (*ParseResult, error) {
	totalStart := time.Now()
	p.logger.Info("starting GTFS parsing")

	result := &ParseResult{
		Shapes:     make(map[string][]domain.Coordinate),
		TripShapes: make(map[string]string),
	}

	fileMap := make(map[string]*zip.File)
	for _, file := range reader.File {
		fileMap[file.Name] = file
		p.logger.Debug("found file in archive",
			"name", file.Name,
			"uncompressed_size", file.UncompressedSize64,
		)
	}

	file, ok := fileMap["shapes.txt"]
	if !ok {
		return nil, fmt.Errorf("archive has no shapes.txt")
	}

	start := time.Now()
	if err := p.parseShapes(file, result); err != nil {
		return nil, fmt.Errorf("parse shapes: %w", err)
	}
	p.logger.Info("parsed shapes.txt",
		"count", len(result.Shapes),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if file, ok := fileMap["trips.txt"]; ok {
		start := time.Now()
		if err := p.parseTrips(file, result); err != nil {
			return nil, fmt.Errorf("parse trips: %w", err)
		}
		p.logger.Info("parsed trips.txt",
			"count", len(result.TripShapes),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	p.logger.Info("GTFS parsing completed",
		"total_duration_ms", time.Since(totalStart).Milliseconds(),
		"shapes", len(result.Shapes),
		"trips", len(result.TripShapes),
	)

	return result, nil
}

// parseShapes skips rows with unparsable or out-of-range coordinates.
func (p *Parser) parseShapes(file *zip.File, result *ParseResult) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	header, err := r.Read()
	if err != nil {
		return err
	}

	idx := makeIndex(header)

	points := make(map[string][]shapePoint)
	skipped := 0

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		shapeID := getField(record, idx, "shape_id")
		lat, latErr := strconv.ParseFloat(getField(record, idx, "shape_pt_lat"), 64)
		lon, lonErr := strconv.ParseFloat(getField(record, idx, "shape_pt_lon"), 64)
		seq, _ := strconv.Atoi(getField(record, idx, "shape_pt_sequence"))

		coord := domain.Coordinate{Lat: lat, Lon: lon}
		if shapeID == "" || latErr != nil || lonErr != nil || !coord.Valid() {
			skipped++
			continue
		}

		points[shapeID] = append(points[shapeID], shapePoint{coord: coord, sequence: seq})
	}

	if skipped > 0 {
		p.logger.Warn("skipped invalid shape rows", "count", skipped)
	}

	for shapeID, pts := range points {
		sort.SliceStable(pts, func(i, j int) bool {
			return pts[i].sequence < pts[j].sequence
		})

		line := make([]domain.Coordinate, len(pts))
		for i, pt := range pts {
			line[i] = pt.coord
		}
		result.Shapes[shapeID] = line
	}

	return nil
}

// parseTrips keeps only trips whose shape was parsed.
func (p *Parser) parseTrips(file *zip.File, result *ParseResult) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	r := csv.NewReader(rc)
	header, err := r.Read()
	if err != nil {
		return err
	}

	idx := makeIndex(header)

	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		tripID := getField(record, idx, "trip_id")
		shapeID := getField(record, idx, "shape_id")
		if tripID == "" || shapeID == "" {
			continue
		}
		if _, ok := result.Shapes[shapeID]; !ok {
			continue
		}
		result.TripShapes[tripID] = shapeID
	}

	return nil
}

func makeIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))] = i
	}
	return idx
}

func getField(record []string, idx map[string]int, field string) string {
	if i, ok := idx[field]; ok && i < len(record) {
		return record[i]
	}
	return ""
}
