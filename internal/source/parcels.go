package source

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/fetcher"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// parcelsAdapter reads a zipped county parcel shapefile. Every attribute
// becomes a raw field under its DBF column name; the parcel's bounds centre
// is added as lat/lng. Coordinates are expected in WGS84.
type parcelsAdapter struct {
	id   string
	deps Deps
}

func (a *parcelsAdapter) ID() string { return a.id }

func (a *parcelsAdapter) Fetch(ctx context.Context, cfg config.SourceConfig) ([]model.RawRecord, error) {
	if cfg.URL == "" {
		return nil, eris.New("parcels: url is required")
	}
	if a.deps.Files == nil {
		return nil, eris.New("parcels: no file fetcher configured")
	}

	dir, err := os.MkdirTemp(a.deps.TempDir, "leadbot-"+sanitizeName(cfg.ID)+"-")
	if err != nil {
		return nil, eris.Wrap(err, "parcels: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	archive := filepath.Join(dir, "parcels.zip")
	if _, err := a.deps.Files.DownloadToFile(ctx, cfg.URL, archive); err != nil {
		return nil, eris.Wrap(err, "parcels: download")
	}
	files, err := fetcher.ExtractZIP(archive, dir)
	if err != nil {
		return nil, parseErr(eris.Wrap(err, "parcels: extract"))
	}

	shpPath, ok := "", false
	if cfg.ZipMember != "" {
		for _, f := range files {
			if filepath.Base(f) == cfg.ZipMember {
				shpPath, ok = f, true
				break
			}
		}
	} else {
		shpPath, ok = fetcher.FindByExt(files, ".shp")
	}
	if !ok {
		return nil, parseErr(eris.New("parcels: no shapefile in archive"))
	}

	c := newCollector(cfg, a.deps.now())
	if err := readParcels(ctx, shpPath, c); err != nil {
		return nil, err
	}
	return c.records, nil
}

func readParcels(ctx context.Context, shpPath string, c *collector) error {
	reader, err := shp.Open(shpPath)
	if err != nil {
		return parseErr(eris.Wrapf(err, "parcels: open shapefile %s", filepath.Base(shpPath)))
	}
	defer func() { _ = reader.Close() }()

	fields := reader.Fields()
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = strings.TrimRight(f.String(), "\x00")
	}

	skipped := 0
	for reader.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_, shape := reader.Shape()

		rec := make(map[string]any, len(names)+2)
		for i, name := range names {
			val := strings.TrimSpace(strings.TrimRight(reader.Attribute(i), "\x00"))
			if val != "" {
				rec[name] = val
			}
		}
		if len(rec) == 0 {
			skipped++
			continue
		}
		if lat, lng, ok := representativePoint(shape); ok {
			rec["lat"] = strconv.FormatFloat(lat, 'f', 6, 64)
			rec["lng"] = strconv.FormatFloat(lng, 'f', 6, 64)
		}
		if !c.add(rec) {
			break
		}
	}
	if err := reader.Err(); err != nil {
		return parseErr(eris.Wrapf(err, "parcels: read shapefile %s", filepath.Base(shpPath)))
	}

	if skipped > 0 {
		zap.L().Debug("parcels: skipped empty records",
			zap.String("source", c.source),
			zap.Int("skipped", skipped),
		)
	}
	return nil
}

// representativePoint returns the centre of the shape's bounds.
func representativePoint(shape shp.Shape) (lat, lng float64, ok bool) {
	g := toGeom(shape)
	if g == nil {
		return 0, 0, false
	}
	b := g.Bounds()
	if b.IsEmpty() {
		return 0, 0, false
	}
	lng = (b.Min(0) + b.Max(0)) / 2
	lat = (b.Min(1) + b.Max(1)) / 2
	return lat, lng, true
}

func toGeom(shape shp.Shape) geom.T {
	switch s := shape.(type) {
	case *shp.Point:
		return geom.NewPointFlat(geom.XY, []float64{s.X, s.Y})
	case *shp.Polygon:
		if len(s.Points) == 0 {
			return nil
		}
		flat := make([]float64, 0, 2*len(s.Points))
		for _, p := range s.Points {
			flat = append(flat, p.X, p.Y)
		}
		ends := make([]int, 0, len(s.Parts))
		for i := range s.Parts {
			end := len(s.Points)
			if i+1 < len(s.Parts) {
				end = int(s.Parts[i+1])
			}
			ends = append(ends, 2*end)
		}
		if len(ends) == 0 {
			ends = []int{len(flat)}
		}
		return geom.NewPolygonFlat(geom.XY, flat, ends)
	default:
		return nil
	}
}
