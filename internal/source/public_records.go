package source

import (
	"bytes"
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-aggregator/internal/config"
	"github.com/sells-group/lead-aggregator/internal/fetcher"
	"github.com/sells-group/lead-aggregator/internal/model"
)

// Public-records payload formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatHTML = "html"
)

// publicRecordsAdapter reads county lists (probate filings, notices of
// default, tax-delinquent rolls) published as CSV, XLSX or an HTML table,
// over HTTP(S) or FTP, optionally zipped.
type publicRecordsAdapter struct {
	id   string
	deps Deps
}

func (a *publicRecordsAdapter) ID() string { return a.id }

func (a *publicRecordsAdapter) Fetch(ctx context.Context, cfg config.SourceConfig) ([]model.RawRecord, error) {
	if cfg.URL == "" {
		return nil, eris.New("public_records: url is required")
	}

	format := strings.ToLower(cfg.Format)
	zipped := strings.EqualFold(urlExt(cfg.URL), ".zip")
	if format == "" && !zipped {
		format = formatFromExt(urlExt(cfg.URL))
	}

	var (
		rows [][]string
		err  error
	)
	if format == FormatHTML {
		rows, err = a.htmlTable(ctx, cfg)
	} else {
		rows, err = a.file(ctx, cfg, format, zipped)
	}
	if err != nil {
		return nil, err
	}

	c := newCollector(cfg, a.deps.now())
	c.addRows(fetcher.HeaderRows(rows))
	return c.records, nil
}

// file downloads a CSV or XLSX payload (possibly inside a zip) to a
// scratch directory and reads its rows.
func (a *publicRecordsAdapter) file(ctx context.Context, cfg config.SourceConfig, format string, zipped bool) ([][]string, error) {
	if a.deps.Files == nil {
		return nil, eris.New("public_records: no file fetcher configured")
	}
	dir, err := os.MkdirTemp(a.deps.TempDir, "leadbot-"+sanitizeName(cfg.ID)+"-")
	if err != nil {
		return nil, eris.Wrap(err, "public_records: create temp dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	name := path.Base(urlPath(cfg.URL))
	if name == "" || name == "/" || name == "." {
		name = "payload"
	}
	local := filepath.Join(dir, name)
	if _, err := a.deps.Files.DownloadToFile(ctx, cfg.URL, local); err != nil {
		return nil, eris.Wrap(err, "public_records: download")
	}

	if zipped {
		member, err := fetcher.ExtractZIPMember(local, cfg.ZipMember, dir)
		if err != nil {
			return nil, parseErr(eris.Wrap(err, "public_records: extract"))
		}
		local = member
		if format == "" {
			format = formatFromExt(filepath.Ext(member))
		}
	}

	switch format {
	case FormatCSV:
		return readCSVFile(ctx, local, cfg.MaxRecords)
	case FormatXLSX:
		rows, err := fetcher.ReadXLSX(local, fetcher.XLSXOptions{SheetName: cfg.Selector})
		if err != nil {
			return nil, parseErr(eris.Wrap(err, "public_records: read xlsx"))
		}
		return rows, nil
	default:
		return nil, parseErr(eris.Errorf("public_records: unsupported format %q", format))
	}
}

func readCSVFile(ctx context.Context, p string, maxRecords int) ([][]string, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, eris.Wrap(err, "public_records: open csv")
	}
	defer f.Close() //nolint:errcheck

	limit := 0
	if maxRecords > 0 {
		limit = maxRecords + 1 // header
	}
	rows, err := fetcher.Collect(ctx, limit, func(ctx context.Context) (<-chan []string, <-chan error) {
		return fetcher.StreamCSV(ctx, f, fetcher.CSVOptions{TrimSpace: true, LazyQuotes: true})
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, parseErr(eris.Wrap(err, "public_records: read csv"))
	}
	return rows, nil
}

// htmlTable reads the first table matching cfg.Selector (default "table").
// Header cells come from th elements, or the first row when it has none.
func (a *publicRecordsAdapter) htmlTable(ctx context.Context, cfg config.SourceConfig) ([][]string, error) {
	if a.deps.HTTP == nil {
		return nil, eris.New("public_records: no HTTP fetcher configured")
	}
	body, err := a.deps.page(ctx, cfg, cfg.URL)
	if err != nil {
		return nil, eris.Wrap(err, "public_records: fetch page")
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, parseErr(eris.Wrap(err, "public_records: parse page"))
	}

	selector := cfg.Selector
	if selector == "" {
		selector = "table"
	}
	table := doc.Find(selector).First()
	if table.Length() == 0 {
		return nil, parseErr(eris.Errorf("public_records: no table matches %q", selector))
	}

	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.Find("th, td")
		if cells.Length() == 0 {
			return
		}
		if len(rows) > 0 && tr.Find("td").Length() == 0 {
			return
		}
		row := make([]string, 0, cells.Length())
		cells.Each(func(_ int, cell *goquery.Selection) {
			row = append(row, collapse(cell.Text()))
		})
		rows = append(rows, row)
	})
	return rows, nil
}

func urlPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Path
}

func urlExt(raw string) string {
	return path.Ext(urlPath(raw))
}

func formatFromExt(ext string) string {
	switch strings.ToLower(ext) {
	case ".csv", ".txt":
		return FormatCSV
	case ".xlsx":
		return FormatXLSX
	default:
		return FormatHTML
	}
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator {
			return '_'
		}
		return r
	}, s)
}
