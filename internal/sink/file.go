package sink

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/lead-aggregator/internal/model"
)

// CSVSink writes <Dir>/leads-<runID>.csv. Re-delivering a run rewrites the
// same file.
type CSVSink struct {
	Dir string
}

// Name implements Sink.
func (s *CSVSink) Name() string { return "csv" }

// Path returns the output file for a run.
func (s *CSVSink) Path(runID string) string {
	return filepath.Join(s.Dir, "leads-"+runID+".csv")
}

// Deliver implements Sink.
func (s *CSVSink) Deliver(ctx context.Context, run *model.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeCSV(Rows(run))
	if err != nil {
		return err
	}
	return writeAtomic(s.Path(run.ID), func(tmp string) error {
		return os.WriteFile(tmp, data, 0o644)
	})
}

func encodeCSV(rows []LeadRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	enc := csvutil.NewEncoder(w)
	if len(rows) == 0 {
		if err := enc.EncodeHeader(LeadRow{}); err != nil {
			return nil, eris.Wrap(err, "csv sink: encode header")
		}
	}
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			return nil, eris.Wrapf(err, "csv sink: encode lead %s", r.LeadID)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, eris.Wrap(err, "csv sink: flush")
	}
	return buf.Bytes(), nil
}

// XLSXSink writes <Dir>/leads-<runID>.xlsx with one "Leads" sheet.
type XLSXSink struct {
	Dir string
}

// Name implements Sink.
func (s *XLSXSink) Name() string { return "xlsx" }

// Path returns the output file for a run.
func (s *XLSXSink) Path(runID string) string {
	return filepath.Join(s.Dir, "leads-"+runID+".xlsx")
}

// Deliver implements Sink.
func (s *XLSXSink) Deliver(ctx context.Context, run *model.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	header, err := csvutil.Header(LeadRow{}, "csv")
	if err != nil {
		return eris.Wrap(err, "xlsx sink: header")
	}

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Leads")
	if err != nil {
		return eris.Wrap(err, "xlsx sink: add sheet")
	}
	hr := sheet.AddRow()
	for _, h := range header {
		hr.AddCell().SetString(h)
	}
	for _, r := range Rows(run) {
		row := sheet.AddRow()
		for _, v := range r.cells() {
			cell := row.AddCell()
			switch x := v.(type) {
			case string:
				cell.SetString(x)
			case int:
				cell.SetInt(x)
			case float64:
				if x != 0 {
					cell.SetFloat(x)
				}
			}
		}
	}

	return writeAtomic(s.Path(run.ID), func(tmp string) error {
		return f.Save(tmp)
	})
}

// writeAtomic produces path through a temp file in the same directory and
// renames it into place.
func writeAtomic(path string, write func(tmp string) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrapf(err, "sink: create dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "sink: create temp file")
	}
	name := tmp.Name()
	_ = tmp.Close()
	defer os.Remove(name) //nolint:errcheck

	if err := write(name); err != nil {
		return eris.Wrapf(err, "sink: write %s", filepath.Base(path))
	}
	if err := os.Rename(name, path); err != nil {
		return eris.Wrapf(err, "sink: rename %s", filepath.Base(path))
	}
	return nil
}
