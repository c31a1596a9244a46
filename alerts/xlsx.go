package alerts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"

	"github.com/xuri/excelize/v2"
)

// XLSXStore keeps the alert table in a local workbook.
type XLSXStore struct {
	mu    sync.Mutex
	path  string
	sheet string
}

func NewXLSXStore(path, sheet string) *XLSXStore {
	if sheet == "" {
		sheet = "Sheet1"
	}
	return &XLSXStore{path: path, sheet: sheet}
}

func (x *XLSXStore) ReadRows(ctx context.Context) ([][]string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	f, err := excelize.OpenFile(x.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", x.path, err)
	}
	defer f.Close()

	if idx, _ := f.GetSheetIndex(x.sheet); idx < 0 {
		return nil, nil
	}
	rows, err := f.GetRows(x.sheet)
	if err != nil {
		return nil, fmt.Errorf("read %s!%s: %w", x.path, x.sheet, err)
	}
	return rows, nil
}

func (x *XLSXStore) AppendRows(ctx context.Context, rows [][]string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	f, err := x.open()
	if err != nil {
		return err
	}
	defer f.Close()

	existing, err := f.GetRows(x.sheet)
	if err != nil {
		return fmt.Errorf("read %s!%s: %w", x.path, x.sheet, err)
	}
	next := len(existing) + 1
	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, next+i)
		if err != nil {
			return err
		}
		values := make([]interface{}, len(r))
		for j, v := range r {
			values[j] = v
		}
		if err := f.SetSheetRow(x.sheet, cell, &values); err != nil {
			return fmt.Errorf("write %s row %d: %w", x.sheet, next+i, err)
		}
	}
	if err := f.SaveAs(x.path); err != nil {
		return fmt.Errorf("save %s: %w", x.path, err)
	}
	return nil
}

func (x *XLSXStore) open() (*excelize.File, error) {
	if _, err := os.Stat(x.path); errors.Is(err, fs.ErrNotExist) {
		f := excelize.NewFile()
		if x.sheet != "Sheet1" {
			if err := f.SetSheetName("Sheet1", x.sheet); err != nil {
				return nil, err
			}
		}
		return f, nil
	}
	f, err := excelize.OpenFile(x.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", x.path, err)
	}
	if idx, _ := f.GetSheetIndex(x.sheet); idx < 0 {
		if _, err := f.NewSheet(x.sheet); err != nil {
			return nil, err
		}
	}
	return f, nil
}
