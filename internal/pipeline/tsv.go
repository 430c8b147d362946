package pipeline

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var errWriterClosed = errors.New("tsv writer already closed")

// TsvInfo accumulates the rows of one destination table for one task.
// A TsvInfo is either Ready or Failed; a Failed one returns its construction
// error from every operation.
type TsvInfo struct {
	columns []string
	path    string
	initErr error

	mu        sync.Mutex
	file      *os.File
	writer    *csv.Writer
	closed    bool
	lineCount int
	recordIDs []string
}

// NewTsvInfo creates the file in dir and writes the header line. Any failure
// yields a Failed TsvInfo rather than an error.
func NewTsvInfo(columns []string, dir, name string) *TsvInfo {
	path := filepath.Join(dir, name+".tsv")
	f, err := os.Create(path)
	if err != nil {
		return FailedTsvInfo(fmt.Errorf("create tsv file: %w", err))
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := w.Write(columns); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return FailedTsvInfo(fmt.Errorf("write tsv header: %w", err))
	}
	return &TsvInfo{
		columns: append([]string(nil), columns...),
		path:    path,
		file:    f,
		writer:  w,
	}
}

// FailedTsvInfo returns a TsvInfo poisoned with err
func FailedTsvInfo(err error) *TsvInfo {
	return &TsvInfo{initErr: err}
}

// Err returns the construction error, if any
func (t *TsvInfo) Err() error { return t.initErr }

// WriteRow writes one row in column order. Missing names become empty cells.
func (t *TsvInfo) WriteRow(row map[string]string) error {
	if t.initErr != nil {
		return t.initErr
	}
	record := make([]string, len(t.columns))
	for i, col := range t.columns {
		record[i] = row[col]
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errWriterClosed
	}
	if err := t.writer.Write(record); err != nil {
		return fmt.Errorf("write tsv row: %w", err)
	}
	t.lineCount++
	if id := row[columnRecordID]; id != "" {
		t.recordIDs = append(t.recordIDs, id)
	}
	return nil
}

// FlushAndCloseWriter flushes and closes the file. Calling it again is a no-op.
func (t *TsvInfo) FlushAndCloseWriter() error {
	if t.initErr != nil {
		return t.initErr
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.writer.Flush()
	flushErr := t.writer.Error()
	closeErr := t.file.Close()
	if flushErr != nil {
		return fmt.Errorf("flush tsv: %w", flushErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close tsv: %w", closeErr)
	}
	return nil
}

// Delete removes the backing file
func (t *TsvInfo) Delete() error {
	if t.initErr != nil {
		return t.initErr
	}
	if err := os.Remove(t.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (t *TsvInfo) Path() string { return t.path }

func (t *TsvInfo) Columns() []string { return t.columns }

func (t *TsvInfo) LineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lineCount
}

// RecordIDs returns the ids of the records that contributed rows
func (t *TsvInfo) RecordIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.recordIDs...)
}
