// Package snapshot exports the local store to JSONL and imports JSONL back
// into it. Imported records are written as local edits so they sync.
package snapshot

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tasklane/tasklane/internal/schema"
	"github.com/tasklane/tasklane/internal/store"
)

// maxLineSize bounds a single JSONL record.
const maxLineSize = 4 << 20

// Store is the part of store.Store used here.
type Store interface {
	Get(ctx context.Context, t schema.EntityType, id string) (*schema.Entity, error)
	GetAll(ctx context.Context, t schema.EntityType) ([]*schema.Entity, error)
	Put(ctx context.Context, e *schema.Entity, opts ...store.PutOption) (*schema.Entity, error)
	SoftDelete(ctx context.Context, t schema.EntityType, id string) error
}

// ExportOptions selects what to export.
type ExportOptions struct {
	// Types limits the export; empty exports every type.
	Types []schema.EntityType
}

// ExportResult contains statistics about an export
type ExportResult struct {
	Records int
	ByType  map[schema.EntityType]int
}

// Export writes every live record as one JSON object per line, ordered by
// type then id.
func Export(ctx context.Context, st Store, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	types := opts.Types
	if len(types) == 0 {
		types = schema.AllTypes()
	}

	result := &ExportResult{ByType: make(map[schema.EntityType]int)}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, t := range types {
		records, err := st.GetAll(ctx, t)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s records: %w", t, err)
		}
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return nil, fmt.Errorf("failed to encode %s: %w", rec.Key(), err)
			}
			result.Records++
			result.ByType[t]++
		}
	}
	if err := bw.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write export: %w", err)
	}
	return result, nil
}

// ExportFile writes the export to path atomically via a temp file.
func ExportFile(ctx context.Context, st Store, path string, opts ExportOptions) (*ExportResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := Export(ctx, st, f, opts)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return result, nil
}

// ImportOptions contains configuration for an import
type ImportOptions struct {
	DryRun bool // Report without writing
	// Overwrite replaces existing records that differ; otherwise they are
	// skipped.
	Overwrite bool
}

// ImportResult contains statistics about an import
type ImportResult struct {
	Imported  int
	Deleted   int
	Unchanged int
	Skipped   int
	Errors    []string
}

// Import reads JSONL records and writes them through the store as local
// edits. Malformed or invalid lines are reported in Errors and skipped;
// store failures abort the import.
func Import(ctx context.Context, st Store, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var rec schema.Entity
		if err := json.Unmarshal(line, &rec); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}
		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
			continue
		}

		if err := importRecord(ctx, st, &rec, opts, result); err != nil {
			if errors.Is(err, store.ErrInConflict) {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
				continue
			}
			return result, fmt.Errorf("failed to import line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return result, fmt.Errorf("failed to read JSONL: %w", err)
	}
	return result, nil
}

func importRecord(ctx context.Context, st Store, rec *schema.Entity, opts ImportOptions, result *ImportResult) error {
	existing, err := st.Get(ctx, rec.Type, rec.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	exists := err == nil && !existing.IsDeleted

	if rec.IsDeleted {
		if !exists {
			result.Skipped++
			return nil
		}
		result.Deleted++
		if opts.DryRun {
			return nil
		}
		return st.SoftDelete(ctx, rec.Type, rec.ID)
	}

	if exists {
		if schema.PayloadEqual(existing.Payload, rec.Payload) {
			result.Unchanged++
			return nil
		}
		if !opts.Overwrite {
			result.Skipped++
			return nil
		}
	}

	result.Imported++
	if opts.DryRun {
		return nil
	}
	// Server bookkeeping from another client does not apply here.
	rec.ServerVersion = 0
	_, err = st.Put(ctx, rec)
	return err
}

// ImportFile imports the JSONL file at path.
func ImportFile(ctx context.Context, st Store, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer f.Close()
	return Import(ctx, st, f, opts)
}
