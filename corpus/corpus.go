// Package corpus scans a directory of symbolic music files and concatenates their events into the global
// token stream used for training.
//
// Files are selected by extension only and visited in lexical path order. Extraction runs in parallel, but
// results are kept by file index, so the token stream is identical to a sequential scan. A file that fails
// to decode is recorded in its Result and skipped; it never aborts the scan.
package corpus

import (
	"context"
	"io/fs"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/gomlx/melodygen/events"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultExtension selects Standard MIDI Files.
const DefaultExtension = ".mid"

// Options control a Scan.
type Options struct {
	// Extension of the files to read, matched case-insensitively. Defaults to DefaultExtension.
	Extension string

	// Workers is the number of files extracted in parallel. Defaults to GOMAXPROCS.
	Workers int
}

// Result is the outcome of extracting one file: either its events or the error that made it unusable.
type Result struct {
	Path   string
	Events []events.Event
	Err    error
}

// Report aggregates the per-file results of a Scan, in file order.
type Report struct {
	Dir     string
	Results []Result
}

// Failed returns the results of the files that could not be extracted.
func (r *Report) Failed() []Result {
	var failed []Result
	for _, res := range r.Results {
		if res.Err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

// Stream concatenates the tokens of all successfully extracted files, in file order.
//
// No marker is inserted between files, so downstream windows may span a file boundary.
func (r *Report) Stream() *Stream {
	s := &Stream{}
	for _, res := range r.Results {
		if res.Err != nil {
			continue
		}
		for _, ev := range res.Events {
			s.Tokens = append(s.Tokens, ev.Token())
			s.Files = append(s.Files, res.Path)
		}
	}
	return s
}

// ListFiles returns the files under dir (recursively) whose extension matches ext (case-insensitively,
// with or without the leading dot), sorted lexically.
func ListFiles(dir, ext string) ([]string, error) {
	if ext == "" {
		ext = DefaultExtension
	} else if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), ext) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %q files in %q", ext, dir)
	}
	sort.Strings(paths)
	return paths, nil
}

// Scan extracts every matching file in dir.
//
// It only fails if dir can't be listed or ctx is cancelled; per-file failures are in the Report.
func Scan(ctx context.Context, dir string, x events.Extractor, opts Options) (*Report, error) {
	paths, err := ListFiles(dir, opts.Extension)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("scanning %d files in %q", len(paths), dir)

	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	report := &Report{Dir: dir, Results: make([]Result, len(paths))}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report.Results[i] = extract(x, path)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "while scanning %q", dir)
	}

	for _, res := range report.Results {
		if res.Err != nil {
			klog.Warningf("skipping %q: %v", res.Path, res.Err)
		}
	}
	return report, nil
}

func extract(x events.Extractor, path string) Result {
	evs, err := x.Extract(path)
	if err != nil {
		var extractionErr *events.ExtractionError
		if !errors.As(err, &extractionErr) {
			err = &events.ExtractionError{Path: path, Err: err}
		}
		return Result{Path: path, Err: err}
	}
	return Result{Path: path, Events: evs}
}
