package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ScenarioFailure is a scenario of a suite that did not pass.
type ScenarioFailure struct {
	Scenario string   `json:"scenario"`
	Path     string   `json:"path"`
	Errors   []string `json:"errors"`
}

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Total    int               `json:"total"`
	Passed   int               `json:"passed"`
	Failed   int               `json:"failed"`
	Results  []*Result         `json:"-"`
	Failures []ScenarioFailure `json:"failures,omitempty"`
}

// OK reports whether every scenario passed.
func (s *SuiteResult) OK() bool { return s.Failed == 0 }

// FindScenarios lists the scenario files in dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml":
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// RunSuite runs every scenario file. Each scenario runs in its own world,
// so up to parallel of them run at once; results keep the order of paths.
//
// For each scenario:
// 1. Load and validate the file
// 2. Run it via Run
// 3. Collect failures: load errors, run errors and failed checks
func RunSuite(ctx context.Context, paths []string, parallel int, opts ...Option) (*SuiteResult, error) {
	results := make([]*Result, len(paths))
	failures := make([]*ScenarioFailure, len(paths))

	g, ctx := errgroup.WithContext(ctx)
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, path := range paths {
		g.Go(func() error {
			scenario, err := LoadScenario(path)
			if err != nil {
				failures[i] = &ScenarioFailure{Path: path, Errors: []string{fmt.Sprintf("failed to load scenario: %v", err)}}
				return nil
			}
			res, err := Run(ctx, scenario, opts...)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				failures[i] = &ScenarioFailure{Scenario: scenario.Name, Path: path, Errors: []string{fmt.Sprintf("scenario execution failed: %v", err)}}
				return nil
			}
			results[i] = res
			if !res.Pass {
				failures[i] = &ScenarioFailure{Scenario: scenario.Name, Path: path, Errors: res.Errors}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &SuiteResult{Total: len(paths)}
	for i := range paths {
		if results[i] != nil {
			out.Results = append(out.Results, results[i])
		}
		if f := failures[i]; f != nil {
			out.Failed++
			out.Failures = append(out.Failures, *f)
			continue
		}
		out.Passed++
	}
	return out, nil
}

// RunDir runs every scenario file in dir.
func RunDir(ctx context.Context, dir string, parallel int, opts ...Option) (*SuiteResult, error) {
	paths, err := FindScenarios(dir)
	if err != nil {
		return nil, err
	}
	return RunSuite(ctx, paths, parallel, opts...)
}
