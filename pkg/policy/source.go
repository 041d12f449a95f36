package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Source loads budget and routing policy definitions.
// Malformed entries are reported in LoadResult.Errors without aborting the
// load. A non-nil error means nothing could be loaded.
type Source interface {
	Load(ctx context.Context) (*LoadResult, error)
}

// LoadResult contains the entries a Source produced and the per-entry failures.
type LoadResult struct {
	Budgets         []BudgetSpec
	RoutingPolicies []RoutingPolicy
	Errors          []error
}

func (r *LoadResult) merge(o *LoadResult) {
	r.Budgets = append(r.Budgets, o.Budgets...)
	r.RoutingPolicies = append(r.RoutingPolicies, o.RoutingPolicies...)
	r.Errors = append(r.Errors, o.Errors...)
}

// FileSource loads policies from YAML files on disk.
type FileSource struct {
	path   string
	logger *slog.Logger
}

// NewFileSource creates a file-based policy source.
// The path can be either a single file or a directory. If it's a directory,
// all .yaml and .yml files below it are loaded in lexical order; hidden
// files and directories are skipped.
func NewFileSource(path string, logger *slog.Logger) *FileSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSource{
		path:   path,
		logger: logger.With("component", "policy.source"),
	}
}

// Path returns the configured file or directory.
func (s *FileSource) Path() string {
	return s.path
}

// Load loads all policies from the configured path.
func (s *FileSource) Load(ctx context.Context) (*LoadResult, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return nil, &LoadError{FilePath: s.path, Message: "cannot stat path", Cause: err}
	}

	var files []string
	if info.IsDir() {
		files, err = s.listDirectory()
		if err != nil {
			return nil, err
		}
	} else {
		files = []string{s.path}
	}

	result := &LoadResult{}
	for _, file := range files {
		fileResult, err := s.loadFile(file)
		if err != nil {
			// One unreadable file is one failed entry, not a failed load.
			s.logger.Warn("failed to load policy file, skipping",
				"path", file,
				"error", err,
			)
			result.Errors = append(result.Errors, err)
			continue
		}
		result.merge(fileResult)
	}

	for _, entryErr := range result.Errors {
		s.logger.Warn("rejected policy entry", "error", entryErr)
	}
	s.logger.Info("loaded policies from source",
		"path", s.path,
		"file_count", len(files),
		"budget_count", len(result.Budgets),
		"routing_policy_count", len(result.RoutingPolicies),
		"error_count", len(result.Errors),
	)

	return result, nil
}

func (s *FileSource) listDirectory() ([]string, error) {
	var files []string
	err := filepath.Walk(s.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if strings.HasPrefix(info.Name(), ".") && path != s.path {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}

		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, &LoadError{FilePath: s.path, Message: "failed to walk directory", Cause: err}
	}

	sort.Strings(files)
	return files, nil
}

func (s *FileSource) loadFile(path string) (*LoadResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{FilePath: path, Message: "cannot read file", Cause: err}
	}

	result, err := Parse(data, path)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("loaded policy file",
		"path", path,
		"budget_count", len(result.Budgets),
		"routing_policy_count", len(result.RoutingPolicies),
	)
	return result, nil
}

// MemorySource is an in-memory policy source for tests and embedding.
type MemorySource struct {
	mu       sync.RWMutex
	budgets  []BudgetSpec
	policies []RoutingPolicy
}

// NewMemorySource creates a new in-memory policy source.
func NewMemorySource(budgets []BudgetSpec, policies []RoutingPolicy) *MemorySource {
	return &MemorySource{budgets: budgets, policies: policies}
}

// Load validates the stored definitions the same way FileSource does and
// returns copies of the valid ones.
func (s *MemorySource) Load(ctx context.Context) (*LoadResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := &LoadResult{}
	for i := range s.budgets {
		b := s.budgets[i]
		if err := b.Validate(); err != nil {
			result.Errors = append(result.Errors, &EntryError{Kind: EntryBudget, ID: b.ID, Source: "memory", Index: i, Err: err})
			continue
		}
		result.Budgets = append(result.Budgets, b)
	}
	for i := range s.policies {
		rp := s.policies[i]
		if err := rp.Validate(); err != nil {
			result.Errors = append(result.Errors, &EntryError{Kind: EntryRoutingPolicy, ID: rp.ID, Source: "memory", Index: i, Err: err})
			continue
		}
		result.RoutingPolicies = append(result.RoutingPolicies, rp)
	}
	return result, nil
}

// Set replaces the stored definitions.
func (s *MemorySource) Set(budgets []BudgetSpec, policies []RoutingPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets = budgets
	s.policies = policies
}

// String describes the source for logs.
func (s *MemorySource) String() string {
	return fmt.Sprintf("memory(%d budgets, %d routing policies)", len(s.budgets), len(s.policies))
}
