package githost

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// content file extensions accepted by enumeration
var contentExtensions = map[string]struct{}{
	".md":  {},
	".mdx": {},
}

// IsContentFile reports whether a path carries an accepted content extension.
func IsContentFile(path string) bool {
	dot := strings.LastIndex(path, ".")
	if dot < 0 {
		return false
	}
	_, ok := contentExtensions[strings.ToLower(path[dot:])]
	return ok
}

// EnumerateContentFiles walks the content root depth-first, listing
// subdirectories concurrently, and returns every content file path found.
// A listing failure at the root is fatal to the caller's run; a failure in
// any subdirectory is isolated to that subtree, which contributes zero files
// instead of aborting a large import over one bad branch.
func EnumerateContentFiles(ctx context.Context, client Client, repo RepoRef, root, ref string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	entries, err := client.ListDirectory(ctx, repo, root, ref)
	if err != nil {
		return nil, fmt.Errorf("githost: listing root %s: %w", root, err)
	}

	paths, err := collectEntries(ctx, client, repo, ref, entries, logger)
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	return paths, nil
}

func collectEntries(ctx context.Context, client Client, repo RepoRef, ref string, entries []Entry, logger *zap.Logger) ([]string, error) {
	files := make([]string, 0, len(entries))
	directories := make([]Entry, 0)
	for _, entry := range entries {
		switch entry.Type {
		case EntryTypeDir:
			directories = append(directories, entry)
		case EntryTypeFile:
			if IsContentFile(entry.Path) {
				files = append(files, entry.Path)
			}
		}
	}

	if len(directories) == 0 {
		return files, nil
	}

	results := make([][]string, len(directories))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, directory := range directories {
		group.Go(func() error {
			children, err := client.ListDirectory(groupCtx, repo, directory.Path, ref)
			if err != nil {
				// Subtree failures degrade to zero files in that branch.
				logger.Warn("subdirectory listing failed",
					zap.String("repo", repo.String()),
					zap.String("path", directory.Path),
					zap.Error(err))
				return nil
			}
			collected, err := collectEntries(groupCtx, client, repo, ref, children, logger)
			if err != nil {
				return err
			}
			results[i] = collected
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	for _, collected := range results {
		files = append(files, collected...)
	}
	return files, nil
}
