// Package gitmeta refreshes repository metadata from a local checkout: the
// per-language byte map, the inferred primary language, the size bucket and
// the changed-file set for a PR's base..target range.
package gitmeta

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/aegisreview/aegis/internal/model"
)

// MetadataMaxAge is how long a language byte-map stays fresh before the next
// analysis triggers a refresh.
const MetadataMaxAge = 6 * time.Hour

// Size bucket thresholds in bytes.
const (
	smallLimit  = 10 << 20  // 10 MiB
	mediumLimit = 100 << 20 // 100 MiB
)

// languageByExtension maps common file extensions onto the language names
// reported in Repository.Languages.
var languageByExtension = map[string]string{
	".go":    "go",
	".ts":    "typescript",
	".tsx":   "typescript",
	".js":    "javascript",
	".jsx":   "javascript",
	".py":    "python",
	".rb":    "ruby",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cc":    "cpp",
	".cpp":   "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".swift": "swift",
	".php":   "php",
	".scala": "scala",
	".sh":    "shell",
	".sql":   "sql",
	".tf":    "terraform",
	".yaml":  "yaml",
	".yml":   "yaml",
}

// LanguageForPath returns the language a path's extension implies, or "".
func LanguageForPath(path string) string {
	return languageByExtension[strings.ToLower(filepath.Ext(path))]
}

// Refresh recomputes a repository's language byte-map, primary language,
// size bucket and default branch from the checkout at path, stamping
// LastMetadataRefreshAt.
func Refresh(ctx context.Context, repo *model.Repository, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	gr, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("opening repository at %s: %w", path, err)
	}

	head, err := gr.Head()
	if err != nil {
		return fmt.Errorf("resolving HEAD: %w", err)
	}
	if head.Name().IsBranch() {
		repo.DefaultBranch = head.Name().Short()
	}

	commit, err := gr.CommitObject(head.Hash())
	if err != nil {
		return fmt.Errorf("loading HEAD commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("loading HEAD tree: %w", err)
	}

	languages := make(map[string]int64)
	var totalBytes int64
	err = tree.Files().ForEach(func(f *object.File) error {
		totalBytes += f.Size
		if lang := LanguageForPath(f.Name); lang != "" {
			languages[lang] += f.Size
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking HEAD tree: %w", err)
	}

	repo.Languages = languages
	repo.PrimaryLanguage = dominantLanguage(languages)
	repo.SizeBytes = totalBytes
	repo.Size = bucketFor(totalBytes)
	repo.LastMetadataRefreshAt = time.Now()
	return nil
}

// ChangedFiles enumerates the files changed between baseRef and targetRef,
// shaped as the PR file list the analysis context carries. Deleted files
// never carry content, honoring the AnalysisContext invariant.
func ChangedFiles(ctx context.Context, path, baseRef, targetRef string) ([]model.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	gr, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}

	baseTree, err := treeFor(gr, baseRef)
	if err != nil {
		return nil, err
	}
	targetTree, err := treeFor(gr, targetRef)
	if err != nil {
		return nil, err
	}

	changes, err := object.DiffTreeWithOptions(ctx, baseTree, targetTree, &object.DiffTreeOptions{})
	if err != nil {
		return nil, fmt.Errorf("diffing %s..%s: %w", baseRef, targetRef, err)
	}

	var files []model.File
	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, fmt.Errorf("classifying change: %w", err)
		}
		f := model.File{}
		switch action {
		case merkletrie.Insert:
			f.Path = change.To.Name
			f.ChangeType = model.ChangeAdded
		case merkletrie.Delete:
			f.Path = change.From.Name
			f.ChangeType = model.ChangeDeleted
		default:
			f.Path = change.To.Name
			f.ChangeType = model.ChangeModified
		}
		f.Language = LanguageForPath(f.Path)
		if f.ChangeType != model.ChangeDeleted {
			if file, err := targetTree.File(f.Path); err == nil {
				if content, err := file.Contents(); err == nil {
					f.Content = content
				}
			}
		}
		files = append(files, f)
	}
	return files, nil
}

func treeFor(gr *git.Repository, ref string) (*object.Tree, error) {
	hash, err := gr.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", ref, err)
	}
	commit, err := gr.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("loading commit %s: %w", hash, err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("loading tree for %s: %w", ref, err)
	}
	return tree, nil
}

func dominantLanguage(languages map[string]int64) string {
	best, bestBytes := "", int64(0)
	for lang, n := range languages {
		if n > bestBytes {
			best, bestBytes = lang, n
		}
	}
	return best
}

func bucketFor(totalBytes int64) model.SizeBucket {
	switch {
	case totalBytes < smallLimit:
		return model.SizeSmall
	case totalBytes < mediumLimit:
		return model.SizeMedium
	default:
		return model.SizeLarge
	}
}
