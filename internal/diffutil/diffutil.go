// Package diffutil renders the unified diffs attached to auto-fixable
// findings.
package diffutil

import (
	"fmt"

	"github.com/pmezard/go-difflib/difflib"
)

// Unified renders a unified diff between before and after, labeled with the
// file's path on both sides.
func Unified(path, before, after string) (string, error) {
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	}
	out, err := difflib.GetUnifiedDiffString(diff)
	if err != nil {
		return "", fmt.Errorf("rendering unified diff for %s: %w", path, err)
	}
	return out, nil
}
