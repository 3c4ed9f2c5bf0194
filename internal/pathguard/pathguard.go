// Package pathguard centralizes the path-traversal and symlink-escape
// checks shared by the Repository Registry's file browsing and any other
// component that resolves a caller-supplied relative path against a root
// directory it must not escape.
package pathguard

import (
	"os"
	"path/filepath"
	"strings"

	"forgeyard/internal/apperr"
)

// Resolve joins root and rel, then verifies the normalized, symlink-
// resolved result still lives under root. It returns apperr.ValidationFailed
// if rel escapes root either by lexical ".." traversal or by symlink.
func Resolve(root, rel string) (string, error) {
	cleanRoot, err := filepath.Abs(root)
	if err != nil {
		return "", apperr.Wrap(apperr.ValidationFailed, err, "pathguard: resolve root")
	}

	candidate := filepath.Join(cleanRoot, rel)
	if !strings.HasPrefix(candidate, cleanRoot+string(filepath.Separator)) && candidate != cleanRoot {
		return "", apperr.New(apperr.ValidationFailed, "pathguard: path escapes root")
	}

	resolvedRoot, err := filepath.EvalSymlinks(cleanRoot)
	if err != nil {
		// Root itself may not exist yet; fall back to the lexical result.
		if os.IsNotExist(err) {
			return candidate, nil
		}
		return "", apperr.Wrap(apperr.ValidationFailed, err, "pathguard: resolve root symlinks")
	}

	resolvedCandidate, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		if os.IsNotExist(err) {
			// The leaf itself need not exist (e.g. a write target); verify
			// its parent instead.
			parent, perr := filepath.EvalSymlinks(filepath.Dir(candidate))
			if perr != nil {
				if os.IsNotExist(perr) {
					return candidate, nil
				}
				return "", apperr.Wrap(apperr.ValidationFailed, perr, "pathguard: resolve parent symlinks")
			}
			if !strings.HasPrefix(parent, resolvedRoot+string(filepath.Separator)) && parent != resolvedRoot {
				return "", apperr.New(apperr.ValidationFailed, "pathguard: parent escapes root")
			}
			return candidate, nil
		}
		return "", apperr.Wrap(apperr.ValidationFailed, err, "pathguard: resolve candidate symlinks")
	}

	if !strings.HasPrefix(resolvedCandidate, resolvedRoot+string(filepath.Separator)) && resolvedCandidate != resolvedRoot {
		return "", apperr.New(apperr.ValidationFailed, "pathguard: path escapes root via symlink")
	}
	return candidate, nil
}
