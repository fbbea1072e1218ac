// Package fs provides path-confinement helpers used anywhere the engine
// resolves a user- or config-supplied path against a trusted root (watch
// roots, the content store, cache directories) and must not follow a
// symlink or ".." segment out of that root.
package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfineRelPath ensures that joining root and relTarget results in a path
// that is physically underneath the resolved path of root. It protects
// against symlink traversal and backslash bypass. relTarget must be relative.
func ConfineRelPath(root, relTarget string) (string, error) {
	if strings.Contains(relTarget, "\\") {
		return "", fmt.Errorf("path contains backslash: %s", relTarget)
	}
	cleanRel := filepath.Clean(relTarget)
	if filepath.IsAbs(cleanRel) || strings.HasPrefix(cleanRel, "/") {
		return "", fmt.Errorf("target path must be relative: %s", relTarget)
	}
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt: %s", relTarget)
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		realRoot = absRoot
	}

	fullPath := filepath.Join(realRoot, cleanRel)
	return resolveAndCheck(realRoot, fullPath)
}

// ConfineAbsPath ensures that targetAbs is physically underneath the
// resolved path of root. targetAbs must be absolute.
func ConfineAbsPath(rootAbs, targetAbs string) (string, error) {
	if strings.Contains(targetAbs, "\\") {
		return "", fmt.Errorf("path contains backslash: %s", targetAbs)
	}
	if !filepath.IsAbs(targetAbs) {
		return "", fmt.Errorf("target path must be absolute: %s", targetAbs)
	}
	targetAbs = filepath.Clean(targetAbs)

	absRoot, err := filepath.Abs(rootAbs)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		realRoot = absRoot
	}

	return resolveAndCheck(realRoot, targetAbs)
}

// resolveAndCheck resolves fullPath's symlinks and ensures the result stays
// within realRoot.
func resolveAndCheck(realRoot, fullPath string) (string, error) {
	var realPath string
	if info, err := os.Lstat(fullPath); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			rp, err := filepath.EvalSymlinks(fullPath)
			if err != nil {
				return "", fmt.Errorf("failed to resolve symlink: %w", err)
			}
			realPath = rp
		} else {
			rp, err := filepath.EvalSymlinks(fullPath)
			if err != nil {
				return "", fmt.Errorf("failed to resolve path: %w", err)
			}
			realPath = rp
		}
	} else {
		dir := filepath.Dir(fullPath)
		if rp, err := filepath.EvalSymlinks(dir); err == nil {
			realPath = filepath.Join(rp, filepath.Base(fullPath))
		} else {
			if _, statErr := os.Stat(dir); statErr == nil {
				return "", fmt.Errorf("failed to resolve parent path: %v", err)
			}
			realPath = fullPath
		}
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil {
		return "", fmt.Errorf("rel computation failed: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root via symlinks: %s", realPath)
	}
	return realPath, nil
}

// IsRegularFile reports whether path exists and is a regular file (not a
// directory, device, or other special file).
func IsRegularFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file: %s", path)
	}
	return nil
}
