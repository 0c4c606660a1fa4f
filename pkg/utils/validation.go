package utils

import (
	"fmt"
	"path/filepath"
	"strings"
)

// SanitizeBasePath validates and sanitizes a base path such as the mount root
func SanitizeBasePath(basePath string) (string, error) {
	if basePath == "" {
		return "", fmt.Errorf("base path cannot be empty")
	}

	// Check for double slashes BEFORE cleaning (filepath.Clean normalizes them)
	if strings.Contains(basePath, "//") {
		return "", fmt.Errorf("base path contains double slashes: %s", basePath)
	}

	// Clean the path
	cleanPath := filepath.Clean(basePath)

	// Must be absolute
	if !filepath.IsAbs(cleanPath) {
		return "", fmt.Errorf("base path must be absolute: %s", basePath)
	}

	if strings.ContainsRune(cleanPath, 0) {
		return "", fmt.Errorf("base path contains a null byte: %q", cleanPath)
	}

	return cleanPath, nil
}

// ValidateMountPoint checks that path is a direct child of root.
// It rejects:
// - Path traversal (../) and unclean paths
// - Relative paths
// - Paths nested deeper than one level below root, or equal to it
func ValidateMountPoint(path, root string) error {
	if path == "" {
		return fmt.Errorf("mount point cannot be empty")
	}

	cleanRoot, err := SanitizeBasePath(root)
	if err != nil {
		return fmt.Errorf("invalid mount root: %w", err)
	}

	// Clean the path to resolve any ./ or ../ components
	cleanPath := filepath.Clean(path)

	// Check if cleaning changed the path (indicates traversal attempt)
	if cleanPath != path {
		return fmt.Errorf("mount point contains traversal sequences or unnecessary components: %s (cleaned: %s)", path, cleanPath)
	}

	// Path must be absolute (start with /)
	if !filepath.IsAbs(cleanPath) {
		return fmt.Errorf("mount point must be absolute: %s", path)
	}

	if filepath.Dir(cleanPath) != cleanRoot {
		return fmt.Errorf("mount point %s is not directly within mount root %s", cleanPath, cleanRoot)
	}

	return nil
}
