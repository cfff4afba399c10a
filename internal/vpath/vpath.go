// Package vpath expands client virtual paths into local absolute paths and
// maps the shared namespace root onto each store's own root directory.
package vpath

import (
	"errors"
	"path"
	"strings"
)

// ErrNoHome is returned when a '~' path is resolved without a home directory.
var ErrNoHome = errors.New("home directory is not set")

// ErrBadFilename is returned for a filename that is empty or contains a
// path separator.
var ErrBadFilename = errors.New("invalid filename")

// Resolve expands a leading '~' to home. Other paths are returned unchanged.
func Resolve(virtualPath, home string) (string, error) {
	if !strings.HasPrefix(virtualPath, "~") {
		return virtualPath, nil
	}
	if home == "" {
		return "", ErrNoHome
	}
	return home + virtualPath[1:], nil
}

// RewriteRoot replaces the first path segment equal to from with to and
// reports whether a replacement happened. Prefix and suffix segments are
// kept as they are, including repeated or trailing separators. When no
// segment matches the input is returned as is.
func RewriteRoot(absPath, from, to string) (string, bool) {
	if from == "" {
		return absPath, false
	}
	segs := strings.Split(absPath, "/")
	for i, s := range segs {
		if s == from {
			segs[i] = to
			return strings.Join(segs, "/"), true
		}
	}
	return absPath, false
}

// UnderRoot reports whether the first segment of a virtual path, after a
// leading '~' and separators, is root.
func UnderRoot(virtualPath, root string) bool {
	p := strings.TrimPrefix(virtualPath, "~")
	p = strings.TrimLeft(p, "/")
	first, _, _ := strings.Cut(p, "/")
	return root != "" && first == root
}

// JoinFile resolves a destination directory and appends a bare filename.
func JoinFile(destDir, filename, home string) (string, error) {
	if filename == "" || strings.ContainsRune(filename, '/') || filename == "." || filename == ".." {
		return "", ErrBadFilename
	}
	dir, err := Resolve(destDir, home)
	if err != nil {
		return "", err
	}
	return path.Join(dir, filename), nil
}

// Base returns the final segment of p.
func Base(p string) string {
	return path.Base(p)
}
