// Package selection resolves the files a user picked for upload.
package selection

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"

	"github.com/udl-tools/go-uploadkit/upload"
)

// File is a selected regular file.
type File struct {
	Path        string
	Size        int64
	ContentType string
}

// Selector expands path patterns into existing absolute paths.
type Selector struct {
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
}

// NewSelector ...
func NewSelector(logger log.Logger, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker) *Selector {
	return &Selector{
		logger:       logger,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
	}
}

// Evaluate expands wildcard patterns, resolves ~ and environment variables, and drops paths that don't exist.
// The result is sorted and free of duplicates. Selecting nothing is a validation error.
func (s *Selector) Evaluate(patterns []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range patterns {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := s.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			s.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			s.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := s.pathModifier.AbsPath(path)
		if err != nil {
			s.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := s.pathChecker.IsPathExists(absPath)
		if err != nil {
			s.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			s.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}

		if !seen[absPath] {
			seen[absPath] = true
			finalPaths = append(finalPaths, absPath)
		}
	}

	if len(finalPaths) == 0 {
		return nil, upload.NewValidationError("please select a file first")
	}
	sort.Strings(finalPaths)
	return finalPaths, nil
}

// Describe returns the size and content type of a regular file.
func Describe(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, err
	}
	if !info.Mode().IsRegular() {
		return File{}, upload.NewValidationError("%s is not a regular file", path)
	}

	contentType, err := DetectContentType(path)
	if err != nil {
		return File{}, err
	}

	return File{Path: path, Size: info.Size(), ContentType: contentType}, nil
}

// DetectContentType guesses the MIME type by file extension, falling back to sniffing the first 512 bytes.
func DetectContentType(path string) (string, error) {
	if byExt := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); byExt != "" {
		return byExt, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	head := make([]byte, 512)
	n, err := io.ReadFull(file, head)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return http.DetectContentType(head[:n]), nil
}

// CommonDir returns the deepest directory containing every path.
func CommonDir(paths []string) string {
	if len(paths) == 0 {
		return ""
	}

	common := filepath.Dir(paths[0])
	if len(paths) == 1 {
		return common
	}
	for _, p := range paths[1:] {
		for !isWithin(common, p) {
			parent := filepath.Dir(common)
			if parent == common {
				return common
			}
			common = parent
		}
	}
	return common
}

func isWithin(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Checksum returns the hex encoded SHA-256 of a file.
func Checksum(path string) (string, error) {
	hash := sha256.New()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	_, err = io.Copy(hash, file)
	if err != nil {
		return "", err
	}

	return hex.EncodeToString(hash.Sum(nil)), nil
}
