// Package compression bundles several files into one tar.zst payload and extracts fetched bundles.
package compression

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/command"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
)

// ContentType is the MIME type uploaded bundles are tagged with.
const ContentType = "application/zstd"

// Extension ...
const Extension = ".tar.zst"

// ArchiveDependencyChecker ...
type ArchiveDependencyChecker interface {
	CheckDependencies() bool
}

// DependencyChecker looks for the tar and zstd binaries on the PATH.
type DependencyChecker struct {
	logger  log.Logger
	envRepo env.Repository
}

// NewDependencyChecker ...
func NewDependencyChecker(logger log.Logger, envRepo env.Repository) *DependencyChecker {
	return &DependencyChecker{
		logger:  logger,
		envRepo: envRepo,
	}
}

// CheckDependencies ...
func (dc *DependencyChecker) CheckDependencies() bool {
	return dc.checkDependency("tar") && dc.checkDependency("zstd")
}

func (dc *DependencyChecker) checkDependency(binaryName string) bool {
	cmdFactory := command.NewFactory(dc.envRepo)
	cmd := cmdFactory.Create("which", []string{binaryName}, nil)
	dc.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	_, err := cmd.RunAndReturnTrimmedCombinedOutput()
	return err == nil
}

// Bundler creates and extracts tar.zst bundles, with the installed binaries when available.
type Bundler struct {
	logger            log.Logger
	envRepo           env.Repository
	dependencyChecker ArchiveDependencyChecker
}

// NewBundler ...
func NewBundler(logger log.Logger, envRepo env.Repository, dependencyChecker ArchiveDependencyChecker) *Bundler {
	return &Bundler{
		logger:            logger,
		envRepo:           envRepo,
		dependencyChecker: dependencyChecker,
	}
}

// Bundle writes the files and folders of paths into archivePath.
// Entries are stored relative to baseDir, every path has to be inside it.
func (b *Bundler) Bundle(archivePath string, baseDir string, paths []string) error {
	relPaths, err := relativePaths(baseDir, paths)
	if err != nil {
		return err
	}

	if !b.dependencyChecker.CheckDependencies() {
		b.logger.Infof("Falling back to native implementation of zstd.")
		if err := b.bundleWithGoLib(archivePath, baseDir, relPaths); err != nil {
			return fmt.Errorf("bundle files: %w", err)
		}
		return nil
	}

	b.logger.Infof("Using installed zstd binary")
	if err := b.bundleWithBinary(archivePath, baseDir, relPaths); err != nil {
		return fmt.Errorf("bundle files: %w", err)
	}
	return nil
}

// Extract unpacks a bundle into destinationDirectory.
func (b *Bundler) Extract(archivePath string, destinationDirectory string) error {
	if err := os.MkdirAll(destinationDirectory, 0755); err != nil {
		return fmt.Errorf("create destination: %w", err)
	}

	if !b.dependencyChecker.CheckDependencies() {
		b.logger.Infof("Falling back to native implementation of zstd.")
		if err := b.extractWithGoLib(archivePath, destinationDirectory); err != nil {
			return fmt.Errorf("extract bundle: %w", err)
		}
		return nil
	}

	b.logger.Infof("Using installed zstd binary")
	if err := b.extractWithBinary(archivePath, destinationDirectory); err != nil {
		return fmt.Errorf("extract bundle: %w", err)
	}
	return nil
}

func relativePaths(baseDir string, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, errors.New("no paths to bundle")
	}

	base, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base dir: %w", err)
	}

	rel := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		r, err := filepath.Rel(base, abs)
		if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("%s is outside of %s", p, baseDir)
		}
		rel = append(rel, r)
	}
	return rel, nil
}

func (b *Bundler) bundleWithGoLib(archivePath string, baseDir string, relPaths []string) (err error) {
	archive, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if closeErr := archive.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", closeErr)
		}
	}()

	zstdWriter, err := zstd.NewWriter(archive)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zstdWriter)

	for _, rel := range relPaths {
		root := filepath.Join(baseDir, rel)
		if err := filepath.Walk(root, func(file string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			return b.addToTar(tw, baseDir, file, fi)
		}); err != nil {
			return fmt.Errorf("iterate on files: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func (b *Bundler) addToTar(tw *tar.Writer, baseDir string, file string, fi os.FileInfo) error {
	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(file); err != nil {
			return fmt.Errorf("read symlink: %w", err)
		}
	}

	header, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("create file info header: %w", err)
	}
	name, err := filepath.Rel(baseDir, file)
	if err != nil {
		return fmt.Errorf("relative name of %s: %w", file, err)
	}
	header.Name = filepath.ToSlash(name)
	if fi.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar file header: %w", err)
	}

	// nothing more to do for non-regular files or directories
	if !fi.Mode().IsRegular() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	if _, err := io.Copy(tw, data); err != nil {
		_ = data.Close()
		return fmt.Errorf("copy to archive: %w", err)
	}
	if err := data.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	b.logger.Debugf("Added %s", header.Name)
	return nil
}

func (b *Bundler) bundleWithBinary(archivePath string, baseDir string, relPaths []string) error {
	absArchivePath, err := filepath.Abs(archivePath)
	if err != nil {
		return fmt.Errorf("resolve archive path: %w", err)
	}

	/*
		tar arguments:
		--use-compress-program: Pipe the output to zstd instead of using the built-in gzip compression
		-c: Create archive
		-f: Output file
		-C: Store entries relative to the base dir
	*/
	tarArgs := []string{
		"--use-compress-program", "zstd --threads=0", // Use CPU count threads
		"-c",
		"-f", absArchivePath,
		"-C", baseDir,
	}
	tarArgs = append(tarArgs, relPaths...)

	return b.runTar(tarArgs)
}

func (b *Bundler) extractWithGoLib(archivePath string, destinationDirectory string) error {
	compressedFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("read file %s: %w", archivePath, err)
	}
	defer compressedFile.Close() //nolint:errcheck

	zr, err := zstd.NewReader(compressedFile)
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("read tar file: %w", err)
		}

		target, err := extractTarget(destinationDirectory, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return fmt.Errorf("create target directories: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("create parent directories: %w", err)
			}
			fileToWrite, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(header.Mode))
			if err != nil {
				return fmt.Errorf("create file: %w", err)
			}
			if _, err := io.Copy(fileToWrite, tr); err != nil {
				_ = fileToWrite.Close()
				return fmt.Errorf("copy content to file: %w", err)
			}
			// closed per file, a deferred close would keep every file open until the end
			if err := fileToWrite.Close(); err != nil {
				return fmt.Errorf("write file: %w", err)
			}
		case tar.TypeSymlink:
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("symlink file: %w", err)
			}
		}
	}
	return nil
}

// extractTarget resolves an entry name inside destinationDirectory, rejecting entries that would escape it.
func extractTarget(destinationDirectory, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("illegal entry in bundle: %s", name)
	}
	return filepath.Join(destinationDirectory, clean), nil
}

func (b *Bundler) extractWithBinary(archivePath string, destinationDirectory string) error {
	/*
		tar arguments:
		--use-compress-program: Pipe the input to zstd instead of using the built-in gzip compression
		-x: Extract archive
		-f: Input file
		--directory: Extract into the destination
	*/
	return b.runTar([]string{
		"--use-compress-program", "zstd -d",
		"-x",
		"-f", archivePath,
		"--directory", destinationDirectory,
	})
}

func (b *Bundler) runTar(args []string) error {
	cmd := command.NewFactory(b.envRepo).Create("tar", args, nil)
	b.logger.Debugf("$ %s", cmd.PrintableCommandArgs())

	out, err := cmd.RunAndReturnTrimmedCombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command failed with exit status %d (%s):\n%w", exitErr.ExitCode(), cmd.PrintableCommandArgs(), errors.New(out))
		}
		return fmt.Errorf("executing command failed (%s): %w", cmd.PrintableCommandArgs(), err)
	}

	return nil
}

// AreAllPathsEmpty checks if the provided paths are all nonexistent files or empty directories
func AreAllPathsEmpty(includePaths []string) bool {
	for _, path := range includePaths {
		fileInfo, err := os.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			continue
		}

		if !fileInfo.IsDir() {
			return false
		}

		dir, err := os.Open(path)
		if err != nil {
			continue
		}
		_, err = dir.Readdirnames(1) // query only 1 child
		_ = dir.Close()
		if err == nil {
			return false
		}
	}

	return true
}
