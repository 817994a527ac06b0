package packager

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var errEntryNotFound = errors.New("entry not found in archive")

// createArchive packs the staging tree rooted at sourceDir into a tar.gz
// archive at destination, preserving relative paths and file modes.
func createArchive(sourceDir, destination string) error {
	out, err := os.Create(filepath.Clean(destination))
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	gzipWriter := gzip.NewWriter(out)
	tarWriter := tar.NewWriter(gzipWriter)

	walkErr := filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		relative, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}

		header.Name = filepath.ToSlash(relative)

		if err = tarWriter.WriteHeader(header); err != nil {
			return err
		}

		file, err := os.Open(filepath.Clean(path))
		if err != nil {
			return err
		}

		_, copyErr := io.Copy(tarWriter, file)
		closeErr := file.Close()

		if copyErr != nil {
			return copyErr
		}

		return closeErr
	})

	if walkErr != nil {
		_ = tarWriter.Close()
		_ = gzipWriter.Close()
		_ = out.Close()
		_ = os.Remove(destination)

		return fmt.Errorf("pack staging tree: %w", walkErr)
	}

	if err = tarWriter.Close(); err != nil {
		_ = gzipWriter.Close()
		_ = out.Close()

		return fmt.Errorf("finalize tar stream: %w", err)
	}

	if err = gzipWriter.Close(); err != nil {
		_ = out.Close()

		return fmt.Errorf("finalize gzip stream: %w", err)
	}

	return out.Close()
}

// ExtractFile reads a single entry out of a release archive and returns its
// bytes. The update client uses it to pull the executable out of a verified
// download without unpacking the whole tree.
func ExtractFile(archivePath, entryName string) ([]byte, error) {
	file, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = file.Close()
	}()

	gzipReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("read gzip stream: %w", err)
	}

	defer func() {
		_ = gzipReader.Close()
	}()

	tarReader := tar.NewReader(gzipReader)

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("read tar stream: %w", err)
		}

		if strings.TrimPrefix(filepath.ToSlash(header.Name), "./") != entryName {
			continue
		}

		contents, err := io.ReadAll(tarReader)
		if err != nil {
			return nil, fmt.Errorf("read archive entry %s: %w", entryName, err)
		}

		return contents, nil
	}

	return nil, fmt.Errorf("%s: %w", entryName, errEntryNotFound)
}
