package raycloud

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Load reads a cloud from disk, choosing the decoder by file extension
// (.ply or .pcd).
func Load(path string) (*Cloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cloud: %w", err)
	}
	defer func() { _ = f.Close() }()

	var c *Cloud
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ply":
		c, err = ReadPLY(f)
	case ".pcd":
		c, err = ReadPCD(f)
	default:
		return nil, fmt.Errorf("unsupported cloud format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}

// Save writes c to disk in the format implied by the file extension.
// PLY output is binary little endian.
func Save(path string, c *Cloud) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating cloud file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".ply":
		err = WritePLY(f, c, PLYBinary)
	case ".pcd":
		err = WritePCD(f, c)
	default:
		err = fmt.Errorf("unsupported cloud format %q", filepath.Ext(path))
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("saving %s: %w", path, err)
	}
	return nil
}

// Stub returns path without its extension.
func Stub(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}

// AlignedPath names the output of an alignment run: "<stub>_aligned<ext>".
func AlignedPath(path string) string {
	ext := filepath.Ext(path)
	if ext == "" {
		ext = ".ply"
	}
	return Stub(path) + "_aligned" + ext
}
