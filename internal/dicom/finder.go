package dicom

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Extensions are common DICOM file extensions
var Extensions = []string{".dcm", ".dicom"}

// ExcludedNames are filenames to skip
var ExcludedNames = map[string]bool{
	"DICOMDIR":    true,
	".DS_Store":   true,
	"Thumbs.db":   true,
	"desktop.ini": true,
}

// ExcludedExtensions are file extensions to skip
var ExcludedExtensions = map[string]bool{
	".json": true,
	".yaml": true,
	".yml":  true,
	".xml":  true,
	".txt":  true,
	".md":   true,
	".log":  true,
	".csv":  true,
	".zip":  true,
	".gz":   true,
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".pdf":  true,
	".part": true, // receivers still writing
	".tmp":  true,
}

// FindFiles finds all DICOM files under root. Directories starting with a
// dot (the gateway's own .failed and .rejected folders) are skipped.
func FindFiles(root string, recursive bool) ([]string, error) {
	var files []string

	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip files we can't access
		}

		if d.IsDir() {
			if path == root {
				return nil
			}
			if !recursive || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}

		if IsCandidate(path) {
			files = append(files, path)
		}
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return nil, err
	}

	sort.Strings(files)
	return files, nil
}

// IsCandidate reports whether path looks like a DICOM file: a known extension,
// or no excluded extension and the DICM preamble.
func IsCandidate(path string) bool {
	name := filepath.Base(path)
	if ExcludedNames[name] || strings.HasPrefix(name, ".") {
		return false
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ExcludedExtensions[ext] {
		return false
	}
	for _, de := range Extensions {
		if ext == de {
			return true
		}
	}
	return hasMagicBytes(path)
}

// hasMagicBytes checks if a file has the DICOM magic bytes ("DICM" at offset 128)
func hasMagicBytes(path string) bool {
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	defer file.Close()

	header := make([]byte, 132)
	if _, err := io.ReadFull(file, header); err != nil {
		return false
	}
	return string(header[128:132]) == "DICM"
}
