package nodeclient

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rendis/workcell/pkg/schema"
)

// ExtractZip unpacks a zip archive into dest and returns label -> path for
// every entry. Entries are matched to labels through the base names in
// declared (label -> original path); unmatched entries are labeled by their
// name without extension.
//
// Extraction is all-or-nothing: entries are written to a sibling temp
// directory that replaces dest only after every entry was written.
// A positive limit caps the total unpacked size of all entries.
func ExtractZip(r io.Reader, dest string, declared map[string]string, limit int64) (map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, transportErr("read zip body", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, transportErr("open zip body", err)
	}

	byBase := make(map[string]string, len(declared))
	for label, p := range declared {
		byBase[filepath.Base(p)] = label
	}

	var budget *capReader
	if limit > 0 {
		budget = &capReader{left: limit, limit: limit, what: "unpacked zip"}
	}

	files := make(map[string]string, len(zr.File))
	err = stageDir(dest, func(tmp string) error {
		for _, zf := range zr.File {
			if zf.FileInfo().IsDir() {
				continue
			}
			name, err := entryName(zf.Name)
			if err != nil {
				return err
			}
			if err := writeEntry(zf, filepath.Join(tmp, name), budget); err != nil {
				return err
			}
			label, ok := byBase[name]
			if !ok {
				label = strings.TrimSuffix(name, filepath.Ext(name))
			}
			if _, dup := files[label]; dup {
				return schema.NewErrorf(schema.ErrCodeTransport, "zip holds two files for output %q", label)
			}
			files[label] = filepath.Join(dest, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// WriteFileAtomic stores a single file body as dest/name with the same
// all-or-nothing guarantee as ExtractZip.
func WriteFileAtomic(r io.Reader, dest, name string) (string, error) {
	name, err := entryName(name)
	if err != nil {
		return "", err
	}
	err = stageDir(dest, func(tmp string) error {
		return writeFile(r, filepath.Join(tmp, name))
	})
	if err != nil {
		return "", err
	}
	return filepath.Join(dest, name), nil
}

// stageDir runs fill against a fresh temp directory next to dest, then swaps
// it into place. On any error the temp directory is removed and dest is left
// untouched.
func stageDir(dest string, fill func(tmp string) error) (err error) {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return transportErr("create data dir", err)
	}
	tmp, err := os.MkdirTemp(parent, ".extract-")
	if err != nil {
		return transportErr("create staging dir", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tmp)
		}
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := os.RemoveAll(dest); err != nil {
		return transportErr("replace "+dest, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return transportErr("commit "+dest, err)
	}
	return nil
}

// entryName flattens an archive entry to a safe base name.
func entryName(name string) (string, error) {
	clean := filepath.Base(filepath.Clean("/" + filepath.FromSlash(name)))
	if clean == "/" || clean == "." || clean == ".." || clean == string(filepath.Separator) {
		return "", schema.NewErrorf(schema.ErrCodeTransport, "invalid file name %q", name)
	}
	return clean, nil
}

func writeEntry(zf *zip.File, path string, budget *capReader) error {
	if budget != nil && zf.UncompressedSize64 > uint64(budget.left) {
		return budget.exceeded()
	}
	rc, err := zf.Open()
	if err != nil {
		return transportErr(fmt.Sprintf("open zip entry %q", zf.Name), err)
	}
	defer rc.Close()
	if budget == nil {
		return writeFile(rc, path)
	}
	// The header size is advisory; the budget also bounds the bytes actually inflated.
	budget.r = rc
	return writeFile(budget, path)
}

// capReader fails instead of truncating once more than limit bytes were read.
type capReader struct {
	r     io.Reader
	left  int64
	limit int64
	what  string
}

func newCapReader(r io.Reader, limit int64, what string) io.Reader {
	if limit <= 0 {
		return r
	}
	return &capReader{r: r, left: limit, limit: limit, what: what}
}

func (c *capReader) Read(p []byte) (int, error) {
	if int64(len(p)) > c.left+1 {
		p = p[:c.left+1]
	}
	n, err := c.r.Read(p)
	c.left -= int64(n)
	if c.left < 0 {
		return n, c.exceeded()
	}
	return n, err
}

func (c *capReader) exceeded() error {
	return schema.NewErrorf(schema.ErrCodeTransport, "%s exceeds %d bytes", c.what, c.limit)
}

func writeFile(r io.Reader, path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return transportErr("create "+filepath.Base(path), err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return transportErr("write "+filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		return transportErr("close "+filepath.Base(path), err)
	}
	return nil
}
