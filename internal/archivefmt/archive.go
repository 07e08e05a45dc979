// Shoal is a Redfish aggregator service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package archivefmt reads and writes the zstd-compressed tar archive
// format packages are shipped in, with streaming structural validation
// against a Limits policy (spec.md §5).
package archivefmt

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"opm/pkg/pm"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// FormatMagic is the optional 12-byte header written at the front of an
// archive to allow format-version detection without full decompression.
// Bytes 0-3 are the literal "SPV1" tag, bytes 4-7 the format major/minor,
// bytes 8-11 reserved.
var FormatMagic = [4]byte{'S', 'P', 'V', '1'}

// FormatHeader is the parsed content of a FormatMagic-prefixed header.
type FormatHeader struct {
	Major uint16
	Minor uint16
}

// DetectFormat performs a fast check for a leading SPV1 header without
// decompressing the archive body. A missing header is not an error: older
// archives and ones produced by third-party tooling may omit it, in which
// case the caller falls back to reading format_version from the manifest
// after a full extraction.
func DetectFormat(path string) (FormatHeader, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return FormatHeader{}, false, pm.ErrStorageIO(err)
	}
	defer f.Close()

	buf := make([]byte, 12)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF {
		if err == io.EOF {
			return FormatHeader{}, false, nil
		}
		return FormatHeader{}, false, pm.ErrStorageIO(err)
	}
	if n < 12 {
		return FormatHeader{}, false, nil
	}
	if buf[0] != FormatMagic[0] || buf[1] != FormatMagic[1] || buf[2] != FormatMagic[2] || buf[3] != FormatMagic[3] {
		return FormatHeader{}, false, nil
	}
	hdr := FormatHeader{
		Major: uint16(buf[4])<<8 | uint16(buf[5]),
		Minor: uint16(buf[6])<<8 | uint16(buf[7]),
	}
	return hdr, true, nil
}

// Entry is one file extracted from an archive.
type Entry struct {
	Path     string
	Mode     os.FileMode
	Size     int64
	IsDir    bool
	LinkName string // non-empty for symlinks
}

// VisitFunc is called once per validated archive entry, with r positioned
// at the start of the entry's content (r reads EOF immediately for
// directories and symlinks).
type VisitFunc func(entry Entry, r io.Reader) error

// Stream reads a zstd+tar archive from src, validating every entry against
// limits before handing it to visit. Any validation failure aborts the
// stream and returns an InstallError without touching the filesystem; the
// caller is responsible for writing content (Stage does this via casstore).
func Stream(ctx context.Context, src io.Reader, limits Limits, visit VisitFunc) (Totals, error) {
	var totals Totals

	body, err := skipOptionalHeader(src)
	if err != nil {
		return totals, err
	}

	zr, err := zstd.NewReader(body)
	if err != nil {
		return totals, pm.NewError(pm.PackageError, "decompress_open", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		if err := ctx.Err(); err != nil {
			return totals, err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return totals, pm.NewError(pm.PackageError, "tar_read", err)
		}

		if err := ValidatePath(hdr.Name, limits); err != nil {
			return totals, err
		}
		if err := totals.AddEntry(hdr.Size, limits); err != nil {
			return totals, err
		}

		entry := Entry{
			Path:     hdr.Name,
			Mode:     os.FileMode(hdr.Mode),
			Size:     hdr.Size,
			IsDir:    hdr.Typeflag == tar.TypeDir,
			LinkName: hdr.Linkname,
		}
		switch hdr.Typeflag {
		case tar.TypeReg, tar.TypeDir, tar.TypeSymlink:
			if err := visit(entry, io.LimitReader(tr, hdr.Size)); err != nil {
				return totals, err
			}
		default:
			return totals, pm.ErrInstallValidationLimit("special_file").
				WithHint(fmt.Sprintf("entry %q is not a regular file, directory, or symlink", hdr.Name))
		}
	}
	return totals, nil
}

// skipOptionalHeader peeks the first 12 bytes of src: if they carry the
// SPV1 magic, they're consumed and the returned reader starts at the zstd
// stream; otherwise all peeked bytes are replayed unchanged.
func skipOptionalHeader(src io.Reader) (io.Reader, error) {
	buf := make([]byte, 12)
	n, err := io.ReadFull(src, buf)
	if err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return io.MultiReader(bytesReader(buf[:n]), src), nil
		}
		return nil, pm.ErrStorageIO(err)
	}
	if buf[0] == FormatMagic[0] && buf[1] == FormatMagic[1] && buf[2] == FormatMagic[2] && buf[3] == FormatMagic[3] {
		return src, nil
	}
	return io.MultiReader(bytesReader(buf), src), nil
}

// Writer streams files into a zstd+tar archive at dst, writing FormatMagic
// first. Callers add entries with WriteFile/WriteDir/WriteSymlink and must
// call Close to flush the tar and zstd trailers.
type Writer struct {
	zw *zstd.Encoder
	tw *tar.Writer
}

// NewWriter opens an archive writer, writing the SPV1 header and the
// given format version before any archive content.
func NewWriter(dst io.Writer, format FormatHeader) (*Writer, error) {
	hdr := make([]byte, 12)
	copy(hdr[0:4], FormatMagic[:])
	hdr[4] = byte(format.Major >> 8)
	hdr[5] = byte(format.Major)
	hdr[6] = byte(format.Minor >> 8)
	hdr[7] = byte(format.Minor)
	if _, err := dst.Write(hdr); err != nil {
		return nil, pm.ErrStorageIO(err)
	}

	zw, err := zstd.NewWriter(dst)
	if err != nil {
		return nil, pm.NewError(pm.PackageError, "compress_open", err)
	}
	return &Writer{zw: zw, tw: tar.NewWriter(zw)}, nil
}

// WriteFile adds a regular file entry with content read from r.
func (w *Writer) WriteFile(relPath string, mode os.FileMode, size int64, r io.Reader) error {
	if err := w.tw.WriteHeader(&tar.Header{
		Name:     filepath.ToSlash(relPath),
		Typeflag: tar.TypeReg,
		Mode:     int64(mode.Perm()),
		Size:     size,
	}); err != nil {
		return pm.ErrStorageIO(err)
	}
	if _, err := io.Copy(w.tw, r); err != nil {
		return pm.ErrStorageIO(err)
	}
	return nil
}

// WriteDir adds a directory entry.
func (w *Writer) WriteDir(relPath string, mode os.FileMode) error {
	if err := w.tw.WriteHeader(&tar.Header{
		Name:     filepath.ToSlash(relPath) + "/",
		Typeflag: tar.TypeDir,
		Mode:     int64(mode.Perm()),
	}); err != nil {
		return pm.ErrStorageIO(err)
	}
	return nil
}

// WriteSymlink adds a symlink entry pointing at target.
func (w *Writer) WriteSymlink(relPath, target string) error {
	if err := w.tw.WriteHeader(&tar.Header{
		Name:     filepath.ToSlash(relPath),
		Typeflag: tar.TypeSymlink,
		Linkname: target,
		Mode:     0777,
	}); err != nil {
		return pm.ErrStorageIO(err)
	}
	return nil
}

// Close flushes and closes the tar and zstd layers, in that order.
func (w *Writer) Close() error {
	if err := w.tw.Close(); err != nil {
		return pm.ErrStorageIO(err)
	}
	if err := w.zw.Close(); err != nil {
		return pm.ErrStorageIO(err)
	}
	return nil
}
