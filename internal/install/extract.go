package install

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"toolpin/internal/toolerr"
	"toolpin/internal/tools"
)

func extractArchive(ctx context.Context, format tools.ArchiveFormat, archivePath, dest string) error {
	switch format {
	case tools.FormatZip:
		return extractZip(ctx, archivePath, dest)
	case tools.FormatTarGz, tools.FormatTarXz, tools.FormatTarZst:
		return extractTar(ctx, format, archivePath, dest)
	default:
		return toolerr.Newf(toolerr.KindArchiveCorrupt, "unpack", "unsupported archive format %q", format)
	}
}

func corrupt(format string, args ...any) error {
	return toolerr.Newf(toolerr.KindArchiveCorrupt, "unpack", format, args...)
}

func writeFailed(op string, err error) error {
	return toolerr.FromFS(toolerr.KindPermissionDenied, op, err)
}

func extractTar(ctx context.Context, format tools.ArchiveFormat, archivePath, dest string) error {
	file, err := os.Open(archivePath)
	if err != nil {
		return toolerr.FromFS(toolerr.KindArchiveCorrupt, "open archive", err)
	}
	defer file.Close()

	var stream io.Reader
	switch format {
	case tools.FormatTarGz:
		gz, err := gzip.NewReader(file)
		if err != nil {
			return corrupt("open gzip stream: %v", err)
		}
		defer gz.Close()
		stream = gz
	case tools.FormatTarXz:
		xzr, err := xz.NewReader(file)
		if err != nil {
			return corrupt("open xz stream: %v", err)
		}
		stream = xzr
	case tools.FormatTarZst:
		zr, err := zstd.NewReader(file)
		if err != nil {
			return corrupt("open zstd stream: %v", err)
		}
		defer zr.Close()
		stream = zr
	}
	return untarStream(ctx, stream, dest)
}

func untarStream(ctx context.Context, r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	entries := 0
	for {
		if err := ctx.Err(); err != nil {
			return toolerr.New(toolerr.KindInterrupted, "unpack", err)
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return corrupt("read tar entry: %v", err)
		}
		entries++

		switch hdr.Typeflag {
		case tar.TypeXGlobalHeader, tar.TypeXHeader:
			continue
		}
		target, rel, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if rel == "." {
			continue
		}
		if err := checkParents(dest, rel, hdr.Typeflag == tar.TypeDir); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr.FileInfo().Mode())); err != nil {
				return writeFailed("create directory", err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLink(rel, hdr.Linkname); err != nil {
				return err
			}
			if err := makeSymlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeLink:
			source, sourceRel, err := safeJoin(dest, hdr.Linkname)
			if err != nil {
				return err
			}
			if err := checkParents(dest, sourceRel, false); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return writeFailed("prepare link", err)
			}
			if err := os.Link(source, target); err != nil {
				return corrupt("hard link %s -> %s: %v", hdr.Name, hdr.Linkname, err)
			}
		default:
			// Devices and fifos have no place in a toolchain.
			continue
		}
	}
	if entries == 0 {
		return corrupt("archive is empty")
	}
	return nil
}

func extractZip(ctx context.Context, archivePath, dest string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return corrupt("open zip: %v", err)
	}
	defer reader.Close()
	if len(reader.File) == 0 {
		return corrupt("archive is empty")
	}

	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return toolerr.New(toolerr.KindInterrupted, "unpack", err)
		}
		target, rel, err := safeJoin(dest, file.Name)
		if err != nil {
			return err
		}
		if rel == "." {
			continue
		}
		mode := file.Mode()
		if err := checkParents(dest, rel, mode.IsDir()); err != nil {
			return err
		}
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, dirMode(mode)); err != nil {
				return writeFailed("create directory", err)
			}
		case mode&os.ModeSymlink != 0:
			linkname, err := readZipLink(file)
			if err != nil {
				return err
			}
			if err := checkLink(rel, linkname); err != nil {
				return err
			}
			if err := makeSymlink(linkname, target); err != nil {
				return err
			}
		default:
			rc, err := file.Open()
			if err != nil {
				return corrupt("open zip entry %s: %v", file.Name, err)
			}
			err = writeFile(target, rc, mode)
			rc.Close()
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func readZipLink(file *zip.File) (string, error) {
	rc, err := file.Open()
	if err != nil {
		return "", corrupt("open zip entry %s: %v", file.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, 4096))
	if err != nil {
		return "", corrupt("read zip link %s: %v", file.Name, err)
	}
	return string(data), nil
}

// writeFile copies r into target. Read failures mean a damaged archive;
// write failures keep their filesystem classification.
func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return writeFailed("prepare file", err)
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	// A later member replaces an earlier symlink instead of writing through it.
	if info, err := os.Lstat(target); err == nil && info.Mode()&os.ModeSymlink != 0 {
		if err := os.Remove(target); err != nil {
			return writeFailed("replace symlink", err)
		}
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o200)
	if err != nil {
		return writeFailed("create file", err)
	}
	_, copyErr := io.Copy(trackedWriter{out}, readerOnly{r})
	closeErr := out.Close()
	if copyErr != nil {
		var we *writeErr
		if errors.As(copyErr, &we) {
			return writeFailed("write file", we.err)
		}
		return corrupt("read %s: %v", filepath.Base(target), copyErr)
	}
	if closeErr != nil {
		return writeFailed("close file", closeErr)
	}
	return nil
}

// readerOnly hides WriterTo so io.Copy goes through trackedWriter.
type readerOnly struct{ io.Reader }

// trackedWriter marks write failures so they are not mistaken for a
// damaged archive.
type trackedWriter struct{ w io.Writer }

func (t trackedWriter) Write(p []byte) (int, error) {
	n, err := t.w.Write(p)
	if err != nil {
		return n, &writeErr{err: err}
	}
	return n, nil
}

type writeErr struct{ err error }

func (e *writeErr) Error() string { return e.err.Error() }
func (e *writeErr) Unwrap() error { return e.err }

func makeSymlink(linkname, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return writeFailed("prepare symlink", err)
	}
	_ = os.Remove(target)
	if err := os.Symlink(linkname, target); err != nil {
		return writeFailed("create symlink", err)
	}
	return nil
}

// safeJoin resolves an archive member name under root, rejecting absolute
// names and names that climb out of root.
func safeJoin(root, name string) (target, rel string, err error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || filepath.VolumeName(clean) != "" || strings.HasPrefix(name, "/") {
		return "", "", corrupt("absolute path in archive: %q", name)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", "", corrupt("path escapes archive root: %q", name)
	}
	return filepath.Join(root, clean), clean, nil
}

// checkLink rejects symlinks whose target resolves outside the archive root.
func checkLink(rel, linkname string) error {
	if linkname == "" {
		return corrupt("empty symlink target for %q", rel)
	}
	if filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return corrupt("symlink %q points to absolute path %q", rel, linkname)
	}
	resolved := filepath.Clean(filepath.Join(filepath.Dir(rel), filepath.FromSlash(linkname)))
	if resolved == ".." || strings.HasPrefix(resolved, ".."+string(filepath.Separator)) {
		return corrupt("symlink %q escapes archive root via %q", rel, linkname)
	}
	return nil
}

// checkParents rejects a member whose path passes through a symlink already
// unpacked under root. With self set, the member's own path must not be a
// symlink either.
func checkParents(root, rel string, self bool) error {
	parts := strings.Split(rel, string(filepath.Separator))
	if !self {
		parts = parts[:len(parts)-1]
	}
	current := root
	for _, part := range parts {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return writeFailed("inspect "+part, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return corrupt("member %q passes through symlink %q", rel, filepath.ToSlash(strings.TrimPrefix(current, root+string(filepath.Separator))))
		}
	}
	return nil
}

func dirMode(mode os.FileMode) os.FileMode {
	return mode.Perm() | 0o700
}
