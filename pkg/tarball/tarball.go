// Package tarball provides the gzip-tarball encode/decode primitives. The
// Tarball service (spec.md §4.2) uses the encode half to produce a source
// tarball for a checkout; no package in this module calls the decode half
// (DecodeTarball). Adapted near-verbatim from the
// teacher's pkg/tarball, which only ever needed the decode half; this
// module also produces tarballs, so the encode half (DirToTarball) is kept
// and exercised for the first time here.
package tarball

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// DecodeTarball takes a reader and a base directory, and extracts a gzipped
// tarball rooted on the given directory. If there is an error, the input
// may only be partially consumed. Only directories, regular files and
// symlinks are supported.
func DecodeTarball(reader io.Reader, baseDir string) error {
	gzStream, err := gzip.NewReader(reader)
	if err != nil {
		return errors.Wrap(err, "couldn't uncompress reader")
	}
	defer gzStream.Close()

	tarchive := tar.NewReader(gzStream)
	for {
		header, err := tarchive.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "couldn't opening tarball from gzip")
		}
		name := path.Clean(header.Name)

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(filepath.Join(baseDir, name), os.FileMode(header.Mode)); err != nil {
				return errors.Wrap(err, "error decoding tarball for result (mkdir)")
			}
		case tar.TypeReg:
			filePath := filepath.Join(baseDir, name)
			if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
				return errors.Wrap(err, "error decoding tarball for result (mkdir)")
			}
			file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode))
			if err != nil {
				return errors.Wrap(err, "error decoding tarball for result (open)")
			}
			if _, err := io.CopyN(file, tarchive, header.Size); err != nil {
				file.Close()
				return errors.Wrap(err, "error decoding tarball for result (copy)")
			}
			file.Close()
		case tar.TypeSymlink:
			if !noTraversal(name, baseDir) {
				return errors.Errorf("unsafe symlink detected in name: %v", name)
			}
			filePath := filepath.Join(baseDir, name)
			if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
				return errors.Wrap(err, "error decoding tarball for result (mkdir)")
			}
			if err := os.Symlink(
				filepath.Join(baseDir, path.Clean(header.Linkname)),
				filepath.Join(baseDir, name),
			); err != nil {
				return errors.Wrap(err, "error decoding tarball for result (ln)")
			}
		default:
		}
	}

	return nil
}

// noTraversal is an ultra-slimmed down check to avoid traversals outside
// the destination folder when decoding a symlink entry.
func noTraversal(candidate, target string) bool {
	if filepath.IsAbs(candidate) {
		return false
	}
	return !strings.Contains(candidate, "..")
}

// DirToTarball tars up an entire directory and outputs the tarball to the
// specified output path, gzipping it. This is how the Tarball service
// produces the source tarball it uploads to the Blob Store for a checkout
// (spec.md §4.2).
func DirToTarball(dir, outpath string) error {
	if _, err := os.Stat(dir); err != nil {
		return errors.Wrapf(err, "tar unable to stat directory %v", dir)
	}

	outfile, err := os.Create(outpath)
	if err != nil {
		return errors.Wrapf(err, "creating tarball %v", outpath)
	}
	defer outfile.Close()

	gzw := gzip.NewWriter(outfile)
	defer gzw.Close()
	tw := tar.NewWriter(gzw)
	defer tw.Close()

	return filepath.Walk(dir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if filepath.Clean(file) == filepath.Clean(dir) {
			return nil
		}

		if !fi.Mode().IsRegular() && !fi.Mode().IsDir() {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return errors.Wrapf(err, "creating file info header %v", fi.Name())
		}

		header.Name = strings.TrimPrefix(path.Clean(filepath.ToSlash(strings.Replace(file, dir, "", -1))), "/")
		if err := tw.WriteHeader(header); err != nil {
			return errors.Wrapf(err, "writing header for tarball %v", header.Name)
		}

		if !fi.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(file)
		if err != nil {
			return errors.Wrapf(err, "opening file %v for writing into tarball", file)
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return errors.Wrapf(err, "creating file %v contents into tarball", file)
	})
}
