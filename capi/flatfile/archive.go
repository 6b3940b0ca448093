package flatfile

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/ulikunitz/xz"
)

// ArchiveTarball packs srcDir into a <prefix><uuid>.tar.xz, stores it in
// both backings under its sha, and returns (filename, sha). The remote
// object is named by sha; the filename travels in the Archive message so
// the receiver can save the pulled copy under a readable name.
func (s *Store) ArchiveTarball(ctx context.Context, prefix, srcDir string) (string, string, error) {
	filename := fmt.Sprintf("%s%s.tar.xz", prefix, uuid.New())

	tmp, err := os.CreateTemp(s.tempDir, "archive-*.tar.xz")
	if err != nil {
		return "", "", fmt.Errorf("creating archive temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := writeTarXZ(tmp, srcDir); err != nil {
		return "", "", fmt.Errorf("archiving %s: %w", srcDir, err)
	}

	content, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", "", fmt.Errorf("reading archive: %w", err)
	}

	var sha string
	if s.remote != nil {
		sha, err = s.PutRemote(ctx, content)
	} else {
		sha, err = s.Put(content)
	}
	if err != nil {
		return "", "", err
	}

	s.logger.Info("archived", lager.Data{
		"filename": filename,
		"sha256":   sha,
		"src":      srcDir,
	})
	return filename, sha, nil
}

func writeTarXZ(w io.Writer, srcDir string) error {
	xzw, err := xz.NewWriter(w)
	if err != nil {
		return fmt.Errorf("starting xz stream: %w", err)
	}
	tw := tar.NewWriter(xzw)

	base := filepath.Base(srcDir)
	err = filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(filepath.Join(base, rel))

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return xzw.Close()
}
