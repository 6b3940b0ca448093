package flatfile_test

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/aixcc-sc/capi/capi/flatfile"
)

type fakeRemote struct {
	name  string
	blobs map[string][]byte
}

func newFakeRemote(name string) *fakeRemote {
	return &fakeRemote{name: name, blobs: map[string][]byte{}}
}

func (r *fakeRemote) Container() string { return r.name }

func (r *fakeRemote) Upload(_ context.Context, name string, content []byte) error {
	r.blobs[name] = append([]byte(nil), content...)
	return nil
}

func (r *fakeRemote) Download(_ context.Context, name string) ([]byte, error) {
	content, ok := r.blobs[name]
	if !ok {
		return nil, fmt.Errorf("no blob %s", name)
	}
	return content, nil
}

func (r *fakeRemote) SignedURL(time.Duration) (string, error) {
	return "https://example.test/" + r.name + "?sig=fake", nil
}

func newStore(t *testing.T, remote flatfile.Remote) *flatfile.Store {
	t.Helper()
	store, err := flatfile.New(lagertest.NewTestLogger("flatfile"), t.TempDir(), t.TempDir(), remote)
	require.NoError(t, err)
	return store
}

func TestPutGetRoundtrip(t *testing.T) {
	store := newStore(t, nil)

	content := []byte("fake\n")
	sha, err := store.Put(content)
	require.NoError(t, err)
	require.Len(t, sha, 64)

	again, err := store.Put(content)
	require.NoError(t, err)
	require.Equal(t, sha, again)

	got, err := store.Get(sha)
	require.NoError(t, err)
	require.Equal(t, content, got)
}

func TestGetUnknownSHA(t *testing.T) {
	store := newStore(t, nil)

	_, err := store.Get(strings.Repeat("a", 64))
	require.ErrorIs(t, err, flatfile.ErrNotFound)

	_, err = store.Get("../../../etc/passwd")
	require.ErrorIs(t, err, flatfile.ErrNotFound)
}

func TestRemoteRoundtrip(t *testing.T) {
	remote := newFakeRemote("worker-team")
	store := newStore(t, remote)

	sha, err := store.PutRemote(context.Background(), []byte("pov bytes"))
	require.NoError(t, err)
	require.Contains(t, remote.blobs, sha)

	fresh := newStore(t, remote)
	got, err := fresh.GetRemote(context.Background(), sha)
	require.NoError(t, err)
	require.Equal(t, []byte("pov bytes"), got)

	// pulled blobs get cached in the local backing
	cached, err := fresh.Get(sha)
	require.NoError(t, err)
	require.Equal(t, got, cached)
}

func TestNoRemoteConfigured(t *testing.T) {
	store := newStore(t, nil)

	_, err := store.PutRemote(context.Background(), []byte("x"))
	require.ErrorIs(t, err, flatfile.ErrNoRemote)

	_, err = store.SignedURL(time.Hour)
	require.ErrorIs(t, err, flatfile.ErrNoRemote)
}

func TestExportImport(t *testing.T) {
	store := newStore(t, nil)

	sha, err := store.Put([]byte("patch contents"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "patch.diff")
	require.NoError(t, store.Export(sha, dest))

	back, err := store.Import(dest)
	require.NoError(t, err)
	require.Equal(t, sha, back)
}

func TestSaveOutputCollisions(t *testing.T) {
	store := newStore(t, nil)

	first, err := store.SaveOutput("out.tar.xz", []byte("one"))
	require.NoError(t, err)
	require.Equal(t, "out.tar.xz", filepath.Base(first))

	second, err := store.SaveOutput("out.tar.xz", []byte("two"))
	require.NoError(t, err)
	require.Equal(t, "out_copy1.tar.xz", filepath.Base(second))

	third, err := store.SaveOutput("out.tar.xz", []byte("three"))
	require.NoError(t, err)
	require.Equal(t, "out_copy2.tar.xz", filepath.Base(third))

	content, err := os.ReadFile(first)
	require.NoError(t, err)
	require.Equal(t, []byte("one"), content)
}

func TestArchiveTarball(t *testing.T) {
	remote := newFakeRemote("worker-team")
	store := newStore(t, remote)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "stdout.log"), []byte("BCSAN triggered\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "stderr.log"), []byte(""), 0o644))

	filename, sha, err := store.ArchiveTarball(context.Background(), "fakecp-", src)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(filename, "fakecp-"))
	require.True(t, strings.HasSuffix(filename, ".tar.xz"))
	require.Contains(t, remote.blobs, sha)

	content, err := store.Get(sha)
	require.NoError(t, err)

	xzr, err := xz.NewReader(bytes.NewReader(content))
	require.NoError(t, err)
	tr := tar.NewReader(xzr)

	names := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		body, err := io.ReadAll(tr)
		require.NoError(t, err)
		names[hdr.Name] = string(body)
	}

	base := filepath.Base(src)
	require.Equal(t, "BCSAN triggered\n", names[base+"/stdout.log"])
	require.Contains(t, names, base+"/nested/stderr.log")
}
