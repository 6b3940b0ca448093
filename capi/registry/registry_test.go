package registry_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"

	"github.com/aixcc-sc/capi/capi/registry"
)

func commitFile(t *testing.T, repo *git.Repository, dir, name, content string) string {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add(name)
	require.NoError(t, err)

	hash, err := wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return hash.String()
}

func initSource(t *testing.T, cpDir, name string) (*git.Repository, string) {
	t.Helper()

	dir := filepath.Join(cpDir, "src", name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	return repo, dir
}

func writeProject(t *testing.T, cpDir, yaml string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(cpDir, "project.yaml"), []byte(yaml), 0o644))
}

const fakecpYAML = `cp_name: "Mock CP"
docker_image: ghcr.io/example/fakecp:latest
sanitizers:
  id_1: "BCSAN"
  id_2: "LAMESAN"
harnesses:
  id_1:
    name: test_harness
cp_sources:
  primary:
    ref: master
`

func TestLoadSkipsIncompleteDirs(t *testing.T) {
	root := t.TempDir()

	cpDir := filepath.Join(root, "fakecp")
	require.NoError(t, os.MkdirAll(cpDir, 0o755))
	writeProject(t, cpDir, fakecpYAML)
	repo, srcDir := initSource(t, cpDir, "primary")
	commitFile(t, repo, srcDir, "main.c", "int main() {}\n")

	// no project.yaml
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty"), 0o755))
	// project.yaml without sources
	noSources := filepath.Join(root, "nosources")
	require.NoError(t, os.MkdirAll(noSources, 0o755))
	writeProject(t, noSources, "cp_name: nope\n")

	reg, err := registry.Load(lagertest.NewTestLogger("registry"), root)
	require.NoError(t, err)

	require.True(t, reg.Has("Mock CP"))
	require.False(t, reg.Has("nope"))
	require.Equal(t, []string{"Mock CP"}, reg.Names())

	cp, ok := reg.Get("Mock CP")
	require.True(t, ok)
	require.Equal(t, "BCSAN", cp.Sanitizers["id_1"])
	require.Equal(t, "test_harness", cp.Harnesses["id_1"].Name)
	require.Equal(t, "master", cp.Sources["primary"].Ref)
}

func TestSourceRefDefault(t *testing.T) {
	root := t.TempDir()
	cpDir := filepath.Join(root, "fakecp")
	require.NoError(t, os.MkdirAll(cpDir, 0o755))
	writeProject(t, cpDir, strings.Replace(fakecpYAML, "    ref: master\n", "", 1))
	repo, srcDir := initSource(t, cpDir, "primary")
	commitFile(t, repo, srcDir, "main.c", "int main() {}\n")

	reg, err := registry.Load(lagertest.NewTestLogger("registry"), root)
	require.NoError(t, err)

	cp, _ := reg.Get("Mock CP")
	require.Equal(t, registry.DefaultRef, cp.Sources["primary"].Ref)
}

func TestSingleSourceOwnsEverything(t *testing.T) {
	root := t.TempDir()
	cpDir := filepath.Join(root, "fakecp")
	require.NoError(t, os.MkdirAll(cpDir, 0o755))
	writeProject(t, cpDir, fakecpYAML)
	repo, srcDir := initSource(t, cpDir, "primary")
	sha := commitFile(t, repo, srcDir, "main.c", "int main() {}\n")

	reg, err := registry.Load(lagertest.NewTestLogger("registry"), root)
	require.NoError(t, err)
	cp, _ := reg.Get("Mock CP")

	source, ok := cp.SourceFromRef(sha)
	require.True(t, ok)
	require.Equal(t, "primary", source)

	ref, ok := cp.HeadRefFromRef(sha)
	require.True(t, ok)
	require.Equal(t, "master", ref)
}

const twoSourceYAML = `cp_name: "Mock CP"
cp_sources:
  primary:
    ref: master
  secondary:
    ref: master
`

func TestMultiSourceProbing(t *testing.T) {
	root := t.TempDir()
	cpDir := filepath.Join(root, "fakecp")
	require.NoError(t, os.MkdirAll(cpDir, 0o755))
	writeProject(t, cpDir, twoSourceYAML)

	primary, primaryDir := initSource(t, cpDir, "primary")
	commitFile(t, primary, primaryDir, "a.c", "a\n")
	secondary, secondaryDir := initSource(t, cpDir, "secondary")
	commitFile(t, secondary, secondaryDir, "b.c", "b\n")
	target := commitFile(t, secondary, secondaryDir, "c.c", "c\n")

	reg, err := registry.Load(lagertest.NewTestLogger("registry"), root)
	require.NoError(t, err)
	cp, _ := reg.Get("Mock CP")

	source, ok := cp.SourceFromRef(target)
	require.True(t, ok)
	require.Equal(t, "secondary", source)

	// probing must leave both repos on their original HEAD
	for _, repo := range []*git.Repository{primary, secondary} {
		head, err := repo.Head()
		require.NoError(t, err)
		require.True(t, head.Name().IsBranch())
	}

	_, ok = cp.SourceFromRef(strings.Repeat("d", 40))
	require.False(t, ok)
}

func TestIsInitialCommit(t *testing.T) {
	root := t.TempDir()
	cpDir := filepath.Join(root, "fakecp")
	require.NoError(t, os.MkdirAll(cpDir, 0o755))
	writeProject(t, cpDir, fakecpYAML)
	repo, srcDir := initSource(t, cpDir, "primary")
	first := commitFile(t, repo, srcDir, "a.c", "a\n")
	second := commitFile(t, repo, srcDir, "b.c", "b\n")

	reg, err := registry.Load(lagertest.NewTestLogger("registry"), root)
	require.NoError(t, err)
	cp, _ := reg.Get("Mock CP")

	initial, err := cp.IsInitialCommit(first)
	require.NoError(t, err)
	require.True(t, initial)

	initial, err = cp.IsInitialCommit(second)
	require.NoError(t, err)
	require.False(t, initial)

	initial, err = cp.IsInitialCommit(strings.Repeat("e", 40))
	require.NoError(t, err)
	require.False(t, initial)
}
