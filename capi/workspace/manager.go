// Package workspace gives each scoring job an isolated working copy of a
// challenge problem and runs the CP's run.sh commands inside it.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/flatfile"
	"github.com/aixcc-sc/capi/capi/registry"
	"github.com/aixcc-sc/capi/capi/results"
)

const DefaultCommandTimeout = 10 * time.Minute

type ManagerConfig struct {
	TempDir    string
	DockerHost string

	// PullImages controls the docker login/pull during acquire; tests and
	// single-node setups with preloaded images turn it off.
	PullImages bool

	CommandTimeout time.Duration
}

type Manager struct {
	logger lager.Logger
	config ManagerConfig
}

func NewManager(logger lager.Logger, config ManagerConfig) *Manager {
	if config.CommandTimeout == 0 {
		config.CommandTimeout = DefaultCommandTimeout
	}
	return &Manager{
		logger: logger.Session("workspace-manager"),
		config: config,
	}
}

// Acquire copies the CP into a fresh temp directory and prepares the run
// environment. The caller must Release the returned workspace on every
// exit path.
func (m *Manager) Acquire(
	ctx context.Context,
	cp *registry.ChallengeProblem,
	store *flatfile.Store,
	auditor *audit.Auditor,
	reporter *results.Reporter,
) (*Workspace, error) {
	dir, err := os.MkdirTemp(m.config.TempDir, "workspace-")
	if err != nil {
		return nil, fmt.Errorf("creating workspace dir: %w", err)
	}

	if err := copyTree(cp.RootDir, dir); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("copying cp %s: %w", cp.CPName, err)
	}

	env := []string{"DOCKER_IMAGE_NAME=" + cp.DockerImage}
	if m.config.DockerHost != "" {
		env = append(env, "DOCKER_HOST="+m.config.DockerHost)
	}
	if _, err := os.Stat(filepath.Join(dir, ".internal_only")); err == nil {
		env = append(env, fmt.Sprintf("DOCKER_EXTRA_ARGS=-v %s/.internal_only:/.internal_only", dir))
	}

	w := &Workspace{
		logger:         m.logger.Session("workspace", lager.Data{"cp_name": cp.CPName, "dir": dir}),
		cp:             cp,
		store:          store,
		auditor:        auditor,
		reporter:       reporter,
		dir:            dir,
		env:            env,
		commandTimeout: m.config.CommandTimeout,
	}

	if m.config.PullImages {
		if err := m.pullImage(ctx, w, cp.DockerImage); err != nil {
			w.Release()
			return nil, err
		}
	}

	return w, nil
}

func (m *Manager) pullImage(ctx context.Context, w *Workspace, image string) error {
	user := os.Getenv("GITHUB_USER")
	token := os.Getenv("GITHUB_TOKEN")
	if user != "" && token != "" {
		login := exec.CommandContext(ctx, "docker", "login", "ghcr.io", "-u", user, "--password-stdin")
		login.Stdin = strings.NewReader(token)
		login.Env = append(os.Environ(), w.env...)
		if out, err := login.CombinedOutput(); err != nil {
			return fmt.Errorf("docker login: %w: %s", err, out)
		}
	}

	pull := exec.CommandContext(ctx, "docker", "pull", image)
	pull.Env = append(os.Environ(), w.env...)
	if out, err := pull.CombinedOutput(); err != nil {
		return fmt.Errorf("docker pull %s: %w: %s", image, err, out)
	}

	m.logger.Info("pulled-image", lager.Data{"image": image})
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	content, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, content, perm)
}
