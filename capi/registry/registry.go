// Package registry is the read-only catalog of challenge problems, loaded
// once at startup from the CP root directory.
package registry

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"code.cloudfoundry.org/lager/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/goccy/go-yaml"
)

const DefaultRef = "main"

type Harness struct {
	Name string `yaml:"name"`
}

type Source struct {
	Ref string `yaml:"ref"`
}

// Project is the parsed project.yaml of one CP.
type Project struct {
	CPName      string             `yaml:"cp_name"`
	DockerImage string             `yaml:"docker_image"`
	Sanitizers  map[string]string  `yaml:"sanitizers"`
	Harnesses   map[string]Harness `yaml:"harnesses"`
	Sources     map[string]Source  `yaml:"cp_sources"`
}

type ChallengeProblem struct {
	Project
	RootDir string

	logger lager.Logger
}

type Registry struct {
	logger lager.Logger
	cps    map[string]*ChallengeProblem
}

// Load scans root for subdirectories carrying a project.yaml with a cp_name
// and at least one source. Directories that don't parse are skipped with a
// log line rather than failing startup.
func Load(logger lager.Logger, root string) (*Registry, error) {
	logger = logger.Session("registry")

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("reading cp root %s: %w", root, err)
	}

	cps := map[string]*ChallengeProblem{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(root, entry.Name())
		raw, err := os.ReadFile(filepath.Join(dir, "project.yaml"))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			logger.Error("failed-to-read-project", err, lager.Data{"dir": dir})
			continue
		}

		var project Project
		if err := yaml.Unmarshal(raw, &project); err != nil {
			logger.Error("failed-to-parse-project", err, lager.Data{"dir": dir})
			continue
		}
		if project.CPName == "" || len(project.Sources) == 0 {
			logger.Info("skipping-incomplete-project", lager.Data{"dir": dir})
			continue
		}

		for name, src := range project.Sources {
			if src.Ref == "" {
				src.Ref = DefaultRef
				project.Sources[name] = src
			}
		}

		cps[project.CPName] = &ChallengeProblem{
			Project: project,
			RootDir: dir,
			logger:  logger.Session("cp", lager.Data{"cp_name": project.CPName}),
		}
		logger.Info("loaded-cp", lager.Data{"cp_name": project.CPName, "dir": dir})
	}

	return &Registry{logger: logger, cps: cps}, nil
}

func (r *Registry) Get(name string) (*ChallengeProblem, bool) {
	cp, ok := r.cps[name]
	return cp, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.cps[name]
	return ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.cps))
	for name := range r.cps {
		names = append(names, name)
	}
	return names
}

// SourcePath is where the named source's working copy lives inside the CP.
func (cp *ChallengeProblem) SourcePath(source string) string {
	return filepath.Join(cp.RootDir, "src", source)
}

// SourceFromRef resolves which source repo owns the given commit. A CP with
// a single source owns every commit by definition; with multiple sources,
// each repo is probed with a throwaway checkout and its HEAD restored
// afterwards.
func (cp *ChallengeProblem) SourceFromRef(sha string) (string, bool) {
	if len(cp.Sources) == 1 {
		for name := range cp.Sources {
			return name, true
		}
	}

	for name := range cp.Sources {
		ok, err := cp.probeCheckout(name, sha)
		if err != nil {
			cp.logger.Error("probe-failed", err, lager.Data{"source": name, "sha": sha})
			continue
		}
		if ok {
			return name, true
		}
	}
	return "", false
}

// HeadRefFromRef returns the configured head ref of the source owning sha.
func (cp *ChallengeProblem) HeadRefFromRef(sha string) (string, bool) {
	source, ok := cp.SourceFromRef(sha)
	if !ok {
		return "", false
	}
	return cp.Sources[source].Ref, true
}

// IsInitialCommit reports whether sha is a parentless commit in any source.
func (cp *ChallengeProblem) IsInitialCommit(sha string) (bool, error) {
	for name := range cp.Sources {
		repo, err := git.PlainOpen(cp.SourcePath(name))
		if err != nil {
			return false, fmt.Errorf("opening source %s: %w", name, err)
		}

		commit, err := repo.CommitObject(plumbing.NewHash(sha))
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("resolving commit %s in %s: %w", sha, name, err)
		}
		return commit.NumParents() == 0, nil
	}
	return false, nil
}

func (cp *ChallengeProblem) probeCheckout(source, sha string) (bool, error) {
	repo, err := git.PlainOpen(cp.SourcePath(source))
	if err != nil {
		return false, fmt.Errorf("opening source %s: %w", source, err)
	}

	head, err := repo.Head()
	if err != nil {
		return false, fmt.Errorf("reading HEAD of %s: %w", source, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("opening worktree of %s: %w", source, err)
	}

	checkoutErr := wt.Checkout(&git.CheckoutOptions{
		Hash:  plumbing.NewHash(sha),
		Force: true,
	})

	// the probe is destructive; always put HEAD back where it was
	restore := &git.CheckoutOptions{Force: true}
	if head.Name().IsBranch() {
		restore.Branch = head.Name()
	} else {
		restore.Hash = head.Hash()
	}
	if err := wt.Checkout(restore); err != nil {
		return false, fmt.Errorf("restoring HEAD of %s: %w", source, err)
	}

	return checkoutErr == nil, nil
}
