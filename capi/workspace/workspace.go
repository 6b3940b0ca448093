package workspace

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"

	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/flatfile"
	"github.com/aixcc-sc/capi/capi/metric"
	"github.com/aixcc-sc/capi/capi/registry"
	"github.com/aixcc-sc/capi/capi/results"
)

// ErrBadReturnCode means run_pov exited non-zero or timed out; the job
// handlers translate it into a RUN_POV_FAILED verdict.
var ErrBadReturnCode = errors.New("run.sh returned non-zero")

var ErrNoSourceSelected = errors.New("no source selected")

type Workspace struct {
	logger         lager.Logger
	cp             *registry.ChallengeProblem
	store          *flatfile.Store
	auditor        *audit.Auditor
	reporter       *results.Reporter
	dir            string
	env            []string
	source         string
	currentCommit  string
	commandTimeout time.Duration
}

func (w *Workspace) Dir() string {
	return w.dir
}

// Release deletes the working copy. Runs on every exit path, including
// timeouts and panics; errors are logged, never returned.
func (w *Workspace) Release() {
	if err := os.RemoveAll(w.dir); err != nil {
		w.logger.Error("failed-to-release", err)
		return
	}
	w.logger.Debug("released")
}

// SelectSource picks which source sub-repo Checkout operates on.
func (w *Workspace) SelectSource(name string) error {
	if _, ok := w.cp.Sources[name]; !ok {
		return fmt.Errorf("cp %s has no source %q", w.cp.CPName, name)
	}
	w.source = name
	return nil
}

// Checkout force-checks-out ref in the selected source sub-repo.
func (w *Workspace) Checkout(ctx context.Context, ref string) error {
	if w.source == "" {
		return ErrNoSourceSelected
	}

	path := filepath.Join(w.dir, "src", w.source)
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("opening source %s: %w", w.source, err)
	}

	hash, err := repo.ResolveRevision(plumbing.Revision(ref))
	if err != nil {
		return fmt.Errorf("resolving ref %q: %w", ref, err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("opening worktree: %w", err)
	}

	if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
		return fmt.Errorf("checking out %q: %w", ref, err)
	}

	w.currentCommit = hash.String()
	w.logger.Debug("checked-out", lager.Data{"source": w.source, "ref": ref, "commit": w.currentCommit})
	return nil
}

// CurrentCommit returns the commit hash the last Checkout resolved to.
func (w *Workspace) CurrentCommit() string {
	return w.currentCommit
}

// Build runs `build [patchfile source]`. Returns true iff the build
// exited zero. Timeouts audit and count as a failed build.
func (w *Workspace) Build(ctx context.Context, source, patchSHA string) (bool, error) {
	var args []string
	if patchSHA != "" {
		patchFile := filepath.Join(w.dir, "patch-"+patchSHA[:12]+".diff")
		if err := w.materialize(ctx, patchSHA, patchFile); err != nil {
			return false, err
		}
		args = []string{"build", patchFile, source}
	} else {
		args = []string{"build"}
	}

	result, err := w.run(ctx, args...)
	if err != nil {
		return false, err
	}
	defer w.archiveOutput(ctx, "build", result)

	if result.timedOut {
		w.audit(ctx, &audit.Timeout{Context: audit.TimeoutBuild})
		return false, nil
	}
	return result.returnCode == 0, nil
}

// CheckSanitizers runs the PoV against the given harness and returns the
// sorted ids of every sanitizer whose marker substring appeared in the
// run_pov output logs.
func (w *Workspace) CheckSanitizers(ctx context.Context, blobSHA, harnessID string) ([]string, error) {
	harness, ok := w.cp.Harnesses[harnessID]
	if !ok {
		return nil, fmt.Errorf("cp %s has no harness %q", w.cp.CPName, harnessID)
	}

	blobFile := filepath.Join(w.dir, "pov-"+blobSHA[:12]+".bin")
	if err := w.materialize(ctx, blobSHA, blobFile); err != nil {
		return nil, err
	}

	result, err := w.run(ctx, "run_pov", blobFile, harness.Name)
	if err != nil {
		return nil, err
	}
	defer w.archiveOutput(ctx, "run_pov", result)

	if result.timedOut {
		w.audit(ctx, &audit.Timeout{Context: audit.TimeoutCheckSanitizers})
		return nil, fmt.Errorf("%w: run_pov timed out", ErrBadReturnCode)
	}
	if result.returnCode != 0 {
		return nil, fmt.Errorf("%w: run_pov exited %d", ErrBadReturnCode, result.returnCode)
	}

	return w.scanSanitizers()
}

// RunFunctionalTests runs `run_tests`; true iff it exited zero.
func (w *Workspace) RunFunctionalTests(ctx context.Context) (bool, error) {
	result, err := w.run(ctx, "run_tests")
	if err != nil {
		return false, err
	}
	defer w.archiveOutput(ctx, "run_tests", result)

	if result.timedOut {
		w.audit(ctx, &audit.Timeout{Context: audit.TimeoutRunFunctionalTests})
		return false, nil
	}
	return result.returnCode == 0, nil
}

type commandResult struct {
	command    string
	returnCode int
	timedOut   bool
}

func (w *Workspace) run(ctx context.Context, args ...string) (commandResult, error) {
	full := append([]string{"-x", "-v"}, args...)
	commandLine := "./run.sh " + strings.Join(full, " ")

	cmdCtx, cancel := context.WithTimeout(ctx, w.commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "./run.sh", full...)
	cmd.Dir = w.dir
	cmd.Env = append(os.Environ(), w.env...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	w.logger.Info("running", lager.Data{"command": commandLine})
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	result := commandResult{command: commandLine}

	if cmdCtx.Err() == context.DeadlineExceeded {
		result.timedOut = true
		result.returnCode = -1
		w.logger.Info("command-timed-out", lager.Data{"command": commandLine, "elapsed": elapsed.String()})
		metric.CommandFinished(ctx, args[0], elapsed, result.returnCode)
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.returnCode = exitErr.ExitCode()
	} else if err != nil {
		return result, fmt.Errorf("running %s: %w", commandLine, err)
	}

	metric.CommandFinished(ctx, args[0], elapsed, result.returnCode)
	w.logger.Info("command-finished", lager.Data{
		"command":     commandLine,
		"return_code": result.returnCode,
		"elapsed":     elapsed.String(),
	})
	return result, nil
}

func (w *Workspace) materialize(ctx context.Context, sha, dest string) error {
	if w.store.Remote() != nil {
		return w.store.ExportRemote(ctx, sha, dest)
	}
	return w.store.Export(sha, dest)
}

// scanSanitizers reads the newest run_pov output directory and collects
// every sanitizer whose marker substring appears in its logs. The match is
// case-sensitive, line by line.
func (w *Workspace) scanSanitizers() ([]string, error) {
	dir, ok := w.lastOutputDir("run_pov")
	if !ok {
		return nil, fmt.Errorf("no run_pov output directory under %s", w.dir)
	}

	triggered := map[string]bool{}
	for _, name := range []string{"stdout.log", "stderr.log"} {
		f, err := os.Open(filepath.Join(dir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", name, err)
		}

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			for id, marker := range w.cp.Sanitizers {
				if strings.Contains(line, marker) {
					triggered[id] = true
				}
			}
		}
		err = scanner.Err()
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", name, err)
		}
	}

	ids := make([]string, 0, len(triggered))
	for id := range triggered {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// lastOutputDir finds the newest directory under out/output whose name
// ends with the command name.
func (w *Workspace) lastOutputDir(command string) (string, bool) {
	outDir := filepath.Join(w.dir, "out", "output")
	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", false
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), command) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return "", false
	}

	sort.Strings(names)
	return filepath.Join(outDir, names[len(names)-1]), true
}

// archiveOutput tars up the command's output directory, emits
// CP_OUTPUT_ARCHIVED, and publishes an Archive pointer. Archiving is best
// effort; failures never fail the job.
func (w *Workspace) archiveOutput(ctx context.Context, command string, result commandResult) {
	dir, ok := w.lastOutputDir(command)
	if !ok {
		w.logger.Info("no-output-to-archive", lager.Data{"command": command})
		return
	}

	prefix := strings.ReplaceAll(w.cp.CPName, " ", "_") + "-"
	filename, sha, err := w.store.ArchiveTarball(ctx, prefix, dir)
	if err != nil {
		w.logger.Error("failed-to-archive", err, lager.Data{"command": command})
		return
	}

	w.audit(ctx, &audit.CPOutputArchived{
		SHA256:     sha,
		Filename:   filename,
		CPName:     w.cp.CPName,
		ReturnCode: result.returnCode,
		Command:    result.command,
	})

	if w.reporter != nil && w.store.Remote() != nil {
		err := w.reporter.Archive(ctx, results.Archive{
			RemoteContainer: w.store.Remote().Container(),
			Filename:        filename,
			SHA256:          sha,
		})
		if err != nil {
			w.logger.Error("failed-to-publish-archive", err)
		}
	}
}

func (w *Workspace) audit(ctx context.Context, event audit.Event) {
	if w.auditor == nil {
		return
	}
	if err := w.auditor.Emit(ctx, event); err != nil {
		w.logger.Error("failed-to-audit", err)
	}
}
