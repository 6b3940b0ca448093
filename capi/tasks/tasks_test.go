package tasks_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/lager/v3/lagertest"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aixcc-sc/capi"
	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/db"
	"github.com/aixcc-sc/capi/capi/flatfile"
	"github.com/aixcc-sc/capi/capi/registry"
	"github.com/aixcc-sc/capi/capi/results"
	"github.com/aixcc-sc/capi/capi/tasks"
	"github.com/aixcc-sc/capi/capi/workspace"
)

type fakeLock struct{ released *bool }

func (l fakeLock) Release() error {
	*l.released = true
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	keys []string
}

func (l *fakeLocker) AcquireLock(_ context.Context, key string) (tasks.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys = append(l.keys, key)
	released := false
	return fakeLock{&released}, nil
}

type fakeStatuses struct {
	vds map[uuid.UUID]capi.FeedbackStatus
	gp  map[uuid.UUID]capi.FeedbackStatus
}

func (s *fakeStatuses) VDSStatus(_ context.Context, id uuid.UUID) (capi.FeedbackStatus, bool, error) {
	status, ok := s.vds[id]
	return status, ok, nil
}

func (s *fakeStatuses) GPStatus(_ context.Context, id uuid.UUID) (capi.FeedbackStatus, bool, error) {
	status, ok := s.gp[id]
	return status, ok, nil
}

type fakeReporter struct {
	mu      sync.Mutex
	results []results.Result
}

func (r *fakeReporter) Result(_ context.Context, result results.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

type fakeWorkspace struct {
	source      string
	ref         string
	checkoutErr map[string]error
	commitByRef map[string]string
	buildFail   map[string]bool
	patches     []string
	testsOK     bool
	povByRef    map[string][]string
	povErr      error
	released    bool
}

func (w *fakeWorkspace) SelectSource(name string) error {
	w.source = name
	return nil
}

func (w *fakeWorkspace) Checkout(_ context.Context, ref string) error {
	if err := w.checkoutErr[ref]; err != nil {
		return err
	}
	w.ref = ref
	return nil
}

func (w *fakeWorkspace) CurrentCommit() string {
	if commit, ok := w.commitByRef[w.ref]; ok {
		return commit
	}
	return w.ref
}

func (w *fakeWorkspace) Build(_ context.Context, _, patchSHA string) (bool, error) {
	if patchSHA != "" {
		w.patches = append(w.patches, patchSHA)
	}
	return !w.buildFail[w.ref], nil
}

func (w *fakeWorkspace) CheckSanitizers(_ context.Context, _, _ string) ([]string, error) {
	if w.povErr != nil {
		return nil, w.povErr
	}
	return w.povByRef[w.ref], nil
}

func (w *fakeWorkspace) RunFunctionalTests(context.Context) (bool, error) {
	return w.testsOK, nil
}

func (w *fakeWorkspace) Release() { w.released = true }

type fakeFactory struct {
	ws       *fakeWorkspace
	acquired int
}

func (f *fakeFactory) Acquire(context.Context, *registry.ChallengeProblem, *flatfile.Store, *audit.Auditor) (tasks.Workspace, error) {
	f.acquired++
	return f.ws, nil
}

type fixture struct {
	handler   *tasks.Handler
	statuses  *fakeStatuses
	locker    *fakeLocker
	reporter  *fakeReporter
	factory   *fakeFactory
	store     *flatfile.Store
	auditPath string

	teamID  uuid.UUID
	commits []string // root first, HEAD last
}

const projectYAML = `cp_name: "Mock CP"
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

func setup(t *testing.T, reject bool) *fixture {
	t.Helper()

	root := t.TempDir()
	cpDir := filepath.Join(root, "fakecp")
	srcDir := filepath.Join(cpDir, "src", "primary")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cpDir, "project.yaml"), []byte(projectYAML), 0o644))

	repo, err := git.PlainInit(srcDir, false)
	require.NoError(t, err)

	var commits []string
	for i, content := range []string{"one\n", "two\n", "three\n"} {
		require.NoError(t, os.WriteFile(filepath.Join(srcDir, "main.c"), []byte(content), 0o644))
		wt, err := repo.Worktree()
		require.NoError(t, err)
		_, err = wt.Add("main.c")
		require.NoError(t, err)
		hash, err := wt.Commit(fmt.Sprintf("commit %d", i), &git.CommitOptions{
			Author: &object.Signature{Name: "dev", Email: "dev@example.com", When: time.Now()},
		})
		require.NoError(t, err)
		commits = append(commits, hash.String())
	}

	logger := lagertest.NewTestLogger("tasks")
	reg, err := registry.Load(logger, root)
	require.NoError(t, err)

	store, err := flatfile.New(logger, t.TempDir(), t.TempDir(), nil)
	require.NoError(t, err)

	commitByRef := map[string]string{"master": commits[len(commits)-1]}
	for i, commit := range commits {
		commitByRef[commit] = commit
		if i > 0 {
			commitByRef[commit+"~1"] = commits[i-1]
		}
	}

	f := &fixture{
		statuses:  &fakeStatuses{vds: map[uuid.UUID]capi.FeedbackStatus{}, gp: map[uuid.UUID]capi.FeedbackStatus{}},
		locker:    &fakeLocker{},
		reporter:  &fakeReporter{},
		factory:   &fakeFactory{ws: &fakeWorkspace{testsOK: true, povByRef: map[string][]string{}, commitByRef: commitByRef}},
		store:     store,
		auditPath: filepath.Join(t.TempDir(), "audit.log"),
		teamID:    uuid.New(),
		commits:   commits,
	}

	f.handler = tasks.NewHandler(
		logger,
		tasks.HandlerConfig{RunID: uuid.New().String(), RejectDuplicateVDS: reject},
		f.statuses,
		f.locker,
		reg,
		store,
		f.factory,
		f.reporter,
		&audit.FileEmitter{Path: f.auditPath},
	)
	return f
}

func (f *fixture) head() string { return f.commits[len(f.commits)-1] }

func (f *fixture) vdsPayload(commit string) tasks.VDSPayload {
	id := uuid.New()
	f.statuses.vds[id] = capi.StatusPending
	return tasks.VDSPayload{
		AuditContext: audit.Context{TeamID: f.teamID, CPName: "Mock CP", VDUuid: id},
		VDS: db.VulnerabilityDiscovery{
			ID:            id,
			TeamID:        f.teamID,
			CPName:        "Mock CP",
			PouCommitSHA1: commit,
			PouSanitizer:  "id_1",
			PovHarness:    "id_1",
			PovDataSHA256: strings.Repeat("a", 64),
			Status:        capi.StatusPending,
		},
	}
}

func (f *fixture) auditLog(t *testing.T) string {
	t.Helper()
	content, err := os.ReadFile(f.auditPath)
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return string(content)
}

func eventCount(log string, eventType audit.EventType) int {
	return strings.Count(log, fmt.Sprintf(`"event_type":%q`, eventType))
}

// firePoVAt marks the expected sanitizer as firing at each given ref.
func (f *fixture) firePoVAt(refs ...string) {
	for _, ref := range refs {
		f.factory.ws.povByRef[ref] = []string{"id_1"}
	}
}

func TestCheckVDSHappyPath(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.head())
	f.firePoVAt("master", f.head())

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Len(t, f.reporter.results, 1)
	result := f.reporter.results[0]
	require.Equal(t, results.ResultVDS, result.ResultType)
	require.Equal(t, payload.VDS.ID, result.RowID)
	require.Equal(t, capi.StatusAccepted, result.FeedbackStatus)
	require.NotNil(t, result.CPVUuid)

	log := f.auditLog(t)
	require.Equal(t, 3, eventCount(log, audit.EventVDSanitizerResult))
	require.Equal(t, 1, eventCount(log, audit.EventVDSubmissionSuccess))
	require.Equal(t, 0, eventCount(log, audit.EventVDSubmissionFail))

	require.True(t, f.factory.ws.released)
	require.Equal(t, []string{fmt.Sprintf("%s-%s", f.teamID, f.head())}, f.locker.keys)
}

func TestCheckVDSAuditsResolvedCommitsAndMarkers(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.head())
	f.firePoVAt("master", f.head())

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	// each sanitizer-result event carries the checked-out commit hash and
	// marker strings, never the raw ref or the sanitizer ids
	log := f.auditLog(t)
	require.Equal(t, 2, strings.Count(log, fmt.Sprintf(`"commit_sha":%q`, f.head())))
	require.Contains(t, log, fmt.Sprintf(`"commit_sha":%q`, f.commits[1]))
	require.NotContains(t, log, `"commit_sha":"master"`)
	require.NotContains(t, log, "~1")
	require.Contains(t, log, `"expected_sanitizer":"BCSAN"`)
	require.Contains(t, log, `"sanitizers_triggered":["BCSAN"]`)
	require.NotContains(t, log, "id_1")
}

func TestCheckVDSSanitizerFiresBeforeCommit(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.head())
	f.firePoVAt("master", f.head(), f.head()+"~1")

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Len(t, f.reporter.results, 1)
	require.Equal(t, capi.StatusNotAccepted, f.reporter.results[0].FeedbackStatus)
	require.Nil(t, f.reporter.results[0].CPVUuid)

	log := f.auditLog(t)
	require.Equal(t, 3, eventCount(log, audit.EventVDSanitizerResult))
	require.Contains(t, log, `"SANITIZER_FIRED_BEFORE_COMMIT"`)
}

func TestCheckVDSSanitizerSilentAtHead(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.head())
	f.firePoVAt(f.head())

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Equal(t, capi.StatusNotAccepted, f.reporter.results[0].FeedbackStatus)
	require.Contains(t, f.auditLog(t), `"SANITIZER_DID_NOT_FIRE_AT_HEAD"`)
}

func TestCheckVDSInitialCommitRejected(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.commits[0])

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Len(t, f.reporter.results, 1)
	require.Equal(t, capi.StatusNotAccepted, f.reporter.results[0].FeedbackStatus)

	log := f.auditLog(t)
	require.Contains(t, log, `"SUBMITTED_INITIAL_COMMIT"`)
	require.Equal(t, 0, eventCount(log, audit.EventVDSanitizerResult))
	require.Zero(t, f.factory.acquired)
}

func TestCheckVDSUnknownSanitizer(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.head())
	payload.VDS.PouSanitizer = "id_NOT_THERE"

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Equal(t, capi.StatusNotAccepted, f.reporter.results[0].FeedbackStatus)
	require.Contains(t, f.auditLog(t), `"SANITIZER_NOT_FOUND"`)
	require.Zero(t, f.factory.acquired)
}

func TestCheckVDSUnknownCommit(t *testing.T) {
	// a single-source CP owns every commit by definition, so an unknown
	// sha surfaces as a checkout failure during the trigger triple
	f := setup(t, true)
	bogus := strings.Repeat("b", 40)
	payload := f.vdsPayload(bogus)
	f.firePoVAt("master")
	f.factory.ws.checkoutErr = map[string]error{bogus: fmt.Errorf("object not found")}

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Equal(t, capi.StatusNotAccepted, f.reporter.results[0].FeedbackStatus)
	require.Contains(t, f.auditLog(t), `"COMMIT_CHECKOUT_FAILED"`)
}

func TestCheckVDSCheckoutFailure(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.head())
	f.factory.ws.checkoutErr = map[string]error{"master": fmt.Errorf("corrupt repo")}

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Equal(t, capi.StatusNotAccepted, f.reporter.results[0].FeedbackStatus)
	require.Contains(t, f.auditLog(t), `"COMMIT_CHECKOUT_FAILED"`)
	require.True(t, f.factory.ws.released)
}

func TestCheckVDSRunPovFailure(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.head())
	f.factory.ws.povErr = fmt.Errorf("%w: run_pov exited 3", workspace.ErrBadReturnCode)

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Equal(t, capi.StatusNotAccepted, f.reporter.results[0].FeedbackStatus)
	require.Contains(t, f.auditLog(t), `"RUN_POV_FAILED"`)
}

func TestCheckVDSDuplicateRejected(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.head())
	payload.Duplicate = true
	f.firePoVAt("master", f.head())

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Equal(t, capi.StatusNotAccepted, f.reporter.results[0].FeedbackStatus)
	require.Contains(t, f.auditLog(t), `"DUPLICATE_COMMIT"`)
}

func TestCheckVDSDuplicateAllowedWhenDisabled(t *testing.T) {
	f := setup(t, false)
	payload := f.vdsPayload(f.head())
	payload.Duplicate = true
	f.firePoVAt("master", f.head())

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Equal(t, capi.StatusAccepted, f.reporter.results[0].FeedbackStatus)
}

func TestCheckVDSReplayIsSilent(t *testing.T) {
	f := setup(t, true)
	payload := f.vdsPayload(f.head())
	f.statuses.vds[payload.VDS.ID] = capi.StatusAccepted

	require.NoError(t, f.handler.CheckVDS(context.Background(), payload))

	require.Empty(t, f.reporter.results)
	require.Empty(t, f.auditLog(t))
	require.Zero(t, f.factory.acquired)
}
