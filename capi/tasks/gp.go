package tasks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"code.cloudfoundry.org/lager/v3"
	"github.com/bluekeyes/go-gitdiff/gitdiff"

	"github.com/aixcc-sc/capi"
	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/flatfile"
	"github.com/aixcc-sc/capi/capi/results"
	"github.com/aixcc-sc/capi/capi/workspace"
)

// allowedPatchExtensions is the old-path allow-list for generated patches.
var allowedPatchExtensions = map[string]bool{
	".c":    true,
	".h":    true,
	".in":   true,
	".java": true,
}

// CheckGP scores one generated patch under the team+cpv_uuid mutex.
//
// Acceptance is decided at the build step: a patch that applies and builds
// is ACCEPTED and that is the only status the submitter ever sees. The
// functional-test and sanitizer checks that follow downgrade the score
// through audit events without touching the row.
func (h *Handler) CheckGP(ctx context.Context, payload GPPayload) error {
	gp := payload.GP
	logger := h.logger.Session("check-gp", lager.Data{
		"gp_id":   gp.ID,
		"cp_name": payload.VDS.CPName,
	})

	lock, err := h.locker.AcquireLock(ctx, fmt.Sprintf("%s-%s", payload.VDS.TeamID, gp.CPVUuid))
	if err != nil {
		return fmt.Errorf("acquiring gp lock: %w", err)
	}
	defer lock.Release()

	status, found, err := h.statuses.GPStatus(ctx, gp.ID)
	if err != nil {
		return err
	}
	if !found || status != capi.StatusPending {
		logger.Info("skipping-replayed-job", lager.Data{"status": status})
		return nil
	}

	auditor := audit.NewAuditor(logger, h.emitter, h.config.RunID, payload.AuditContext)

	if payload.Duplicate {
		if err := auditor.Emit(ctx, &audit.DuplicateGPSubmission{}); err != nil {
			return err
		}
	}

	return h.checkGP(ctx, logger, auditor, payload)
}

func (h *Handler) checkGP(ctx context.Context, logger lager.Logger, auditor *audit.Auditor, payload GPPayload) error {
	gp := payload.GP
	vds := payload.VDS

	reject := func(reason audit.GPSubmissionFailReason) error {
		if err := auditor.Emit(ctx, audit.NewGPSubmissionFail(reason)); err != nil {
			return err
		}
		return h.reporter.Result(ctx, results.Result{
			ResultType:     results.ResultGP,
			RowID:          gp.ID,
			FeedbackStatus: capi.StatusNotAccepted,
		})
	}
	// failures after acceptance are audit-only
	downgrade := func(reason audit.GPSubmissionFailReason) error {
		return auditor.Emit(ctx, audit.NewGPSubmissionFail(reason))
	}

	store, err := h.jobStore(logger, payload.RemoteAccessURL)
	if err != nil {
		return err
	}

	patch, err := h.fetch(ctx, store, gp.DataSHA256)
	if errors.Is(err, flatfile.ErrNotFound) {
		return reject(audit.GPFailMalformedPatchFile)
	}
	if err != nil {
		return err
	}

	files, ok := parsePatch(patch)
	if !ok {
		return reject(audit.GPFailMalformedPatchFile)
	}

	for _, file := range files {
		if !allowedPatchExtensions[strings.ToLower(filepath.Ext(file))] {
			logger.Info("disallowed-patch-target", lager.Data{"path": file})
			return reject(audit.GPFailDisallowedExtension)
		}
	}

	cp, ok := h.registry.Get(vds.CPName)
	if !ok {
		return fmt.Errorf("cp %q vanished from the registry", vds.CPName)
	}
	source, ok := cp.SourceFromRef(vds.PouCommitSHA1)
	if !ok {
		return fmt.Errorf("no source owns commit %s accepted earlier", vds.PouCommitSHA1)
	}

	w, err := h.factory.Acquire(ctx, cp, store, auditor)
	if err != nil {
		return fmt.Errorf("acquiring workspace: %w", err)
	}
	defer w.Release()

	if err := w.SelectSource(source); err != nil {
		return err
	}
	if err := w.Checkout(ctx, cp.Sources[source].Ref); err != nil {
		logger.Error("checkout-failed", err)
		return reject(audit.GPFailPatchFailedApplyOrBuild)
	}

	built, err := w.Build(ctx, source, gp.DataSHA256)
	if err != nil {
		return err
	}
	if !built {
		return reject(audit.GPFailPatchFailedApplyOrBuild)
	}

	if err := auditor.Emit(ctx, &audit.GPPatchBuilt{}); err != nil {
		return err
	}
	err = h.reporter.Result(ctx, results.Result{
		ResultType:     results.ResultGP,
		RowID:          gp.ID,
		FeedbackStatus: capi.StatusAccepted,
	})
	if err != nil {
		return err
	}

	passed, err := w.RunFunctionalTests(ctx)
	if err != nil {
		return err
	}
	if !passed {
		return downgrade(audit.GPFailFunctionalTestsFailed)
	}
	if err := auditor.Emit(ctx, &audit.GPFunctionalTestsPass{}); err != nil {
		return err
	}

	triggered, err := w.CheckSanitizers(ctx, vds.PovDataSHA256, vds.PovHarness)
	if errors.Is(err, workspace.ErrBadReturnCode) {
		logger.Error("run-pov-failed", err)
		return downgrade(audit.GPFailRunPovFailed)
	}
	if err != nil {
		return err
	}
	if contains(triggered, vds.PouSanitizer) {
		return downgrade(audit.GPFailSanitizerFiredAfterPatch)
	}

	if err := auditor.Emit(ctx, &audit.GPSanitizerDidNotFire{}); err != nil {
		return err
	}

	logger.Info("gp-fully-validated")
	return auditor.Emit(ctx, &audit.GPSubmissionSuccess{})
}

func (h *Handler) fetch(ctx context.Context, store *flatfile.Store, sha string) ([]byte, error) {
	if store.Remote() != nil {
		return store.GetRemote(ctx, sha)
	}
	return store.Get(sha)
}

// parsePatch validates the patch is UTF-8 unified-diff text and returns the
// old path of every file it touches.
func parsePatch(patch []byte) ([]string, bool) {
	if !utf8.Valid(patch) {
		return nil, false
	}

	files, _, err := gitdiff.Parse(bytes.NewReader(patch))
	if err != nil || len(files) == 0 {
		return nil, false
	}

	paths := make([]string, 0, len(files))
	for _, file := range files {
		paths = append(paths, file.OldName)
	}
	return paths, true
}
