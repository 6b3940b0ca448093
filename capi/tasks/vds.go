package tasks

import (
	"context"
	"errors"
	"fmt"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"

	"github.com/aixcc-sc/capi"
	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/results"
	"github.com/aixcc-sc/capi/capi/workspace"
)

// CheckVDS scores one vulnerability discovery. The whole job runs under the
// team+commit mutex; every completed run publishes exactly one Result.
func (h *Handler) CheckVDS(ctx context.Context, payload VDSPayload) error {
	vds := payload.VDS
	logger := h.logger.Session("check-vds", lager.Data{
		"vds_id":  vds.ID,
		"cp_name": vds.CPName,
	})

	lock, err := h.locker.AcquireLock(ctx, fmt.Sprintf("%s-%s", vds.TeamID, vds.PouCommitSHA1))
	if err != nil {
		return fmt.Errorf("acquiring vds lock: %w", err)
	}
	defer lock.Release()

	status, found, err := h.statuses.VDSStatus(ctx, vds.ID)
	if err != nil {
		return err
	}
	if !found || status != capi.StatusPending {
		logger.Info("skipping-replayed-job", lager.Data{"status": status})
		return nil
	}

	auditor := audit.NewAuditor(logger, h.emitter, h.config.RunID, payload.AuditContext)

	result, err := h.checkVDS(ctx, logger, auditor, payload)
	if err != nil {
		return err
	}
	return h.reporter.Result(ctx, *result)
}

func (h *Handler) checkVDS(ctx context.Context, logger lager.Logger, auditor *audit.Auditor, payload VDSPayload) (*results.Result, error) {
	vds := payload.VDS

	notAccepted := &results.Result{
		ResultType:     results.ResultVDS,
		RowID:          vds.ID,
		FeedbackStatus: capi.StatusNotAccepted,
	}

	invalid := func(reason audit.VDSubmissionInvalidReason) (*results.Result, error) {
		if err := auditor.Emit(ctx, audit.NewVDSubmissionInvalid(reason)); err != nil {
			return nil, err
		}
		return notAccepted, nil
	}
	failed := func(reasons ...audit.VDSubmissionFailReason) (*results.Result, error) {
		if err := auditor.Emit(ctx, audit.NewVDSubmissionFail(reasons...)); err != nil {
			return nil, err
		}
		return notAccepted, nil
	}

	cp, ok := h.registry.Get(vds.CPName)
	if !ok {
		return invalid(audit.VDInvalidCPNotInCPRootFolder)
	}

	if _, ok := cp.Sanitizers[vds.PouSanitizer]; !ok {
		return invalid(audit.VDInvalidSanitizerNotFound)
	}

	source, ok := cp.SourceFromRef(vds.PouCommitSHA1)
	if !ok {
		return invalid(audit.VDInvalidCommitNotInRepo)
	}

	initial, err := cp.IsInitialCommit(vds.PouCommitSHA1)
	if err != nil {
		return nil, fmt.Errorf("probing initial commit: %w", err)
	}
	if initial {
		return invalid(audit.VDInvalidInitialCommit)
	}

	store, err := h.jobStore(logger, payload.RemoteAccessURL)
	if err != nil {
		return nil, err
	}

	w, err := h.factory.Acquire(ctx, cp, store, auditor)
	if err != nil {
		return nil, fmt.Errorf("acquiring workspace: %w", err)
	}
	defer w.Release()

	if err := w.SelectSource(source); err != nil {
		return nil, err
	}

	// the trigger triple: the sanitizer must fire at HEAD and at the
	// submitted commit, and must stay quiet one commit earlier
	iterations := []struct {
		ref        string
		expectFire bool
		reason     audit.VDSubmissionFailReason
	}{
		{cp.Sources[source].Ref, true, audit.VDFailSanitizerDidNotFireAtHead},
		{vds.PouCommitSHA1, true, audit.VDFailSanitizerDidNotFireAtCommit},
		{vds.PouCommitSHA1 + "~1", false, audit.VDFailSanitizerFiredBeforeCommit},
	}

	var reasons []audit.VDSubmissionFailReason
	for _, iteration := range iterations {
		if err := w.Checkout(ctx, iteration.ref); err != nil {
			logger.Error("checkout-failed", err, lager.Data{"ref": iteration.ref})
			return invalid(audit.VDInvalidCommitCheckoutFailed)
		}

		built, err := w.Build(ctx, source, "")
		if err != nil {
			return nil, err
		}
		if !built {
			return failed(audit.VDFailRunPovFailed)
		}

		triggered, err := w.CheckSanitizers(ctx, vds.PovDataSHA256, vds.PovHarness)
		if errors.Is(err, workspace.ErrBadReturnCode) {
			logger.Error("run-pov-failed", err, lager.Data{"ref": iteration.ref})
			return failed(audit.VDFailRunPovFailed)
		}
		if err != nil {
			return nil, err
		}

		fired := contains(triggered, vds.PouSanitizer)
		disposition := audit.DispositionGood
		if fired != iteration.expectFire {
			disposition = audit.DispositionBad
			reasons = append(reasons, iteration.reason)
		}

		// the audit log records the resolved commit and the sanitizer
		// marker strings, not the ref and ids the job works with
		markers := make([]string, 0, len(triggered))
		for _, id := range triggered {
			markers = append(markers, cp.Sanitizers[id])
		}

		err = auditor.Emit(ctx, &audit.VDSanitizerResult{
			CommitSHA:                  w.CurrentCommit(),
			Disposition:                disposition,
			ExpectedSanitizer:          cp.Sanitizers[vds.PouSanitizer],
			ExpectedSanitizerTriggered: fired,
			SanitizersTriggered:        markers,
		})
		if err != nil {
			return nil, err
		}
	}

	if payload.Duplicate && h.config.RejectDuplicateVDS {
		return failed(audit.VDFailDuplicateCommit)
	}

	if len(reasons) > 0 {
		return failed(reasons...)
	}

	cpvUUID := uuid.New()
	if err := auditor.Emit(ctx, audit.NewVDSubmissionSuccess(cpvUUID)); err != nil {
		return nil, err
	}

	logger.Info("vds-accepted", lager.Data{"cpv_uuid": cpvUUID})
	return &results.Result{
		ResultType:     results.ResultVDS,
		RowID:          vds.ID,
		FeedbackStatus: capi.StatusAccepted,
		CPVUuid:        &cpvUUID,
	}, nil
}
