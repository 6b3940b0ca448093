package api

import (
	"net/http"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aixcc-sc/capi"
	"github.com/aixcc-sc/capi/capi/audit"
	"github.com/aixcc-sc/capi/capi/db"
	"github.com/aixcc-sc/capi/capi/queue"
	"github.com/aixcc-sc/capi/capi/tasks"
)

func (s *Server) handleVDSUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	team := teamID(r)
	logger := s.logger.Session("submit-vds", lager.Data{"team": team})

	var req VDSRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	pov, err := req.Decode()
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if s.config.MockMode {
		auditor := s.auditorFor(logger, audit.Context{TeamID: team, CPName: req.CPName})
		if err := auditor.Emit(ctx, audit.NewMockResponse()); err != nil {
			logger.Error("failed-to-emit", err)
		}
		s.writeJSON(w, http.StatusOK, VDSResponse{
			Status: capi.StatusAccepted,
			CPName: req.CPName,
			VDUuid: uuid.New(),
		})
		return
	}

	store, container, accessURL, err := s.teamStore(ctx, team)
	if err != nil {
		logger.Error("failed-to-bind-store", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	povSHA, err := storePut(ctx, store, pov)
	if err != nil {
		logger.Error("failed-to-store-pov", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	vds := db.VulnerabilityDiscovery{
		TeamID:        team,
		CPName:        req.CPName,
		PouCommitSHA1: req.POU.CommitSHA1,
		PouSanitizer:  req.POU.Sanitizer,
		PovHarness:    req.POV.Harness,
		PovDataSHA256: povSHA,
	}
	if err := s.database.InsertVDS(ctx, &vds); err != nil {
		logger.Error("failed-to-insert-vds", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	auditor := s.auditorFor(logger, audit.Context{
		TeamID: team,
		CPName: vds.CPName,
		VDUuid: vds.ID,
	})
	if err := auditor.Emit(ctx, &audit.VDSubmission{
		Harness:       vds.PovHarness,
		PovBlobSHA256: vds.PovDataSHA256,
		PouCommit:     vds.PouCommitSHA1,
		Sanitizer:     vds.PouSanitizer,
	}); err != nil {
		logger.Error("failed-to-emit", err)
	}

	if !s.registry.Has(vds.CPName) {
		if err := s.database.UpdateVDSStatus(ctx, vds.ID, capi.StatusNotAccepted, nil); err != nil {
			logger.Error("failed-to-update-vds", err)
		}
		if err := auditor.Emit(ctx, audit.NewVDSubmissionInvalid(audit.VDInvalidCPNotInCPRootFolder)); err != nil {
			logger.Error("failed-to-emit", err)
		}
		s.writeError(w, http.StatusNotFound, "cp not found")
		return
	}

	accepted, err := s.database.CountAcceptedVDS(ctx, team, vds.PouCommitSHA1)
	if err != nil {
		logger.Error("failed-to-count-vds", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	payload := tasks.VDSPayload{
		AuditContext:    auditor.Context(),
		VDS:             vds,
		Duplicate:       accepted > 0,
		RemoteContainer: container,
		RemoteAccessURL: accessURL,
	}

	pushed, err := s.queue.Enqueue(ctx, s.workerQueue(logger, team), queue.VDSJobID(vds.ID), queue.KindCheckVDS, payload)
	if err != nil {
		logger.Error("failed-to-enqueue", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !pushed {
		logger.Info("job-already-queued", lager.Data{"vd-uuid": vds.ID})
	}

	s.writeJSON(w, http.StatusOK, VDSResponse{
		Status: capi.StatusPending,
		CPName: vds.CPName,
		VDUuid: vds.ID,
	})
}

func (s *Server) handleVDSStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	team := teamID(r)
	logger := s.logger.Session("vds-status", lager.Data{"team": team})

	id, err := uuid.Parse(mux.Vars(r)["vd_uuid"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, "vds not found")
		return
	}

	if s.config.MockMode {
		auditor := s.auditorFor(logger, audit.Context{TeamID: team, VDUuid: id})
		if err := auditor.Emit(ctx, audit.NewMockResponse()); err != nil {
			logger.Error("failed-to-emit", err)
		}
		cpvUUID := uuid.New()
		s.writeJSON(w, http.StatusOK, VDSStatusResponse{
			Status:  capi.StatusAccepted,
			VDUuid:  id,
			CPVUuid: &cpvUUID,
		})
		return
	}

	vds, found, err := s.database.GetVDS(ctx, id)
	if err != nil {
		logger.Error("failed-to-fetch-vds", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found || vds.TeamID != team {
		s.writeError(w, http.StatusNotFound, "vds not found")
		return
	}

	s.writeJSON(w, http.StatusOK, VDSStatusResponse{
		Status:  vds.Status,
		VDUuid:  vds.ID,
		CPVUuid: vds.CPVUuid,
	})
}
