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

func (s *Server) handleGPUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	team := teamID(r)
	logger := s.logger.Session("submit-gp", lager.Data{"team": team})

	var req GPRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	patch, err := req.Decode()
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	if s.config.MockMode {
		auditor := s.auditorFor(logger, audit.Context{TeamID: team, CPVUuid: req.CPVUuid})
		if err := auditor.Emit(ctx, audit.NewMockResponse()); err != nil {
			logger.Error("failed-to-emit", err)
		}
		s.writeJSON(w, http.StatusOK, GPResponse{
			Status:    capi.StatusAccepted,
			PatchSize: len(patch),
			GPUuid:    uuid.New(),
		})
		return
	}

	store, container, accessURL, err := s.teamStore(ctx, team)
	if err != nil {
		logger.Error("failed-to-bind-store", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	patchSHA, err := storePut(ctx, store, patch)
	if err != nil {
		logger.Error("failed-to-store-patch", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	gp := db.GeneratedPatch{DataSHA256: patchSHA}
	if err := s.database.InsertGP(ctx, &gp); err != nil {
		logger.Error("failed-to-insert-gp", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	auditor := s.auditorFor(logger, audit.Context{
		TeamID: team,
		GPUuid: gp.ID,
	})
	if err := auditor.Emit(ctx, &audit.GPSubmission{
		SubmittedCPVUuid: req.CPVUuid,
		PatchSHA256:      gp.DataSHA256,
	}); err != nil {
		logger.Error("failed-to-emit", err)
	}

	reject := func(reason audit.GPSubmissionInvalidReason) {
		if err := s.database.UpdateGPStatus(ctx, gp.ID, capi.StatusNotAccepted); err != nil {
			logger.Error("failed-to-update-gp", err)
		}
		if err := auditor.Emit(ctx, audit.NewGPSubmissionInvalid(reason)); err != nil {
			logger.Error("failed-to-emit", err)
		}
		s.writeError(w, http.StatusNotFound, "cpv_uuid not found")
	}

	vds, found, err := s.database.GetVDSByCPVUuid(ctx, req.CPVUuid)
	if err != nil {
		logger.Error("failed-to-fetch-vds", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found {
		reject(audit.GPInvalidVDSID)
		return
	}
	if vds.TeamID != team {
		reject(audit.GPInvalidVDSFromOtherTeam)
		return
	}

	if err := s.database.SetGPCPVUuid(ctx, gp.ID, req.CPVUuid); err != nil {
		logger.Error("failed-to-update-gp", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	gp.CPVUuid = &req.CPVUuid

	existing, err := s.database.CountGPForCPVUuid(ctx, req.CPVUuid, gp.ID)
	if err != nil {
		logger.Error("failed-to-count-gp", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	auditor.PushContext(audit.Context{CPName: vds.CPName, VDUuid: vds.ID, CPVUuid: req.CPVUuid})

	payload := tasks.GPPayload{
		AuditContext:    auditor.Context(),
		VDS:             *vds,
		GP:              gp,
		Duplicate:       existing > 0,
		RemoteContainer: container,
		RemoteAccessURL: accessURL,
	}

	pushed, err := s.queue.Enqueue(ctx, s.workerQueue(logger, team), queue.GPJobID(gp.ID), queue.KindCheckGP, payload)
	if err != nil {
		logger.Error("failed-to-enqueue", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !pushed {
		logger.Info("job-already-queued", lager.Data{"gp-uuid": gp.ID})
	}

	s.writeJSON(w, http.StatusOK, GPResponse{
		Status:    capi.StatusPending,
		PatchSize: len(patch),
		GPUuid:    gp.ID,
	})
}

func (s *Server) handleGPStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	team := teamID(r)
	logger := s.logger.Session("gp-status", lager.Data{"team": team})

	id, err := uuid.Parse(mux.Vars(r)["gp_uuid"])
	if err != nil {
		s.writeError(w, http.StatusNotFound, "gp not found")
		return
	}

	if s.config.MockMode {
		auditor := s.auditorFor(logger, audit.Context{TeamID: team, GPUuid: id})
		if err := auditor.Emit(ctx, audit.NewMockResponse()); err != nil {
			logger.Error("failed-to-emit", err)
		}
		s.writeJSON(w, http.StatusOK, GPStatusResponse{
			Status: capi.StatusAccepted,
			GPUuid: id,
		})
		return
	}

	status, owner, found, err := s.database.GPStatusForTeam(ctx, id)
	if err != nil {
		logger.Error("failed-to-fetch-gp", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !found || owner != team {
		s.writeError(w, http.StatusNotFound, "gp not found")
		return
	}

	s.writeJSON(w, http.StatusOK, GPStatusResponse{
		Status: status,
		GPUuid: id,
	})
}
