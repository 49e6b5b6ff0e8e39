package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"clipservice/internal/admission"
	"clipservice/internal/artifact"
	"clipservice/internal/entity"
	"clipservice/internal/repository/postgresql"
)

// JobReader is the read-only projection the status endpoint uses; it never
// mutates job state.
type JobReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error)
}

type Handler struct {
	admitter  *admission.Controller
	jobs      JobReader
	artifacts *artifact.Manager
	logger    zerolog.Logger
}

func NewHandler(admitter *admission.Controller, jobs JobReader, artifacts *artifact.Manager, logger zerolog.Logger) *Handler {
	return &Handler{
		admitter:  admitter,
		jobs:      jobs,
		artifacts: artifacts,
		logger:    logger.With().Str("component", "http").Logger(),
	}
}

type createJobDTO struct {
	URL             string  `json:"url"`
	Start           float64 `json:"start"`
	End             float64 `json:"end"`
	QualityLabel    string  `json:"qualityLabel"`
	RightsConfirmed bool    `json:"rightsConfirmed"`
	ClientID        string  `json:"clientId"`
}

type createJobResp struct {
	JobID string `json:"jobId"`
}

type jobResp struct {
	JobID        string            `json:"jobId"`
	Status       entity.JobStatus  `json:"status"`
	Progress     *int              `json:"progress,omitempty"`
	ErrorKind    *entity.ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage *string           `json:"errorMessage,omitempty"`
	DownloadURL  *string           `json:"downloadUrl,omitempty"`
	CreatedAt    string            `json:"createdAt"`
	StartedAt    *string           `json:"startedAt,omitempty"`
	CompletedAt  *string           `json:"completedAt,omitempty"`
}

// CreateJob godoc
// @Summary Submit a clip extraction job
// @Description Validates the submission, checks rate limits and capacity, and enqueues the job.
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body createJobDTO true "clip submission"
// @Success 201 {object} createJobResp
// @Failure 400 {object} apiError
// @Failure 429 {object} apiError
// @Failure 503 {object} apiError
// @Router /jobs [post]
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var dto createJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, entity.KindBadRequest, "invalid json body")
		return
	}

	clientID := dto.ClientID
	if clientID == "" {
		clientID = remoteClientID(r)
	}

	id, err := h.admitter.Admit(r.Context(), admission.Request{
		URL:             dto.URL,
		Start:           dto.Start,
		End:             dto.End,
		Quality:         dto.QualityLabel,
		RightsConfirmed: dto.RightsConfirmed,
		ClientID:        clientID,
	})
	if err != nil {
		var rejection *admission.Error
		if errors.As(err, &rejection) {
			h.writeRejection(w, rejection)
			return
		}
		h.logger.Error().Err(err).Msg("admission failed")
		writeErr(w, http.StatusInternalServerError, entity.KindInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, createJobResp{JobID: id.String()})
}

// GetJob godoc
// @Summary Get job status
// @Tags jobs
// @Produce json
// @Param jobId path string true "job id (uuid)"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{jobId} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, entity.KindBadRequest, "invalid job id")
		return
	}

	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, postgresql.ErrNotFound) {
			writeErr(w, http.StatusNotFound, entity.KindNotFound, "job not found")
			return
		}
		h.logger.Error().Err(err).Str("job_id", id.String()).Msg("load job failed")
		writeErr(w, http.StatusInternalServerError, entity.KindInternal, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, jobView(job))
}

// Download godoc
// @Summary Download a finished clip
// @Description The retrieval handle works exactly once; afterwards, and after the TTL, the artifact is gone.
// @Tags artifacts
// @Produce octet-stream
// @Param handle path string true "retrieval handle"
// @Success 200 {file} binary
// @Failure 404 {object} apiError
// @Router /download/{handle} [get]
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	handle := chi.URLParam(r, "handle")

	a, rc, err := h.artifacts.Retrieve(handle)
	if err != nil {
		writeErr(w, http.StatusNotFound, entity.KindNotFound, "artifact not found")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", a.Size))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", a.JobID+".mp4"))
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn().Err(err).Str("handle", handle).Msg("artifact stream aborted")
	}
}

func (h *Handler) writeRejection(w http.ResponseWriter, rejection *admission.Error) {
	resp := apiError{ErrorKind: rejection.Kind, Message: rejection.Message}
	status := http.StatusBadRequest

	switch rejection.Kind {
	case entity.KindRateLimited:
		status = http.StatusTooManyRequests
	case entity.KindQueueFull:
		status = http.StatusServiceUnavailable
	}
	if rejection.RetryAfter > 0 {
		secs := int(math.Ceil(rejection.RetryAfter.Seconds()))
		resp.RetryAfter = secs
		w.Header().Set("Retry-After", fmt.Sprintf("%d", secs))
	}
	writeJSON(w, status, resp)
}

func jobView(job *entity.Job) jobResp {
	resp := jobResp{
		JobID:     job.ID.String(),
		Status:    job.Status,
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	}
	if job.Status == entity.StatusWorking || job.Status == entity.StatusDone {
		progress := job.Progress
		resp.Progress = &progress
	}
	if job.Status == entity.StatusError {
		resp.ErrorKind = job.ErrorKind
		resp.ErrorMessage = job.ErrorMessage
	}
	if job.Status == entity.StatusDone && job.Handle != nil {
		u := "/download/" + *job.Handle
		resp.DownloadURL = &u
	}
	if job.StartedAt != nil {
		s := job.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if job.CompletedAt != nil {
		s := job.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

func remoteClientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
