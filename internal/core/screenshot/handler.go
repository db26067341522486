package screenshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"screenshotter/internal/core/artifact"
	"screenshotter/internal/core/job"
	"screenshotter/internal/logger"
	"screenshotter/internal/utils/parser"

	"github.com/gofiber/fiber/v2"
)

const (
	defaultWait = 30 * time.Second
	maxWait     = 5 * time.Minute
)

type Handler struct {
	service *Service
	log     *logger.Logger
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service, log: logger.New("ScreenshotHandler")}
}

// Register mounts the capture endpoints on r.
func (h *Handler) Register(r fiber.Router) {
	r.Post("/screenshots", h.HandleCreate)
	r.Get("/screenshots", h.HandleGet)
	r.Get("/screenshots/:jobId", h.HandleGet)
	r.Get("/screenshots/:jobId/file", h.HandleFile)
	r.Delete("/screenshots/:jobId", h.HandleDelete)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type createResponse struct {
	Success bool       `json:"success"`
	JobID   string     `json:"job_id"`
	Status  job.Status `json:"status"`
}

type statusResponse struct {
	Success bool `json:"success"`
	*job.Job
	Screenshot string `json:"screenshot,omitempty"`
}

type waitQuery struct {
	Wait    bool          `form:"wait"`
	Timeout time.Duration `form:"timeout"`
}

// HandleCreate queues a capture. With ?wait=true it blocks up to ?timeout
// (seconds or a duration) and answers with the artifact bytes once the job completes.
func (h *Handler) HandleCreate(c *fiber.Ctx) error {
	var req job.Request
	if err := c.BodyParser(&req); err != nil {
		return h.respondError(c, fiber.StatusBadRequest, "invalid body")
	}
	var q waitQuery
	if err := parser.ParseQuery(c, &q); err != nil {
		return h.respondError(c, fiber.StatusBadRequest, err.Error())
	}

	j, err := h.service.Submit(c.UserContext(), req)
	if err != nil {
		return h.fail(c, err)
	}
	if !q.Wait {
		return c.Status(fiber.StatusAccepted).JSON(createResponse{Success: true, JobID: j.ID, Status: j.Status})
	}

	wait := q.Timeout
	if wait <= 0 {
		wait = defaultWait
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), min(wait, maxWait))
	defer cancel()

	final, err := h.service.Wait(ctx, j.ID)
	if err != nil || !final.Status.Terminal() {
		// Still in flight; the caller falls back to polling.
		status := j.Status
		if final != nil {
			status = final.Status
		}
		return c.Status(fiber.StatusAccepted).JSON(createResponse{Success: true, JobID: j.ID, Status: status})
	}
	if final.Status == job.StatusFailed {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(statusResponse{Success: false, Job: final})
	}
	return h.sendArtifact(c, j.ID)
}

// HandleGet reports job status, artifact metadata and a link when available.
func (h *Handler) HandleGet(c *fiber.Ctx) error {
	id := jobID(c)
	if id == "" {
		return h.respondError(c, fiber.StatusBadRequest, "job_id is required")
	}
	j, err := h.service.GetStatus(c.UserContext(), id)
	if err != nil {
		return h.fail(c, err)
	}

	resp := statusResponse{Success: true, Job: j}
	if j.Status == job.StatusCompleted {
		link, err := h.service.Link(c.UserContext(), j)
		if err != nil {
			h.log.LogWarnf("link for job %s: %v", id, err)
		}
		resp.Screenshot = link
	}
	if !j.Status.Terminal() {
		return c.Status(fiber.StatusAccepted).JSON(resp)
	}
	return c.JSON(resp)
}

// HandleFile streams the stored artifact of a completed job.
func (h *Handler) HandleFile(c *fiber.Ctx) error {
	id := jobID(c)
	if id == "" {
		return h.respondError(c, fiber.StatusBadRequest, "job_id is required")
	}
	return h.sendArtifact(c, id)
}

func (h *Handler) HandleDelete(c *fiber.Ctx) error {
	id := jobID(c)
	if id == "" {
		return h.respondError(c, fiber.StatusBadRequest, "job_id is required")
	}
	if err := h.service.Delete(c.UserContext(), id); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "job_id": id})
}

func (h *Handler) sendArtifact(c *fiber.Ctx, id string) error {
	data, j, err := h.service.GetArtifactBytes(c.UserContext(), id)
	if err != nil {
		return h.fail(c, err)
	}
	name, err := artifact.Name(j.ID, j.Artifact.ContentType)
	if err != nil {
		name = j.Artifact.Location
	}
	c.Set(fiber.HeaderContentType, j.Artifact.ContentType)
	c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", name))
	c.Set("X-Job-Id", j.ID)
	return c.Send(data)
}

// jobID accepts both /screenshots/:jobId and /screenshots?job_id=.
func jobID(c *fiber.Ctx) string {
	if id := c.Params("jobId"); id != "" {
		return id
	}
	return c.Query("job_id")
}

func (h *Handler) respondError(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(errorResponse{Success: false, Error: msg})
}

func (h *Handler) fail(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return h.respondError(c, fiber.StatusBadRequest, err.Error())
	case errors.Is(err, job.ErrNotFound):
		return h.respondError(c, fiber.StatusNotFound, "not_found")
	case errors.Is(err, artifact.ErrMissing):
		return h.respondError(c, fiber.StatusNotFound, "artifact_missing")
	case errors.Is(err, ErrNotCompleted), errors.Is(err, ErrJobActive):
		return h.respondError(c, fiber.StatusConflict, err.Error())
	case errors.Is(err, ErrPoolClosed):
		return h.respondError(c, fiber.StatusServiceUnavailable, err.Error())
	}
	h.log.LogErrorf("%s %s: %v", c.Method(), c.Path(), err)
	return h.respondError(c, fiber.StatusInternalServerError, err.Error())
}
