package artifacts

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/internal/artifact"
	"github.com/hbomb79/Clipsync/internal/pipeline"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/labstack/echo/v4"
)

type (
	// Dto is the response used by endpoints that return
	// the artifacts being published (e.g., list, get)
	Dto struct {
		ID        uuid.UUID      `json:"id"`
		Path      string         `json:"path"`
		SourceID  string         `json:"source_id"`
		SizeBytes int64          `json:"size_bytes"`
		State     artifact.State `json:"state"`
		Attempt   int            `json:"attempt"`
		LastError string         `json:"last_error,omitempty"`
	}

	Service interface {
		GetAllJobs() []pipeline.UploadJob
		GetJob(uuid.UUID) *pipeline.UploadJob
		Retry(uuid.UUID) error
	}

	// Controller is the struct which is responsible for defining the
	// routes for this controller.
	Controller struct {
		service Service
	}
)

var controllerLogger = logger.Get("ArtifactsController")

func New(service Service) *Controller {
	return &Controller{service: service}
}

// SetRoutes accepts the Echo group for the artifact endpoints
// and sets the routes on them.
func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.GET("/", controller.list)
	eg.GET("/:id/", controller.get)
	eg.POST("/:id/retry/", controller.retry)
}

// list returns every artifact tracked by the pipeline.
func (controller *Controller) list(ec echo.Context) error {
	jobs := controller.service.GetAllJobs()
	dtos := make([]*Dto, len(jobs))
	for k, v := range jobs {
		dtos[k] = NewDto(&v)
	}

	return ec.JSON(http.StatusOK, dtos)
}

func (controller *Controller) get(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Artifact ID is not a valid UUID")
	}

	job := controller.service.GetJob(id)
	if job == nil {
		return echo.NewHTTPError(http.StatusNotFound)
	}

	return ec.JSON(http.StatusOK, NewDto(job))
}

// retry resubmits a failed artifact for upload.
func (controller *Controller) retry(ec echo.Context) error {
	id, err := uuid.Parse(ec.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Artifact ID is not a valid UUID")
	}

	if err := controller.service.Retry(id); err != nil {
		controllerLogger.Emit(logger.WARNING, "Retry of artifact %s refused: %v\n", id, err)
		switch {
		case errors.Is(err, pipeline.ErrJobNotFound):
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		case errors.Is(err, pipeline.ErrJobNotRetrying):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return ec.NoContent(http.StatusAccepted)
}

func NewDto(job *pipeline.UploadJob) *Dto {
	dto := &Dto{
		ID:        job.Artifact.ID,
		Path:      job.Artifact.LocalPath,
		SourceID:  job.Artifact.SourceID,
		SizeBytes: job.Artifact.SizeBytes,
		State:     job.Artifact.State,
		Attempt:   job.Attempt,
	}
	if job.LastError != artifact.KindUnknown {
		dto.LastError = job.LastError.String()
	}

	return dto
}
