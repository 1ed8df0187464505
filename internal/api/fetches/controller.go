package fetches

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/hbomb79/Clipsync/internal/pipeline"
	"github.com/hbomb79/Clipsync/internal/source"
	"github.com/labstack/echo/v4"
)

type (
	CreateRequest struct {
		Platform      string `json:"platform" validate:"required"`
		PostReference string `json:"post_reference" validate:"required"`
	}

	CreateResponse struct {
		ID uuid.UUID `json:"id"`
	}

	Service interface {
		Submit(pipeline.FetchRequest) uuid.UUID
	}

	Controller struct {
		validate *validator.Validate
		service  Service
	}
)

func New(validate *validator.Validate, service Service) *Controller {
	return &Controller{validate: validate, service: service}
}

func (controller *Controller) SetRoutes(eg *echo.Group) {
	eg.POST("/", controller.create)
}

// create validates the fetch request and submits it to the pipeline. The
// fetch runs in the background; its outcome is published on the activity
// socket.
func (controller *Controller) create(ec echo.Context) error {
	var createRequest CreateRequest
	if err := ec.Bind(&createRequest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Request body is not valid JSON")
	}

	if err := controller.validate.Struct(createRequest); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	platform, err := source.ParsePlatform(createRequest.Platform)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	id := controller.service.Submit(pipeline.FetchRequest{Platform: platform, PostReference: createRequest.PostReference})
	return ec.JSON(http.StatusAccepted, CreateResponse{ID: id})
}
