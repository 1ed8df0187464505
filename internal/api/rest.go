package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/hbomb79/Clipsync/internal/api/artifacts"
	"github.com/hbomb79/Clipsync/internal/api/fetches"
	"github.com/hbomb79/Clipsync/internal/api/ledger"
	"github.com/hbomb79/Clipsync/internal/api/websocket"
	"github.com/hbomb79/Clipsync/internal/event"
	"github.com/hbomb79/Clipsync/pkg/logger"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

var log = logger.Get("API")

const apiRoot = "/api/clipsync/v1"

type (
	RestConfig struct {
		Enabled  bool   `yaml:"enabled" env:"API_ENABLED" env-default:"true"`
		HostAddr string `yaml:"host_address" env:"API_HOST_ADDR" env-default:"0.0.0.0:8080" validate:"hostname_port"`
	}

	controller interface {
		SetRoutes(*echo.Group)
	}

	// Orchestrator is the union of the pipeline operations the
	// controllers and the activity broadcaster require.
	Orchestrator interface {
		artifacts.Service
		fetches.Service
	}

	Scanner interface {
		Scan() int
	}

	// The RestGateway is a thin-wrapper around the Echo HTTP router. It's sole responsibility
	// is to create the routes Clipsync exposes, and to manage ongoing web socket connections
	// and the events broadcast over them.
	RestGateway struct {
		*broadcaster
		config             *RestConfig
		ec                 *echo.Echo
		socket             *websocket.SocketHub
		scanner            Scanner
		artifactController controller
		fetchController    controller
		ledgerController   controller
	}
)

// NewRestGateway constructs the Echo router and populates it with all the
// routes defined by the various controllers. The history store may be nil,
// in which case the history endpoints respond 404.
func NewRestGateway(
	config *RestConfig,
	orchestrator Orchestrator,
	scanner Scanner,
	historyStore ledger.Store,
	eventBus event.EventHandler,
) *RestGateway {
	ec := echo.New()
	ec.OnAddRouteHandler = func(host string, route echo.Route, handler echo.HandlerFunc, middleware []echo.MiddlewareFunc) {
		log.Emit(logger.DEBUG, "Registered new route %s %s\n", route.Method, route.Path)
	}
	ec.HidePort = true
	ec.HideBanner = true

	validate := validator.New()
	socket := websocket.New()
	gateway := &RestGateway{
		broadcaster:        newBroadcaster(socket, orchestrator),
		config:             config,
		ec:                 ec,
		socket:             socket,
		scanner:            scanner,
		artifactController: artifacts.New(orchestrator),
		fetchController:    fetches.New(validate, orchestrator),
		ledgerController:   ledger.New(historyStore),
	}
	socket.WithConnectionCallback(gateway.broadcaster.connectionPayload)
	gateway.broadcaster.subscribe(eventBus)

	ec.Use(middleware.Logger())
	ec.Use(middleware.Recover())
	ec.Pre(middleware.AddTrailingSlash())

	ec.GET(apiRoot+"/activity/ws/", func(ec echo.Context) error {
		gateway.socket.UpgradeToSocket(ec.Response(), ec.Request())
		return nil
	})
	ec.POST(apiRoot+"/staging/scan/", gateway.scan)

	gateway.artifactController.SetRoutes(ec.Group(apiRoot + "/artifacts"))
	gateway.fetchController.SetRoutes(ec.Group(apiRoot + "/fetches"))
	gateway.ledgerController.SetRoutes(ec.Group(apiRoot + "/history"))

	return gateway
}

func (gateway *RestGateway) Run(parentCtx context.Context) error {
	ctx, ctxCancel := context.WithCancelCause(parentCtx)
	wg := &sync.WaitGroup{}

	// Start echo router
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Emit(logger.NEW, "Starting REST gateway on %s\n", gateway.config.HostAddr)
		if err := gateway.ec.Start(gateway.config.HostAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ctxCancel(err)
		}
	}()

	// Start thread to listen for context cancellation
	go func(ec *echo.Echo) {
		<-ctx.Done()
		ec.Close()
	}(gateway.ec)

	// Start websocket
	wg.Add(1)
	go func() {
		defer wg.Done()
		gateway.socket.Start(ctx)
	}()

	wg.Wait()

	// Return cancellation cause if any, otherwise nil as parent context
	// cancellation is not an error case we should report.
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

func (gateway *RestGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	gateway.ec.ServeHTTP(w, r)
}

// scan forces a scan of the staging directory, returning the number of
// artifacts dispatched as a result.
func (gateway *RestGateway) scan(ec echo.Context) error {
	dispatched := gateway.scanner.Scan()
	return ec.JSON(http.StatusOK, map[string]int{"dispatched": dispatched})
}
