package mesh

import (
	"context"
	"errors"
	"net/http"
	"time"

	"overlay-go/pkg/deviceid"
	"overlay-go/pkg/p2p"
	"overlay-go/pkg/router"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// API exposes the session state over HTTP.
type API struct {
	Echo    *echo.Echo
	session *Session
}

type selfInfo struct {
	ID        deviceid.DeviceID `json:"id"`
	IPAddress string            `json:"ipAddress"`
	Peers     int               `json:"peers"`
	Policy    string            `json:"insecureDirectPolicy"`
}

type routeInfo struct {
	Strategy string `json:"strategy"`
	router.Decision
}

func newAPI(s *Session) *API {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	api := &API{Echo: e, session: s}
	e.GET("/self", api.getSelf)
	e.GET("/peers", api.getPeers)
	e.GET("/peers/:id", api.getPeer)
	e.DELETE("/peers/:id", api.deletePeer)
	e.GET("/peers/:id/route", api.getRoute)
	e.GET("/graph", api.getGraph)
	e.GET("/graph.svg", api.getGraphSVG)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
	return api
}

// Serve listens on addr until ctx is done.
func (api *API) Serve(ctx context.Context, addr string) error {
	errc := make(chan error, 1)
	go func() { errc <- api.Echo.Start(addr) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := api.Echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return ctx.Err()
}

func peerParam(c echo.Context) (deviceid.DeviceID, error) {
	id, err := deviceid.Parse(c.Param("id"))
	if err != nil {
		return id, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return id, nil
}

func (api *API) getSelf(c echo.Context) error {
	s := api.session
	s.metrics.refresh(s.reg.Counts())
	return c.JSON(http.StatusOK, selfInfo{
		ID:        s.self,
		IPAddress: s.SelfAddress().String(),
		Peers:     s.reg.Len(),
		Policy:    s.router.Policy().InsecureDirect.String(),
	})
}

func (api *API) getPeers(c echo.Context) error {
	peers := api.session.Peers()
	if peers == nil {
		peers = []p2p.State{}
	}
	return c.JSON(http.StatusOK, peers)
}

func (api *API) getPeer(c echo.Context) error {
	id, err := peerParam(c)
	if err != nil {
		return err
	}
	st, ok := api.session.Peer(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "unknown peer "+id.String())
	}
	return c.JSON(http.StatusOK, st)
}

func (api *API) deletePeer(c echo.Context) error {
	id, err := peerParam(c)
	if err != nil {
		return err
	}
	if !api.session.RemovePeer(id) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown peer "+id.String())
	}
	return c.NoContent(http.StatusNoContent)
}

func (api *API) getRoute(c echo.Context) error {
	id, err := peerParam(c)
	if err != nil {
		return err
	}
	strategy, err := router.ParseStrategy(c.QueryParam("strategy"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	d, err := api.session.Route(id, strategy)
	switch {
	case errors.Is(err, router.ErrUnknownPeer):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, router.ErrNoDirectPath), errors.Is(err, router.ErrInsecureDirect):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, routeInfo{Strategy: strategy.String(), Decision: d})
}

func (api *API) getGraph(c echo.Context) error {
	return c.String(http.StatusOK, api.session.Topology().GenerateGraphviz())
}

func (api *API) getGraphSVG(c echo.Context) error {
	svg, err := api.session.Topology().GenerateGraphImage(c.Request().Context())
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "image/svg+xml", svg)
}
