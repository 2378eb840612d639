package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/berfenger/fieldbridge/internal/core/domain"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestTimeout = 10 * time.Second

type setElementValueBody struct {
	Value *float64 `json:"value"`
}

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/status", s.StatusHandler)
	e.GET("/devices/:device", s.DeviceInfoHandler)
	e.PUT("/devices/:device/elements/:element", s.SetElementValueHandler)
	if s.registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}

	return e
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, requestTimeout).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

func (s *Server) StatusHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.GetStatusRequest{}, requestTimeout).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.GetStatusResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) DeviceInfoHandler(c echo.Context) error {
	req := domain.GetDeviceInfoRequest{
		DeviceRequestMixIn: domain.DeviceRequestMixIn{Device: c.Param("device")},
	}
	res, err := s.rootContext.RequestFuture(s.masterActor, req, requestTimeout).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.GetDeviceInfoResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	if response.HasResponseError() {
		return echo.NewHTTPError(http.StatusNotFound, response.GetResponseError().Error())
	}
	return c.JSON(http.StatusOK, response)
}

func (s *Server) SetElementValueHandler(c echo.Context) error {
	var body setElementValueBody
	if err := c.Bind(&body); err != nil {
		return err
	}
	if body.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, errors.New("missing value").Error())
	}
	req := domain.SetElementValueRequest{
		DeviceRequestMixIn: domain.DeviceRequestMixIn{Device: c.Param("device")},
		Element:            c.Param("element"),
		Value:              *body.Value,
	}
	res, err := s.rootContext.RequestFuture(s.masterActor, req, requestTimeout).Result()
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	response, ok := res.(domain.SetElementValueResponse)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "unexpected response")
	}
	if response.HasResponseError() {
		return echo.NewHTTPError(http.StatusBadRequest, response.GetResponseError().Error())
	}
	return c.JSON(http.StatusOK, map[string]bool{"changed": response.Changed})
}
