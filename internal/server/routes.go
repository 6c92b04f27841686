package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"scrutiny-go/internal/output"
	"scrutiny-go/internal/storage"
)

// RegisterRoutes registers the websocket endpoint and the HTTP API.
func RegisterRoutes(e *echo.Echo, s *Server) {
	e.GET("/", s.handleWebSocket)
	e.GET("/health", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))

	api := e.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/acquisitions", s.handleListAcquisitions)
	api.GET("/acquisitions/:ref", s.handleGetAcquisition)
	api.GET("/acquisitions/:ref/csv", s.handleAcquisitionCSV)
	api.DELETE("/acquisitions/:ref", s.handleDeleteAcquisition)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.sessionCount(),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.status())
}

func (s *Server) handleListAcquisitions(c echo.Context) error {
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	list, err := s.store.List(c.Request().Context(), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, list)
}

func (s *Server) handleGetAcquisition(c echo.Context) error {
	acq, err := s.store.Get(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, acq)
}

func (s *Server) handleAcquisitionCSV(c echo.Context) error {
	acq, err := s.store.Get(c.Request().Context(), c.Param("ref"))
	if err != nil {
		return storeError(err)
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="`+acq.ReferenceID+`.csv"`)
	c.Response().WriteHeader(http.StatusOK)
	return output.WriteCSV(c.Response(), acq)
}

func (s *Server) handleDeleteAcquisition(c echo.Context) error {
	if err := s.store.Delete(c.Request().Context(), c.Param("ref")); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func storeError(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return err
}
