package videoimport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// ImportService is what the HTTP API needs from the importer.
type ImportService interface {
	Submit(ctx context.Context, req ImportRequest) (string, error)
	Status(ctx context.Context, taskID string) (*Progress, error)
	Stats() Stats
}

var _ ImportService = (*Importer)(nil)

type importResponse struct {
	TaskID  string `json:"task_id"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type serverStatsResponse struct {
	ServerStats Stats `json:"server_stats"`
}

// NewHTTPServer returns the echo server with the import routes registered.
func NewHTTPServer(svc ImportService) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:       true,
		LogMethod:    true,
		LogStatus:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"remote_ip", v.RemoteIP,
				"request_id", v.RequestID,
			}
			if v.Error != nil {
				fields = append(fields, "error", v.Error)
			}
			slog.InfoContext(c.Request().Context(), "request", fields...)
			return nil
		},
	}))

	g := e.Group("/import")
	g.POST("/import-video", handleImportVideo(svc))
	g.GET("/server-stats", handleServerStats(svc))
	g.GET("/task-status/:id", handleTaskStatus(svc))
	return e
}

// handleImportVideo accepts the request as query parameters, a JSON body or a form.
func handleImportVideo(svc ImportService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req ImportRequest
		b := &echo.DefaultBinder{}
		if err := b.BindQueryParams(c, &req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid query parameters")
		}
		if err := b.BindBody(c, &req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		if req.URL == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "url is required")
		}

		taskID, err := svc.Submit(c.Request().Context(), req)
		switch {
		case errors.Is(err, ErrInvalidURL):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, ErrShuttingDown):
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		case err != nil:
			slog.ErrorContext(c.Request().Context(), "failed to start import", "url", req.URL, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to start video streaming")
		}

		return c.JSON(http.StatusAccepted, importResponse{
			TaskID:  taskID,
			Status:  StatusUploading,
			Message: "Video import has been initiated.",
		})
	}
}

func handleServerStats(svc ImportService) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, serverStatsResponse{ServerStats: svc.Stats()})
	}
}

func handleTaskStatus(svc ImportService) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		p, err := svc.Status(c.Request().Context(), id)
		if errors.Is(err, ErrProgressNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		if err != nil {
			slog.ErrorContext(c.Request().Context(), "failed to read progress", "task", id, "error", err)
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get progress")
		}
		return c.JSON(http.StatusOK, p)
	}
}
