package handler

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/haatos/pushdeploy/internal/service"
	"github.com/haatos/pushdeploy/internal/store"
	"github.com/labstack/echo/v4"
)

func SetupPipelineRoutes(
	g *echo.Group,
	runStore store.RunStore,
	configStore store.ConfigStore,
	notifier service.Notifier,
) {
	h := NewPipelineHandler(runStore, configStore, notifier)
	g.GET("/pipelines", h.ListPipelineRuns, IsAuthenticated)
	g.GET("/pipelines/:pipeline_id", h.GetPipelineRun, IsAuthenticated)
	g.GET("/pipelines/:pipeline_id/logs", h.GetPipelineRunLogs, IsAuthenticated)
	g.GET("/events", h.GetUserEvents, IsAuthenticated)
	g.GET("/configs/:config_id/events", h.GetConfigEvents, IsAuthenticated)
	g.GET("/ws", h.GetUserWebsocket, IsAuthenticated)
}

type PipelineRunResponse struct {
	PipelineID  int64           `json:"pipeline_id"`
	ConfigID    int64           `json:"config_id"`
	Status      store.RunStatus `json:"status"`
	CommitSHA   string          `json:"commit_sha"`
	TriggerTime time.Time       `json:"trigger_time"`
	EndTime     *time.Time      `json:"end_time"`
}

func toRunResponse(r *store.PipelineRun) PipelineRunResponse {
	return PipelineRunResponse{
		PipelineID:  r.RunID,
		ConfigID:    r.RunConfigID,
		Status:      r.Status,
		CommitSHA:   r.CommitSHA,
		TriggerTime: r.TriggerTime,
		EndTime:     r.EndTime,
	}
}

type PipelineHandler struct {
	runStore    store.RunStore
	configStore store.ConfigStore
	notifier    service.Notifier
	upgrader    websocket.Upgrader
}

func NewPipelineHandler(
	runStore store.RunStore,
	configStore store.ConfigStore,
	notifier service.Notifier,
) *PipelineHandler {
	return &PipelineHandler{
		runStore:    runStore,
		configStore: configStore,
		notifier:    notifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *PipelineHandler) ListPipelineRuns(c echo.Context) error {
	u := getCtxUser(c)
	runs, err := h.runStore.ListRunsForUser(c.Request().Context(), u.UserID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "could not list pipeline runs")
	}

	out := make([]PipelineRunResponse, len(runs))
	for i := range runs {
		out[i] = toRunResponse(&runs[i])
	}
	return c.JSON(http.StatusOK, out)
}

// readOwnedRun loads a run and enforces that the session user owns its
// config. Missing runs are 404, foreign runs 403.
func (h *PipelineHandler) readOwnedRun(c echo.Context, runID int64) (*store.PipelineRun, error) {
	u := getCtxUser(c)
	run, err := h.runStore.ReadRunByID(c.Request().Context(), runID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, newError(err, http.StatusNotFound, "pipeline run not found")
		}
		return nil, newError(err, http.StatusInternalServerError, "could not read pipeline run")
	}
	isOwner, err := h.configStore.IsConfigUser(c.Request().Context(), run.RunConfigID, u.UserID)
	if err != nil {
		return nil, newError(err, http.StatusInternalServerError, "could not check ownership")
	}
	if !isOwner {
		return nil, newError(nil, http.StatusForbidden, "not your pipeline")
	}
	return run, nil
}

func (h *PipelineHandler) GetPipelineRun(c echo.Context) error {
	var params RunParams
	if err := c.Bind(&params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}
	run, err := h.readOwnedRun(c, params.RunID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toRunResponse(run))
}

func (h *PipelineHandler) GetPipelineRunLogs(c echo.Context) error {
	var params RunParams
	if err := c.Bind(&params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid pipeline id")
	}
	run, err := h.readOwnedRun(c, params.RunID)
	if err != nil {
		return err
	}
	return c.String(http.StatusOK, run.Logs)
}

// GetUserEvents streams status events for every config the user owns.
// The latest known run is replayed first so a client connecting between
// events does not start blind.
func (h *PipelineHandler) GetUserEvents(c echo.Context) error {
	u := getCtxUser(c)

	events, cancel, err := h.notifier.SubscribeUser(c.Request().Context(), u.UserID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "could not subscribe")
	}
	defer cancel()

	var first *service.StatusEvent
	if latest, err := h.runStore.LatestRunForUser(
		c.Request().Context(), u.UserID,
	); err == nil {
		first = &service.StatusEvent{
			ConfigID:  latest.RunConfigID,
			RunID:     latest.RunID,
			Status:    latest.Status,
			CommitSHA: latest.CommitSHA,
			Timestamp: latest.TriggerTime.UTC().Format(time.RFC3339),
		}
	} else if !errors.Is(err, sql.ErrNoRows) {
		return newError(err, http.StatusInternalServerError, "could not read latest run")
	}

	return h.streamEvents(c, events, first)
}

func (h *PipelineHandler) GetConfigEvents(c echo.Context) error {
	var params ConfigIDParams
	if err := c.Bind(&params); err != nil {
		return newError(err, http.StatusBadRequest, "invalid config id")
	}
	u := getCtxUser(c)
	isOwner, err := h.configStore.IsConfigUser(
		c.Request().Context(), params.ConfigID, u.UserID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "could not check ownership")
	}
	if !isOwner {
		return newError(nil, http.StatusForbidden, "not your config")
	}

	events, cancel, err := h.notifier.SubscribeConfig(c.Request().Context(), params.ConfigID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "could not subscribe")
	}
	defer cancel()

	return h.streamEvents(c, events, nil)
}

func (h *PipelineHandler) streamEvents(
	c echo.Context,
	events <-chan service.StatusEvent,
	first *service.StatusEvent,
) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(ev service.StatusEvent) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		e := Event{
			ID:   uuid.NewString(),
			Name: "status",
			Data: b,
		}
		if err := e.MarshalTo(w); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	if first != nil {
		if err := writeEvent(*first); err != nil {
			return nil
		}
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-keepalive.C:
			e := Event{Comment: "keepalive"}
			if err := e.MarshalTo(w); err != nil {
				return nil
			}
			w.Flush()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeEvent(ev); err != nil {
				return nil
			}
		}
	}
}

// GetUserWebsocket mirrors the user event stream over a websocket for
// clients that cannot hold an SSE connection open.
func (h *PipelineHandler) GetUserWebsocket(c echo.Context) error {
	u := getCtxUser(c)

	events, cancel, err := h.notifier.SubscribeUser(c.Request().Context(), u.UserID)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "could not subscribe")
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return newError(err, http.StatusBadRequest, "could not upgrade connection")
	}
	defer conn.Close()

	// drain client frames so close handshakes are noticed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-c.Request().Context().Done():
			return nil
		case <-ping.C:
			if err := conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(5*time.Second),
			); err != nil {
				return nil
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				return nil
			}
		}
	}
}
