package live

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"livesync/internal/channel"
	"livesync/internal/mutation"
	"livesync/internal/platform/logger"
)

// Handler exposes the read accessors and imperative mutations to the view
// layer. Responses use the same {data, error} envelope as the server.
type Handler struct {
	queue   *Queue
	scenes  *Scenes
	devices *Devices
	tracker *Tracker
	push    PushMonitor
	log     *slog.Logger
}

// PushMonitor reports on the event channel. *channel.Channel satisfies it.
type PushMonitor interface {
	Status() channel.Status
	ClientID() string
	LastPong() time.Time
	Dials() int
}

// NewHandler returns a Handler. push feeds /healthz and may be nil.
func NewHandler(q *Queue, s *Scenes, d *Devices, t *Tracker, push PushMonitor, log *slog.Logger) *Handler {
	return &Handler{queue: q, scenes: s, devices: d, tracker: t, push: push, log: logger.Component(log, "http")}
}

// Mount registers every route on r.
func (h *Handler) Mount(r chi.Router) {
	r.Get("/healthz", h.Health)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", h.ListQueue)
		r.Post("/", h.AddQueueItem)
		r.Delete("/", h.ClearQueue)
		r.Put("/order", h.ReorderQueue)
		r.Get("/active", h.Active)
		r.Get("/sync", h.QueueSync)
		r.Delete("/active", h.ClearSelection)
		r.Route("/{id}", func(r chi.Router) {
			r.Put("/", h.UpdateQueueItem)
			r.Delete("/", h.RemoveQueueItem)
			r.Post("/move", h.MoveQueueItem)
			r.Put("/expanded", h.SetExpanded)
			r.Post("/select", h.SelectItem)
			r.Post("/children/{child}/select", h.SelectChild)
		})
	})

	r.Get("/scenes", h.ListScenes)
	r.Post("/scenes/current", h.SwitchScene)

	r.Get("/obs/status", h.OBSStatus)
	r.Post("/obs/connect", h.ConnectOBS)
	r.Post("/obs/disconnect", h.DisconnectOBS)

	r.Get("/livestream/status", h.LivestreamStatus)
	r.Get("/youtube/auth", h.YouTubeAuth)

	r.Get("/stream/progress", h.StreamProgress)
	r.Post("/stream/progress/dismiss", h.DismissProgress)
	r.Post("/stream/start", h.StartStream)
	r.Post("/stream/stop", h.StopStream)
}

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Push: "unknown"}
	if h.push != nil {
		resp.Push = string(h.push.Status())
		resp.ClientID = h.push.ClientID()
		resp.Dials = h.push.Dials()
		if pong := h.push.LastPong(); !pong.IsZero() {
			resp.LastPong = &pong
		}
	}
	writeData(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status   string     `json:"status"`
	Push     string     `json:"push"`
	ClientID string     `json:"clientId,omitempty"`
	Dials    int        `json:"dials"`
	LastPong *time.Time `json:"lastPong,omitempty"`
}

// ListQueue handles GET /queue.
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	items := h.queue.Items()
	if items == nil {
		items = []QueueItem{}
	}
	writeData(w, http.StatusOK, items)
}

type addRequest struct {
	NewQueueItem
	AfterID int64
}

func (a *addRequest) UnmarshalJSON(data []byte) error {
	var extra struct {
		AfterID int64 `json:"afterId"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		return err
	}
	if err := json.Unmarshal(data, &a.NewQueueItem); err != nil {
		return err
	}
	a.AfterID = extra.AfterID
	return nil
}

// AddQueueItem handles POST /queue.
// Body: the flat item form plus an optional "afterId".
func (h *Handler) AddQueueItem(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, err)
		return
	}
	created, err := h.queue.InsertAfter(r.Context(), req.AfterID, req.NewQueueItem)
	if err != nil {
		h.fail(w, "add queue item", err)
		return
	}
	writeData(w, http.StatusCreated, created)
}

// UpdateQueueItem handles PUT /queue/{id}.
// Body: optional "isHidden", "isExpanded" and "content" (flat item form).
func (h *Handler) UpdateQueueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var body struct {
		IsHidden   *bool           `json:"isHidden"`
		IsExpanded *bool           `json:"isExpanded"`
		Content    json.RawMessage `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.badRequest(w, err)
		return
	}
	patch := ItemPatch{IsHidden: body.IsHidden, IsExpanded: body.IsExpanded}
	if len(body.Content) > 0 {
		var content NewQueueItem
		if err := json.Unmarshal(body.Content, &content); err != nil {
			h.badRequest(w, err)
			return
		}
		patch.Payload = content.Payload
	}
	updated, err := h.queue.Update(r.Context(), id, patch)
	if err != nil {
		h.fail(w, "update queue item", err)
		return
	}
	writeData(w, http.StatusOK, updated)
}

// RemoveQueueItem handles DELETE /queue/{id}.
func (h *Handler) RemoveQueueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	if err := h.queue.Remove(r.Context(), id); err != nil {
		h.fail(w, "remove queue item", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// ReorderQueue handles PUT /queue/order. Body: { "itemIds": [3, 1, 2] }.
func (h *Handler) ReorderQueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ItemIDs []int64 `json:"itemIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.queue.Reorder(r.Context(), body.ItemIDs); err != nil {
		h.fail(w, "reorder queue", err)
		return
	}
	writeData(w, http.StatusOK, h.queue.Items())
}

// MoveQueueItem handles POST /queue/{id}/move. Body: { "index": 0 }.
func (h *Handler) MoveQueueItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var body struct {
		Index *int `json:"index"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Index == nil {
		h.badRequest(w, errors.New("index is required"))
		return
	}
	if err := h.queue.Move(r.Context(), id, *body.Index); err != nil {
		h.fail(w, "move queue item", err)
		return
	}
	writeData(w, http.StatusOK, h.queue.Items())
}

// SetExpanded handles PUT /queue/{id}/expanded. Body: { "isExpanded": true }.
func (h *Handler) SetExpanded(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	var body struct {
		IsExpanded bool `json:"isExpanded"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.badRequest(w, err)
		return
	}
	if err := h.queue.SetExpanded(r.Context(), id, body.IsExpanded); err != nil {
		h.fail(w, "set expanded", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// ClearQueue handles DELETE /queue.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	if err := h.queue.Clear(r.Context()); err != nil {
		h.fail(w, "clear queue", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// Active handles GET /queue/active.
func (h *Handler) Active(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.queue.Active())
}

// QueueSync handles GET /queue/sync.
func (h *Handler) QueueSync(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.queue.SyncState())
}

// ClearSelection handles DELETE /queue/active.
func (h *Handler) ClearSelection(w http.ResponseWriter, r *http.Request) {
	h.queue.ClearSelection()
	writeData(w, http.StatusOK, Selection{})
}

// SelectItem handles POST /queue/{id}/select.
func (h *Handler) SelectItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	sel, err := h.queue.SelectItem(id)
	if err != nil {
		h.fail(w, "select item", err)
		return
	}
	writeData(w, http.StatusOK, sel)
}

// SelectChild handles POST /queue/{id}/children/{child}/select.
func (h *Handler) SelectChild(w http.ResponseWriter, r *http.Request) {
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}
	child := chi.URLParam(r, "child")
	if child == "" {
		writeError(w, http.StatusBadRequest, "child id is required")
		return
	}
	sel, err := h.queue.SelectChild(r.Context(), id, child)
	if err != nil {
		h.fail(w, "select child", err)
		return
	}
	writeData(w, http.StatusOK, sel)
}

// ListScenes handles GET /scenes?visibleOnly=true.
func (h *Handler) ListScenes(w http.ResponseWriter, r *http.Request) {
	visibleOnly, _ := strconv.ParseBool(r.URL.Query().Get("visibleOnly"))
	scenes := h.scenes.Scenes(visibleOnly)
	if scenes == nil {
		scenes = []SceneRecord{}
	}
	writeData(w, http.StatusOK, scenes)
}

// SwitchScene handles POST /scenes/current. Body: { "sceneName": "Worship" }.
func (h *Handler) SwitchScene(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SceneName string `json:"sceneName"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SceneName == "" {
		h.badRequest(w, errors.New("sceneName is required"))
		return
	}
	if err := h.scenes.SwitchScene(r.Context(), body.SceneName); err != nil {
		h.fail(w, "switch scene", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// OBSStatus handles GET /obs/status.
func (h *Handler) OBSStatus(w http.ResponseWriter, r *http.Request) {
	cs, ok := h.devices.OBSStatus()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeData(w, http.StatusOK, cs)
}

// ConnectOBS handles POST /obs/connect.
func (h *Handler) ConnectOBS(w http.ResponseWriter, r *http.Request) {
	if err := h.devices.ConnectOBS(r.Context()); err != nil {
		h.fail(w, "connect obs", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// DisconnectOBS handles POST /obs/disconnect.
func (h *Handler) DisconnectOBS(w http.ResponseWriter, r *http.Request) {
	if err := h.devices.DisconnectOBS(r.Context()); err != nil {
		h.fail(w, "disconnect obs", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

// LivestreamStatus handles GET /livestream/status.
func (h *Handler) LivestreamStatus(w http.ResponseWriter, r *http.Request) {
	ls, ok := h.devices.Livestream()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeData(w, http.StatusOK, ls)
}

// YouTubeAuth handles GET /youtube/auth.
func (h *Handler) YouTubeAuth(w http.ResponseWriter, r *http.Request) {
	a, ok := h.devices.YouTubeAuth()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeData(w, http.StatusOK, a)
}

// StreamProgress handles GET /stream/progress.
func (h *Handler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, h.tracker.Current())
}

// DismissProgress handles POST /stream/progress/dismiss. Only an error can
// be dismissed.
func (h *Handler) DismissProgress(w http.ResponseWriter, r *http.Request) {
	if !h.tracker.Dismiss() {
		writeError(w, http.StatusConflict, "nothing to dismiss")
		return
	}
	writeData(w, http.StatusOK, h.tracker.Current())
}

// StartStream handles POST /stream/start. The body is optional.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req StreamStartRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.badRequest(w, err)
			return
		}
	}
	if err := h.devices.StartStream(r.Context(), req); err != nil {
		h.fail(w, "start stream", err)
		return
	}
	writeData(w, http.StatusAccepted, nil)
}

// StopStream handles POST /stream/stop.
func (h *Handler) StopStream(w http.ResponseWriter, r *http.Request) {
	if err := h.devices.StopStream(r.Context()); err != nil {
		h.fail(w, "stop stream", err)
		return
	}
	writeData(w, http.StatusOK, nil)
}

func (h *Handler) itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid queue item id "+strconv.Quote(chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func (h *Handler) badRequest(w http.ResponseWriter, err error) {
	h.log.Debug("invalid request body", slog.String("error", err.Error()))
	writeError(w, http.StatusBadRequest, err.Error())
}

// rejection is implemented by server errors that carry the server's reason.
type rejection interface {
	error
	Reason() string
}

// fail maps an operation error to a status code.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	var rej rejection
	switch {
	case errors.Is(err, ErrItemNotFound), errors.Is(err, ErrChildNotFound), errors.Is(err, ErrSceneNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidOrder), errors.Is(err, ErrInvalidItem):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &rej):
		h.log.Info(op+" rejected by server", slog.String("reason", rej.Reason()))
		writeError(w, http.StatusConflict, rej.Reason())
	case errors.Is(err, context.DeadlineExceeded):
		h.log.Warn(op+" timed out", slog.String("error", err.Error()))
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, mutation.ErrPanicked):
		h.log.Error(op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		h.log.Warn(op+" failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

type envelope struct {
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
