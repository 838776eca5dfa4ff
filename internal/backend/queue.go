package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"livesync/internal/live"
)

var _ live.Server = (*Client)(nil)

// ListQueue handles GET /api/queue. Rows of an item type this build does not
// know are logged and skipped so the rest of the queue still loads.
func (c *Client) ListQueue(ctx context.Context) ([]live.QueueItem, error) {
	var rows []json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/api/queue", nil, nil, &rows); err != nil {
		return nil, err
	}
	items := make([]live.QueueItem, 0, len(rows))
	for _, row := range rows {
		var it live.QueueItem
		if err := json.Unmarshal(row, &it); err != nil {
			if errors.Is(err, live.ErrUnknownItemType) {
				c.log.Warn("skipping queue item", slog.String("error", err.Error()))
				continue
			}
			return nil, fmt.Errorf("decode GET /api/queue: %w", err)
		}
		items = append(items, it)
	}
	return items, nil
}

type addBody struct {
	live.NewQueueItem
	AfterID int64
}

// MarshalJSON flattens the item and adds afterId when set.
func (b addBody) MarshalJSON() ([]byte, error) {
	fields, err := flatten(b.NewQueueItem)
	if err != nil {
		return nil, err
	}
	if b.AfterID != 0 {
		fields["afterId"] = b.AfterID
	}
	return json.Marshal(fields)
}

func flatten(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	fields := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	return fields, nil
}

// AddQueueItem handles POST /api/queue. afterID 0 appends.
func (c *Client) AddQueueItem(ctx context.Context, item live.NewQueueItem, afterID int64) (live.QueueItem, error) {
	var created live.QueueItem
	err := c.do(ctx, http.MethodPost, "/api/queue", nil, addBody{NewQueueItem: item, AfterID: afterID}, &created)
	return created, err
}

// UpdateQueueItem handles PUT /api/queue/{id}.
func (c *Client) UpdateQueueItem(ctx context.Context, id int64, patch live.ItemPatch) (live.QueueItem, error) {
	var updated live.QueueItem
	err := c.do(ctx, http.MethodPut, "/api/queue/"+strconv.FormatInt(id, 10), nil, patch, &updated)
	return updated, err
}

// RemoveQueueItem handles DELETE /api/queue/{id}.
func (c *Client) RemoveQueueItem(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, "/api/queue/"+strconv.FormatInt(id, 10), nil, nil, nil)
}

// ReorderQueue handles PUT /api/queue/reorder with the full ordered id list.
func (c *Client) ReorderQueue(ctx context.Context, ids []int64) error {
	body := struct {
		ItemIDs []int64 `json:"itemIds"`
	}{ItemIDs: ids}
	return c.do(ctx, http.MethodPut, "/api/queue/reorder", nil, body, nil)
}

// ClearQueue handles DELETE /api/queue.
func (c *Client) ClearQueue(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/queue", nil, nil, nil)
}

// SetExpanded handles PUT /api/queue/{id}/expanded.
func (c *Client) SetExpanded(ctx context.Context, id int64, expanded bool) error {
	body := struct {
		IsExpanded bool `json:"isExpanded"`
	}{IsExpanded: expanded}
	return c.do(ctx, http.MethodPut, "/api/queue/"+strconv.FormatInt(id, 10)+"/expanded", nil, body, nil)
}
