package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

// setSSEHeaders prepares the response for a server-sent event stream and
// advertises where the run can be streamed from and fetched at.
func setSSEHeaders(c echo.Context, threadID, runID string) {
	h := c.Response().Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Location", fmt.Sprintf("/threads/%s/runs/%s/stream", threadID, runID))
	h.Set("Content-Location", fmt.Sprintf("/threads/%s/runs/%s", threadID, runID))
	c.Response().WriteHeader(http.StatusOK)
}

// writeSSE writes one server-sent event frame and flushes it so the client
// observes it immediately.
func writeSSE(c echo.Context, id, event string, payload any) error {
	data, err := marshalSSEData(payload)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"error":"payload serialization failed","original_type":"%T"}`, payload))
	}
	if _, err := fmt.Fprintf(c.Response(), "event: %s\ndata: %s\nid: %s\n\n", event, data, id); err != nil {
		return err
	}
	c.Response().Flush()
	return nil
}

func marshalSSEData(payload any) ([]byte, error) {
	if payload == nil {
		return []byte("null"), nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		if len(raw) == 0 {
			return []byte("null"), nil
		}
		return raw, nil
	}
	return json.Marshal(payload)
}
