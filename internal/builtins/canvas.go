// ABOUTME: Canvas pack: present, navigate and hide the node's browser canvas.
// ABOUTME: Results carry a status string plus the URL currently shown.

package builtins

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/coven-node/internal/canvas"
	"github.com/2389/coven-node/internal/dispatch"
	"github.com/2389/coven-node/internal/protocol"
)

// Canvas is the canvas controller surface the pack needs.
type Canvas interface {
	Present(ctx context.Context, url string) (canvas.State, error)
	Navigate(ctx context.Context, url string) (canvas.State, error)
	Hide(ctx context.Context) (canvas.State, error)
}

// CanvasPack creates the canvas.* commands.
func CanvasPack(c Canvas) *dispatch.Pack {
	h := &canvasHandlers{canvas: c}
	return &dispatch.Pack{
		ID: "builtin:canvas",
		Commands: []*dispatch.Command{
			{Name: "canvas.present", Description: "Show the canvas", Handler: h.Present},
			{Name: "canvas.navigate", Description: "Load a URL in the canvas", Handler: h.Navigate},
			{Name: "canvas.hide", Description: "Hide the canvas", Handler: h.Hide},
		},
	}
}

type canvasHandlers struct {
	canvas Canvas
}

type canvasParams struct {
	URL string `json:"url,omitempty"`
}

type canvasResult struct {
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

func (h *canvasHandlers) Present(ctx context.Context, _ *protocol.Invocation, params json.RawMessage) (any, error) {
	var p canvasParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	st, err := h.canvas.Present(ctx, p.URL)
	if err != nil {
		return nil, canvasError(err)
	}
	return canvasResult{Status: "visible", URL: st.URL}, nil
}

func (h *canvasHandlers) Navigate(ctx context.Context, _ *protocol.Invocation, params json.RawMessage) (any, error) {
	var p canvasParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.URL == "" {
		return nil, dispatch.InvalidParams(errors.New("url is required"))
	}
	st, err := h.canvas.Navigate(ctx, p.URL)
	if err != nil {
		return nil, canvasError(err)
	}
	return canvasResult{Status: "navigated", URL: st.URL}, nil
}

func (h *canvasHandlers) Hide(ctx context.Context, _ *protocol.Invocation, _ json.RawMessage) (any, error) {
	if _, err := h.canvas.Hide(ctx); err != nil {
		return nil, canvasError(err)
	}
	return canvasResult{Status: "hidden"}, nil
}

func canvasError(err error) error {
	if errors.Is(err, canvas.ErrInvalidURL) {
		return dispatch.InvalidParams(err)
	}
	return dispatch.Errorf(protocol.CodeUnavailable, "%v", err)
}
