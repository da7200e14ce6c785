package xhttp

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveRoute(r *Router, method, path string) *RequestCtx {
	ctx := &RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	r.Handler(ctx)
	return ctx
}

func errorBody(t *testing.T, ctx *RequestCtx) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(ctx.Response.Body(), &body))
	return body["error"]
}

func TestCreateDefaultRouter(t *testing.T) {
	r := CreateDefaultRouter()
	r.GET("/api/v1/runs/{id}/stats", func(ctx *RequestCtx) {
		ctx.SetStatusCode(StatusOK)
	})
	r.GET("/api/v1/boom", func(ctx *RequestCtx) {
		panic("boom")
	})

	t.Run("matched", func(t *testing.T) {
		ctx := serveRoute(r, "GET", "/api/v1/runs/7/stats")
		assert.Equal(t, StatusOK, ctx.Response.StatusCode())
	})

	t.Run("not found", func(t *testing.T) {
		ctx := serveRoute(r, "GET", "/api/v1/nope")
		assert.Equal(t, StatusNotFound, ctx.Response.StatusCode())
		assert.Equal(t, "route not found", errorBody(t, ctx))
		assert.Contains(t, string(ctx.Response.Header.ContentType()), "application/json")
	})

	t.Run("method not allowed", func(t *testing.T) {
		ctx := serveRoute(r, "DELETE", "/api/v1/runs/7/stats")
		assert.Equal(t, StatusMethodNotAllowed, ctx.Response.StatusCode())
		assert.Contains(t, string(ctx.Response.Header.Peek("Allow")), "GET")
		assert.NotEmpty(t, errorBody(t, ctx))
	})

	t.Run("panic", func(t *testing.T) {
		ctx := serveRoute(r, "GET", "/api/v1/boom")
		assert.Equal(t, StatusInternalServerError, ctx.Response.StatusCode())
		assert.NotEmpty(t, errorBody(t, ctx))
	})
}
