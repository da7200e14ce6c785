package xhttp

import (
	"encoding/json"

	"github.com/fasthttp/router"
	"github.com/nimasrn/campaign-pipeline/pkg/logger"
)

type Router = router.Router

func NewRouter() *Router {
	return router.New()
}

// CreateDefaultRouter returns a router whose fallback responses use the same
// {"error": "..."} body as the API handlers. Trailing slashes redirect and
// wrong methods answer 405 with an Allow header.
func CreateDefaultRouter() *Router {
	r := NewRouter()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = true
	r.SaveMatchedRoutePath = true
	r.HandleOPTIONS = false
	r.HandleMethodNotAllowed = true
	r.NotFound = NotFoundHandler
	r.MethodNotAllowed = MethodNotAllowedHandler
	r.PanicHandler = PanicHandler
	return r
}

func NotFoundHandler(ctx *RequestCtx) {
	WriteError(ctx, StatusNotFound, "route not found")
}

func MethodNotAllowedHandler(ctx *RequestCtx) {
	WriteError(ctx, StatusMethodNotAllowed, StatusText(StatusMethodNotAllowed))
}

func PanicHandler(ctx *RequestCtx, v interface{}) {
	logger.Error("[xhttp] handler panic", "path", string(ctx.Path()), "error", v)
	WriteError(ctx, StatusInternalServerError, StatusText(StatusInternalServerError))
}

// WriteError writes {"error": msg} with the given status.
func WriteError(ctx *RequestCtx, status int, msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	ctx.Response.Header.SetContentType("application/json; charset=utf-8")
	ctx.Response.SetStatusCode(status)
	ctx.Response.SetBodyRaw(b)
}
