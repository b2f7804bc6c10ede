package prep

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/goliatone/go-router"
)

// DefaultErrorView is rendered for unrecovered handler failures
const DefaultErrorView = "errors/500"

// Recover renders the error page with a reload link when a handler
// further down the chain panics
func Recover(logger Logger) router.MiddlewareFunc {
	if logger == nil {
		logger = defLogger{}
	}

	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(ctx router.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}

				logger.Error("recovered from panic",
					"path", ctx.OriginalURL(),
					"panic", fmt.Sprint(r),
					"stack", string(debug.Stack()),
				)

				err = ctx.Status(http.StatusInternalServerError).Render(DefaultErrorView, router.ViewContext{
					"message":    "Something went wrong while loading this page.",
					"reload_url": ctx.OriginalURL(),
				})
			}()

			return ctx.Next()
		}
	}
}
