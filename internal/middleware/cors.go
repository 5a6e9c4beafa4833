package middleware

import (
	"github.com/labstack/echo/v4"

	"cors-proxy-go/internal/config"
	"cors-proxy-go/internal/cors"
)

const snapshotKey = "cors_proxy.snapshot"

// CORS pins the current config snapshot to the request and sets the CORS
// response headers it decides for the request's Origin. The headers are set
// before the handler runs so that error responses carry them too.
func CORS(store *config.Store) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			snap := store.Current()
			if snap == nil {
				return next(c)
			}
			c.Set(snapshotKey, snap)

			origin := c.Request().Header.Get(cors.HeaderOrigin)
			cors.Decide(origin, snap.CORS).Apply(c.Response().Header())

			return next(c)
		}
	}
}

// Snapshot returns the snapshot pinned by CORS, or nil when the middleware
// did not run.
func Snapshot(c echo.Context) *config.Snapshot {
	snap, _ := c.Get(snapshotKey).(*config.Snapshot)
	return snap
}
