package scan

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/adaptive.scan/internal/httputil"
)

// AttachAdminRoutes serves the controller status as JSON at
// /debug/scan-status.
func (c *Controller) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.Handle("scan-status", "Adaptive scan controller state", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, c.Status())
	}))
}
