package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"css-relay/internal/game"
	"css-relay/internal/ws"
)

// SetupRoutes builds the router: the game websocket, a liveness probe and
// the static prompt/result artifacts the clients load images from.
func SetupRoutes(h *ws.Hub, engine *game.Engine, promptsDir, resultsDir string, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", ws.Handler(h, engine, log))
	r.Get("/healthz", Healthz)

	fileServer(r, "/prompts", promptsDir)
	fileServer(r, "/results", resultsDir)
	return r
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func fileServer(r chi.Router, path string, dir string) {
	fs := http.StripPrefix(path, http.FileServer(http.Dir(dir)))
	r.Get(path+"/*", func(w http.ResponseWriter, req *http.Request) {
		fs.ServeHTTP(w, req)
	})
}
