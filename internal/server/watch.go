package server

import (
	"context"
	"net/http"
	"path"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"breakline/internal/domain"
	"breakline/internal/engine"
	"breakline/internal/logger"
	"breakline/internal/views"
)

const watchWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// registerWatch streams one projection per snapshot of the report collection
// over a websocket. The stream closes when the session signs out.
func registerWatch(r chi.Router, e engine.Engine, basePath string) {
	r.Get(path.Join(basePath, "watch"), func(w http.ResponseWriter, req *http.Request) {
		sess, authErr := sessionFromRequest(req.Context())
		if authErr != nil {
			respondStatusError(w, authErr)
			return
		}
		kind := views.Kind(req.URL.Query().Get("view"))
		status := req.URL.Query().Get("status")
		if _, err := e.ViewFor(req.Context(), sess.Principal(), kind, status); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			// Upgrade has already written the error response.
			return
		}
		defer conn.Close()
		rlog := logger.FromContext(req.Context()).WithField("view", kind)

		ctx, cancel := context.WithCancel(req.Context())
		defer cancel()

		latest := make(chan views.Projection, 1)
		stop, err := e.WatchView(ctx, sess.Principal(), kind, status, func(p views.Projection) {
			select {
			case <-latest:
			default:
			}
			latest <- p
		})
		if err != nil {
			rlog.WithError(err).Warn("watch failed")
			closeWith(conn, websocket.CloseInternalServerErr, "watch failed")
			return
		}
		defer stop()

		signedOut := make(chan struct{})
		unwatch := e.Identity.OnSessionChange(ctx, sess.ID, func(id *domain.Identity) {
			if id == nil {
				select {
				case <-signedOut:
				default:
					close(signedOut)
				}
			}
		})
		defer unwatch()

		go func() {
			// Drain client frames so close and ping control messages are handled.
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					cancel()
					return
				}
			}
		}()

		rlog.Debug("watch opened")
		for {
			select {
			case <-ctx.Done():
				rlog.Debug("watch closed by client")
				return
			case <-signedOut:
				rlog.Debug("watch closed on sign out")
				closeWith(conn, websocket.ClosePolicyViolation, "signed out")
				return
			case p := <-latest:
				conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
				if err := conn.WriteJSON(p); err != nil {
					rlog.WithError(err).Debug("watch write failed")
					return
				}
			}
		}
	})
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
