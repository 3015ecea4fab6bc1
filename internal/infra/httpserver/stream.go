package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"
)

const streamWriteTimeout = 5 * time.Second

// GET /v1/checks/{id}/evidence/stream
//
// Pushes every evidence row recorded for the check after the connection
// opens. Earlier rows come from the paginated listing.
func (r *Router) handleEvidenceStream(w http.ResponseWriter, req *http.Request) {
	id, err := pathID(req, "check_id")
	if err == nil {
		_, err = r.ownCheck(req, id)
	}
	if err != nil {
		r.wrap(func(http.ResponseWriter, *http.Request) error { return err })(w, req)
		return
	}
	if r.Broker == nil {
		writeError(w, http.StatusServiceUnavailable, "evidence stream is not available")
		return
	}

	// subscribe before the handshake so nothing recorded after it is missed
	events, cancel := r.Broker.Subscribe(id)
	defer cancel()

	conn, err := websocket.Accept(w, req, &websocket.AcceptOptions{
		OriginPatterns: origins(r.CORSOrigins),
	})
	if err != nil {
		log.Warn().Err(err).Str("check_id", id).Msg("ws accept error")
		return
	}
	defer conn.CloseNow()

	// client messages are ignored; ctx ends when the peer closes
	ctx := conn.CloseRead(req.Context())
	logger := log.With().Str("check_id", id).Logger()
	logger.Debug().Msg("evidence stream opened")

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("evidence stream closed")
			return
		case e, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				logger.Warn().Err(err).Msg("encode evidence")
				continue
			}
			wctx, done := context.WithTimeout(ctx, streamWriteTimeout)
			err = conn.Write(wctx, websocket.MessageText, data)
			done()
			if err != nil {
				logger.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}
}
