package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lexiqai/voicecall/internal/call"
)

// Handler serves the call endpoints
type Handler struct {
	engine *call.Engine
}

// NewHandler creates the call endpoints for engine
func NewHandler(engine *call.Engine) *Handler {
	return &Handler{engine: engine}
}

// Register mounts the call endpoints on mux
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /calls/browser", h.HandleBrowser)
	mux.HandleFunc("GET /streams/twilio", h.HandleTwilio)
}

// HandleBrowser runs one call over a browser websocket. Query parameters:
// user_id, conversation_id, tier, sample_rate; the credential comes from the
// Authorization header or the token parameter.
func (h *Handler) HandleBrowser(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := call.Params{
		ConversationID: q.Get("conversation_id"),
		UserID:         q.Get("user_id"),
		Tier:           q.Get("tier"),
	}
	sampleRate, _ := strconv.Atoi(q.Get("sample_rate"))
	token := bearerToken(r)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade browser connection")
		return
	}
	conn := newConn(ws)
	device := NewBrowserDevice(conn, sampleRate)
	session := h.engine.NewSession(device, params, token, NewSink(conn))
	logger := log.With().Str("call_id", session.ID()).Str("transport", "browser").Logger()
	logger.Info().Int("sample_rate", device.SampleRate()).Msg("Browser call connected")

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		readBrowser(ws, device, session, logger)
	}()

	defer func() {
		session.Stop()
		_ = device.Close()
		_ = conn.Close(websocket.CloseNormalClosure, "call ended")
		<-readDone
		logger.Info().Msg("Browser call disconnected")
	}()

	if err := session.Start(r.Context()); err != nil {
		logger.Warn().Err(err).Msg("Call failed to start")
		rejectCall(conn, session.ID(), err)
		return
	}

	select {
	case <-session.Done():
	case <-readDone:
	}
}

func readBrowser(ws *websocket.Conn, device *BrowserDevice, session *call.Session, logger zerolog.Logger) {
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("Browser websocket read error")
			}
			return
		}

		switch kind {
		case websocket.BinaryMessage:
			device.Feed(data)
		case websocket.TextMessage:
			ctrl, err := ParseControl(data)
			if err != nil {
				logger.Warn().Err(err).Msg("Ignoring control message")
				continue
			}
			switch ctrl.Type {
			case "mute":
				session.Mute()
			case "unmute":
				session.Unmute()
			case "credential":
				session.UpdateCredential(ctrl.Token)
			case "stop":
				return
			}
		}
	}
}

// HandleTwilio runs one phone call over a Twilio Media Streams websocket.
// Call parameters arrive as custom parameters of the start event.
func (h *Handler) HandleTwilio(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to upgrade Twilio connection")
		return
	}
	conn := newConn(ws)
	device := NewTwilioDevice(conn)
	logger := log.With().Str("transport", "twilio").Logger()

	var session *call.Session
	defer func() {
		if session != nil {
			session.Stop()
		}
		_ = device.Close()
		_ = conn.Close(websocket.CloseNormalClosure, "call ended")
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("Twilio websocket read error")
			}
			return
		}

		var msg TwilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Error().Err(err).Msg("Failed to parse Twilio message")
			continue
		}

		switch msg.Event {
		case "connected":
			logger.Debug().Msg("Twilio stream connected")

		case "start":
			if session != nil || msg.Start == nil {
				continue
			}
			device.SetStream(msg.Start.StreamSid)
			custom := msg.Start.CustomParameters
			params := call.Params{
				CallID:         custom["call_id"],
				ConversationID: custom["conversation_id"],
				UserID:         custom["user_id"],
				Tier:           custom["tier"],
			}
			if params.ConversationID == "" {
				params.ConversationID = "call-" + msg.Start.CallSid
			}
			session = h.engine.NewSession(device, params, custom["token"], discardSink{})
			logger = logger.With().Str("call_id", session.ID()).Str("call_sid", msg.Start.CallSid).Logger()
			logger.Info().Str("stream_sid", msg.Start.StreamSid).Msg("Twilio call started")

			go runTwilioCall(r.Context(), session, conn, logger)

		case "media":
			if err := device.HandleMedia(msg.Media); err != nil {
				logger.Warn().Err(err).Msg("Dropping media event")
			}

		case "mark":
			device.HandleMark(msg.Mark)

		case "stop":
			logger.Info().Msg("Twilio call stopped")
			return

		default:
			logger.Debug().Str("event", msg.Event).Msg("Unknown Twilio event")
		}
	}
}

// runTwilioCall starts session and hangs up the stream once it ends
func runTwilioCall(ctx context.Context, session *call.Session, conn *Conn, logger zerolog.Logger) {
	if err := session.Start(ctx); err != nil {
		logger.Warn().Err(err).Msg("Call failed to start")
	}
	<-session.Done()
	if err := session.Err(); err != nil {
		logger.Info().Err(err).Msg("Call ended by engine")
	}
	_ = conn.Close(websocket.CloseNormalClosure, "call ended")
}

func rejectCall(conn *Conn, callID string, err error) {
	code := websocket.CloseInternalServerErr
	if errors.Is(err, call.ErrNotEntitled) {
		code = websocket.ClosePolicyViolation
	}
	_ = conn.WriteJSON(call.Event{
		Type:    call.EventError,
		CallID:  callID,
		Code:    "start_failed",
		Message: err.Error(),
	})
	_ = conn.Close(code, closeReason(err))
}

// closeReason fits err into a close frame
func closeReason(err error) string {
	reason := err.Error()
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return reason
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
