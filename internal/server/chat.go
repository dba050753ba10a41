package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vocalglass/voice-gateway/internal/session"
	"github.com/vocalglass/voice-gateway/internal/stream"
)

// Inbound control messages
const (
	pongMessage          = "pong"
	stopRecordingMessage = "stop_recording"
)

var upgrader = websocket.Upgrader{
	// Browsers connect from the web app's origin, which is not known here
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// HandleChat upgrades the request and runs the session's read loop until the
// client goes away or a turn fails. Every exit path tears the session down.
func (s *Server) HandleChat(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client
		s.logger.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	conn := newWSConn(ws, s.writeTimeout)
	sess, err := s.manager.Connect(conn)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Rejecting connection")
		conn.closeWith(websocket.CloseGoingAway, "server shutting down")
		conn.Close()
		return
	}
	defer s.manager.Disconnect(sess.ID)

	ws.SetReadLimit(s.maxMessageSize)
	sink := &sessionSink{conn: conn, metrics: sess.Metrics}

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				sess.Logger.Warn().Err(err).Msg("WebSocket read error")
			} else {
				sess.Logger.Debug().Err(err).Msg("Client closed connection")
			}
			return
		}

		if !s.handleFrame(sess, sink, messageType, data) {
			return
		}
	}
}

// handleFrame processes one inbound frame. It returns false when the
// connection should be torn down.
func (s *Server) handleFrame(sess *session.Session, sink *sessionSink, messageType int, data []byte) bool {
	switch messageType {
	case websocket.BinaryMessage:
		if err := sess.AppendAudio(data); err != nil {
			sess.Logger.Warn().Err(err).Int("bytes", len(data)).Msg("Dropping audio frame")
			sess.Metrics.RecordError("audio_dropped", "server")
			return true
		}
		sess.Metrics.RecordAudioBytes("in", int64(len(data)))
		return true

	case websocket.TextMessage:
		text := string(data)
		switch {
		case text == pongMessage:
			sess.Logger.Debug().Msg("Received pong")
			return true
		case text == stopRecordingMessage:
			return s.finishRecording(sess, sink)
		case strings.TrimSpace(text) == "":
			sess.Logger.Warn().Msg("Ignoring empty text message")
			sess.Metrics.RecordError("malformed_message", "server")
			return true
		default:
			return s.runTurn(sess, sink, text)
		}
	}

	sess.Logger.Warn().Int("message_type", messageType).Msg("Ignoring unsupported message type")
	return true
}

// finishRecording transcribes the buffered recording, reports the transcript
// and answers it
func (s *Server) finishRecording(sess *session.Session, sink *sessionSink) bool {
	recording := sess.DrainAudio()
	if len(recording) == 0 {
		sess.Logger.Warn().Msg("stop_recording with empty audio buffer")
		return true
	}

	start := time.Now()
	transcript := s.transcriber.Transcribe(sess.Context(), recording)
	sess.Logger.Info().
		Int("bytes", len(recording)).
		Dur("latency", time.Since(start)).
		Str("transcript", transcript).
		Msg("Recording transcribed")

	if err := sink.WriteMessage(stream.Message{Type: stream.TypeTranscription, Content: transcript}); err != nil {
		sess.Logger.Warn().Err(err).Msg("Client went away before transcription was sent")
		return false
	}

	if strings.TrimSpace(transcript) == "" {
		sess.Logger.Info().Msg("Empty transcript, skipping turn")
		return true
	}
	return s.runTurn(sess, sink, transcript)
}

// runTurn streams the reply to prompt. Provider failures have already closed
// the connection by the time Run returns.
func (s *Server) runTurn(sess *session.Session, sink *sessionSink, prompt string) bool {
	sess.Metrics.RecordTurnStart()
	start := time.Now()

	err := s.turns.Run(sess.Context(), sess.ID, prompt, sink)
	switch {
	case err == nil:
		sess.Metrics.RecordTurnEnd("completed")
		sess.Logger.Info().Dur("duration", time.Since(start)).Msg("Turn completed")
		return true
	case errors.Is(err, stream.ErrEmptyPrompt):
		return true
	case stream.IsDisconnect(err):
		sess.Metrics.RecordTurnEnd("disconnected")
		return false
	default:
		sess.Metrics.RecordTurnEnd("failed")
		sess.Logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Turn failed")
		return false
	}
}
