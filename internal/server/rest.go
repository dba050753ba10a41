package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/vocalglass/voice-gateway/internal/audio"
	"github.com/vocalglass/voice-gateway/internal/observability"
	"github.com/vocalglass/voice-gateway/internal/storage"
)

const (
	maxTextBody   = 1 << 20
	maxAudioBody  = 25 << 20
	maxVisionBody = 32 << 20
	wavMIMEType   = "audio/wav"
	detailUnauth  = "Bearer token missing or unknown"
	detailFailure = "Internal server error"
)

type textToWAVRequest struct {
	Text string `json:"text"`
}

type textToWAVResponse struct {
	AudioURL string `json:"audio_url"`
}

type audioToTextResponse struct {
	Transcription string `json:"transcription"`
}

type visionChatRequest struct {
	SessionID    string   `json:"session_id"`
	UserInput    string   `json:"user_input"`
	ImagesBase64 []string `json:"images_base64"`
}

// requireToken rejects requests without a known bearer token
func (s *Server) requireToken(next http.HandlerFunc) http.HandlerFunc {
	if len(s.tokens) == 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.knownToken(bearerToken(r)) {
			writeDetail(w, http.StatusUnauthorized, detailUnauth)
			return
		}
		next(w, r)
	}
}

func (s *Server) knownToken(token string) bool {
	if token == "" {
		return false
	}
	found := false
	for _, t := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(token), t) == 1 {
			found = true
		}
	}
	return found
}

func bearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// handleTextToWAV synthesizes text into a WAV file and returns its URL, or
// the file itself when no uploader is configured
func (s *Server) handleTextToWAV(w http.ResponseWriter, r *http.Request) {
	var req textToWAVRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxTextBody)).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeDetail(w, http.StatusBadRequest, "Text is required")
		return
	}

	pcm, err := s.synthesizer.Synthesize(r.Context(), req.Text)
	if err != nil {
		s.logger.Error().Err(err).Msg("text_to_wav synthesis failed")
		observability.RecordError("synthesis_failed", "server")
		writeDetail(w, http.StatusInternalServerError, detailFailure)
		return
	}
	if len(pcm) == 0 {
		writeDetail(w, http.StatusBadRequest, "Text contains nothing to speak")
		return
	}

	wav := audio.EncodeWAV(pcm, audio.DefaultFormat(s.sampleRate))

	if s.uploader == nil {
		w.Header().Set("Content-Type", wavMIMEType)
		w.WriteHeader(http.StatusOK)
		w.Write(wav)
		return
	}

	url, err := s.uploader.Upload(r.Context(), storage.NewObjectName(".wav"), wav, wavMIMEType)
	if err != nil {
		s.logger.Error().Err(err).Msg("text_to_wav upload failed")
		writeDetail(w, http.StatusInternalServerError, detailFailure)
		return
	}

	s.logger.Info().Str("audio_url", url).Int("bytes", len(wav)).Msg("text_to_wav complete")
	writeJSON(w, http.StatusOK, textToWAVResponse{AudioURL: url})
}

// handleAudioToText transcribes the uploaded multipart "file" field
func (s *Server) handleAudioToText(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAudioBody)

	file, _, err := r.FormFile("file")
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "File is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Failed to read file")
		return
	}
	if len(data) == 0 {
		writeDetail(w, http.StatusBadRequest, "File is empty")
		return
	}

	text := s.transcriber.Transcribe(r.Context(), data)
	writeJSON(w, http.StatusOK, audioToTextResponse{Transcription: text})
}

// handleVisionChat streams a plain-text reply to a prompt with attached
// images. The exchange joins the history kept for session_id.
func (s *Server) handleVisionChat(w http.ResponseWriter, r *http.Request) {
	var req visionChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxVisionBody)).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeDetail(w, http.StatusBadRequest, "Session ID is required")
		return
	}
	if strings.TrimSpace(req.UserInput) == "" {
		writeDetail(w, http.StatusBadRequest, "User input is required")
		return
	}

	logger := s.logger.With().Str("session_id", req.SessionID).Int("images", len(req.ImagesBase64)).Logger()

	fragments, err := s.vision.GenerateWithImages(r.Context(), req.SessionID, req.UserInput, req.ImagesBase64)
	if err != nil {
		logger.Error().Err(err).Msg("vision_chat generation failed")
		observability.RecordError("generation_failed", "server")
		writeDetail(w, http.StatusInternalServerError, detailFailure)
		return
	}
	defer fragments.Close()

	flusher, _ := w.(http.Flusher)
	started := false
	for {
		fragment, err := fragments.Next(r.Context())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logger.Error().Err(err).Bool("streaming", started).Msg("vision_chat stream failed")
			observability.RecordError("generation_failed", "server")
			if !started {
				writeDetail(w, http.StatusInternalServerError, detailFailure)
			}
			return
		}

		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(w, fragment); err != nil {
			logger.Debug().Err(err).Msg("vision_chat client went away")
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if !started {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
	logger.Info().Msg("vision_chat complete")
}
