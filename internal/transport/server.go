// Package transport exposes the intake pipeline over the wire: a WebSocket
// endpoint for live voice conversations and webhook endpoints for text
// channels.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/intake-voice-lab/internal/audio"
	"github.com/intake-voice-lab/internal/config"
	"github.com/intake-voice-lab/internal/dispatch"
	"github.com/intake-voice-lab/internal/intake"
	"github.com/intake-voice-lab/internal/logging"
)

// Transcriber turns a finalized utterance into text.
type Transcriber interface {
	Transcribe(ctx context.Context, u audio.Utterance) (string, error)
}

// Server handles voice and webhook traffic.
type Server struct {
	cfg      config.Settings
	pipeline *intake.Pipeline
	stt      Transcriber
	upgrader websocket.Upgrader
}

func NewServer(cfg config.Settings, pipeline *intake.Pipeline, stt Transcriber) *Server {
	return &Server{
		cfg:      cfg,
		pipeline: pipeline,
		stt:      stt,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes mounts the transport endpoints on a chi router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/voice_chat", s.handleVoiceChat)
	r.Post("/webhook/sms", s.handleWebhook(dispatch.ChannelSMS))
	r.Post("/webhook/whatsapp", s.handleWebhook(dispatch.ChannelWhatsApp))
	r.Get("/healthz", s.handleHealth)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleWebhook accepts Twilio-shaped form posts (From, Body) and runs the
// message through the pipeline. The reply comes back as JSON.
func (s *Server) handleWebhook(channel dispatch.Channel) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		from := strings.TrimSpace(r.PostFormValue("From"))
		body := strings.TrimSpace(r.PostFormValue("Body"))
		if from == "" {
			http.Error(w, "missing From", http.StatusBadRequest)
			return
		}

		reply := s.pipeline.Process(r.Context(), from, channel, body)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"response_text":  reply.Text,
			"intent":         reply.Intent,
			"confidence":     reply.Confidence,
			"source":         reply.Source,
			"correlation_id": reply.CorrelationID,
		})
	}
}

// clientMessage is the JSON control frame sent by voice clients. Audio
// itself arrives as binary frames.
type clientMessage struct {
	Event  string `json:"event"`
	UserID string `json:"user_id,omitempty"`
	Format string `json:"format,omitempty"`
}

// voiceConn wraps one WebSocket connection. Gorilla connections allow a
// single concurrent writer, so every outbound frame goes through send.
type voiceConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *voiceConn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *voiceConn) sendError(msg string) {
	_ = c.send(map[string]interface{}{"type": "error", "message": msg})
}

func (s *Server) handleVoiceChat(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnw("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	c := &voiceConn{conn: ws}
	defer ws.Close()

	var (
		session *audio.Session
		decoder *audio.OpusDecoder
		userID  string
	)
	defer func() {
		if session != nil {
			session.Close()
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Warnw("voice connection dropped", "user_id", userID, "err", err)
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			if session == nil {
				c.sendError("send start_conversation before audio")
				continue
			}
			chunk := data
			if decoder != nil {
				chunk, err = decoder.Decode(data)
				if err != nil {
					logging.Warnw("dropping undecodable opus packet",
						"session_id", session.ID, "err", err)
					continue
				}
			}
			if !session.Append(chunk) {
				logging.Debugw("rejected audio chunk",
					"session_id", session.ID, "bytes", len(data))
			}
			continue
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid control message")
			continue
		}

		switch msg.Event {
		case "start_conversation":
			if msg.UserID == "" {
				c.sendError("user_id is required")
				continue
			}
			if session != nil {
				session.Close()
				session = nil
				decoder = nil
			}
			userID = msg.UserID
			if strings.EqualFold(msg.Format, "opus") {
				decoder, err = audio.NewOpusDecoder(s.cfg.InputSampleRate)
				if err != nil {
					logging.Errorw("opus decoder init failed", "err", err)
					c.sendError("opus not available")
					continue
				}
			}
			session = s.newVoiceSession(c, userID)
			session.Start()
			_ = c.send(map[string]interface{}{
				"type":    "status",
				"status":  "ready",
				"session": session.ID,
				"config": map[string]interface{}{
					"input_sample_rate":  s.cfg.InputSampleRate,
					"output_sample_rate": s.cfg.OutputSampleRate,
					"silence_timeout_s":  s.cfg.SilenceTimeout.Seconds(),
					"max_duration_s":     s.cfg.MaxAudioDuration.Seconds(),
					"format":             formatName(decoder != nil),
				},
			})

		case "end_conversation":
			if session != nil {
				session.End()
				_ = c.send(map[string]interface{}{
					"type": "status", "status": "ended", "stats": session.Stats(),
				})
			}

		case "ping":
			pong := map[string]interface{}{"type": "pong"}
			if session != nil {
				pong["stats"] = session.Stats()
			}
			_ = c.send(pong)

		default:
			c.sendError("unknown event: " + msg.Event)
		}
	}
}

func formatName(opus bool) string {
	if opus {
		return "opus"
	}
	return "pcm_f32le"
}

// newVoiceSession builds an audio session whose finalized utterances flow
// through STT and the intake pipeline, with results pushed back over the
// socket.
func (s *Server) newVoiceSession(c *voiceConn, userID string) *audio.Session {
	cfg := audio.SessionConfig{
		InputRate:       s.cfg.InputSampleRate,
		OutputRate:      s.cfg.OutputSampleRate,
		SilenceTimeout:  s.cfg.SilenceTimeout,
		SilenceInterval: s.cfg.SilenceInterval,
		SilenceChecks:   s.cfg.SilenceChecks,
		MaxDuration:     s.cfg.MaxAudioDuration,
		MinEnergy:       s.cfg.MinEnergy,
		ValidationWin:   s.cfg.ValidationWindow,
	}
	var sess *audio.Session
	sess = audio.NewSession(cfg, func(ctx context.Context, u audio.Utterance) error {
		text, err := s.stt.Transcribe(ctx, u)
		if err != nil {
			c.sendError("transcription failed")
			return err
		}
		if strings.TrimSpace(text) == "" {
			logging.Debugw("empty transcription, skipping",
				"session_id", u.SessionID, "correlation_id", u.CorrelationID)
			return nil
		}

		if err := c.send(map[string]interface{}{
			"type":           "transcription",
			"text":           text,
			"correlation_id": u.CorrelationID,
			"quality":        u.Quality,
			"stats":          sess.Stats(),
		}); err != nil {
			return err
		}

		reply := s.pipeline.Process(ctx, userID, dispatch.ChannelWebChat, text)
		out := map[string]interface{}{
			"type":           "ai_response",
			"text":           reply.Text,
			"intent":         reply.Intent,
			"confidence":     reply.Confidence,
			"source":         reply.Source,
			"correlation_id": u.CorrelationID,
		}
		if reply.Task != nil {
			out["scheduled_at"] = reply.Task.ScheduledTime.Format(time.RFC3339)
		}
		return c.send(out)
	})
	return sess
}
