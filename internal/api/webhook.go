package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/twilio/twilio-go/client"

	"github.com/BTreeMap/InterviewPipe/internal/interview"
	"github.com/BTreeMap/InterviewPipe/internal/messaging"
	"github.com/BTreeMap/InterviewPipe/internal/sanitize"
	"github.com/BTreeMap/InterviewPipe/internal/store"
)

const (
	twilioSignatureHeader = "X-Twilio-Signature"
	emptyTwiML            = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`
	inboundBusyRetries    = 10
	inboundBusyBackoff    = 250 * time.Millisecond
)

// twilioWebhookHandler accepts inbound WhatsApp messages. It acknowledges
// immediately and runs the turn in the background; the engine's sender
// delivers the reply.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if !s.validTwilioSignature(r) {
		slog.Warn("Server.twilioWebhookHandler: invalid signature", "remoteAddr", r.RemoteAddr)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	from := r.PostForm.Get("From")
	if from == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}
	channel, err := messaging.CanonicalRecipient(from)
	if err != nil {
		slog.Warn("Server.twilioWebhookHandler: invalid sender", "from", from, "error", err)
		http.Error(w, "invalid From", http.StatusBadRequest)
		return
	}
	body := r.PostForm.Get("Body")
	if strings.TrimSpace(sanitize.Config(body, 0)) == "" {
		slog.Debug("Server.twilioWebhookHandler: ignoring message without text", "channel", channel)
		writeTwiML(w)
		return
	}

	s.enqueueInbound(channel, body)
	writeTwiML(w)
}

// enqueueInbound queues body behind earlier messages of the same channel.
// One worker per channel drains the queue in arrival order, so a burst of
// messages becomes consecutive turns of a single conversation.
func (s *Server) enqueueInbound(channel, body string) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	queue, running := s.pending[channel]
	s.pending[channel] = append(queue, body)
	if running {
		slog.Debug("Server.enqueueInbound: queued behind a running turn", "channel", channel, "queued", len(queue)+1)
		return
	}
	s.inbound.Add(1)
	go s.drainInbound(channel)
}

func (s *Server) drainInbound(channel string) {
	defer s.inbound.Done()
	for {
		s.queueMu.Lock()
		queue := s.pending[channel]
		if len(queue) == 0 {
			delete(s.pending, channel)
			s.queueMu.Unlock()
			return
		}
		body := queue[0]
		s.pending[channel] = queue[1:]
		s.queueMu.Unlock()

		s.handleInbound(s.baseCtx, channel, body)
	}
}

// handleInbound continues the sender's active conversation or starts one with the default bot.
func (s *Server) handleInbound(ctx context.Context, channel, body string) {
	conv, err := s.store.FindActiveConversation("", channel)
	switch {
	case err == nil:
		s.inboundTurn(ctx, conv.ID, body)
	case errors.Is(err, store.ErrNotFound):
		if s.opts.DefaultBotID == "" {
			slog.Warn("Server.handleInbound: no active conversation and no default bot", "channel", channel)
			return
		}
		res, err := s.engine.Start(ctx, s.opts.DefaultBotID, channel)
		if err != nil {
			slog.Error("Server.handleInbound: failed to start conversation", "botID", s.opts.DefaultBotID, "error", err)
			return
		}
		slog.Info("Server.handleInbound: conversation started", "conversationID", res.ConversationID, "channel", channel)
	default:
		slog.Error("Server.handleInbound: failed to look up conversation", "channel", channel, "error", err)
	}
}

// inboundTurn runs one turn, waiting while an API client holds the conversation.
func (s *Server) inboundTurn(ctx context.Context, conversationID, body string) {
	for attempt := 1; ; attempt++ {
		_, err := s.engine.HandleTurn(ctx, conversationID, body)
		if err == nil {
			return
		}
		if !errors.Is(err, interview.ErrConversationBusy) || attempt == inboundBusyRetries {
			slog.Error("Server.inboundTurn: turn failed", "conversationID", conversationID, "attempt", attempt, "error", err)
			return
		}
		select {
		case <-ctx.Done():
			slog.Error("Server.inboundTurn: gave up waiting for a busy conversation", "conversationID", conversationID, "error", ctx.Err())
			return
		case <-time.After(time.Duration(attempt) * inboundBusyBackoff):
		}
	}
}

func (s *Server) validTwilioSignature(r *http.Request) bool {
	if s.opts.TwilioAuthToken == "" || s.opts.WebhookURL == "" {
		return true
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	validator := client.NewRequestValidator(s.opts.TwilioAuthToken)
	return validator.Validate(s.opts.WebhookURL, params, r.Header.Get(twilioSignatureHeader))
}

func writeTwiML(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(emptyTwiML)); err != nil {
		slog.Error("Server.writeTwiML: failed to write response", "error", err)
	}
}
