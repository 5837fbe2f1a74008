// Package autoreply decides whether an inbound customer message gets an
// automatic AI reply, and sends it when it does.
//
// The guard is a chain of short-circuit gates evaluated in a fixed
// order. Every external call inside it is individually guarded: an AI
// failure must never block or crash the inbound-message path that
// invoked the guard, so failures are logged and processing simply stops.
package autoreply

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zaptalk/zaptalk/backend/internal/aiconfig"
	"github.com/zaptalk/zaptalk/backend/internal/config"
	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/pkg/contracts"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// Guard gates the automatic reply path for inbound messages.
type Guard struct {
	resolver *aiconfig.Resolver
	pipeline contracts.ReplyPipeline
	sender   contracts.MessageSender
	messages store.MessageStore
	settings config.AIConfig
	// aiEnabled mirrors the credential check: without provider
	// credentials the automated path stays silent entirely (the stubbed
	// fallback is reserved for interactive callers).
	aiEnabled bool
}

// NewGuard wires the auto-reply guard.
func NewGuard(resolver *aiconfig.Resolver, p contracts.ReplyPipeline, sender contracts.MessageSender, messages store.MessageStore, settings config.AIConfig, aiEnabled bool) *Guard {
	return &Guard{
		resolver:  resolver,
		pipeline:  p,
		sender:    sender,
		messages:  messages,
		settings:  settings,
		aiEnabled: aiEnabled,
	}
}

// HandleInbound runs the gate chain for one inbound message event.
// It never returns an error; every exit is terminal for this message
// and logged with its reason.
func (g *Guard) HandleInbound(ctx context.Context, evt *models.InboundEvent) {
	logger := log.With().
		Str("tenant", evt.TenantID).
		Str("ticket", evt.TicketID).
		Str("message", evt.MessageID).
		Logger()

	if strings.TrimSpace(evt.Content) == "" {
		logger.Debug().Msg("Auto-reply skipped: empty content")
		return
	}
	if !g.settings.AutoReplyOn {
		logger.Debug().Msg("Auto-reply skipped: feature disabled")
		return
	}
	if !g.aiEnabled {
		logger.Debug().Msg("Auto-reply skipped: AI credentials not configured")
		return
	}
	if evt.Direction == models.DirectionOutbound {
		logger.Debug().Msg("Auto-reply skipped: outbound echo")
		return
	}
	if g.alreadyReplied(ctx, evt) {
		logger.Info().Msg("Auto-reply skipped: message already answered")
		return
	}

	cfg := g.resolver.Resolve(ctx, evt.TenantID, evt.QueueID)
	mode := cfg.DefaultMode
	if g.settings.ForceAutoReply {
		mode = models.ModeAuto
	}
	if mode != models.ModeAuto {
		logger.Debug().Str("mode", string(mode)).Msg("Auto-reply skipped: assistant mode is not auto")
		return
	}

	history := g.loadHistory(ctx, evt)
	if len(history) == 0 {
		logger.Debug().Msg("Auto-reply skipped: no conversation history")
		return
	}

	// The automated path has no live client connection to cancel
	// against, so the timeout is the abort signal: it propagates into
	// the provider call instead of abandoning it.
	runCtx, cancel := context.WithTimeout(ctx, g.settings.ReplyTimeout)
	defer cancel()

	done, err := g.pipeline.Run(runCtx, &models.ReplyRequest{
		TenantID:       evt.TenantID,
		ConversationID: evt.TicketID,
		QueueID:        evt.QueueID,
		RunType:        models.RunTypeReply,
		Messages:       history,
		Metadata: map[string]interface{}{
			"source":              "auto-reply",
			models.TriggeredByKey: evt.MessageID,
		},
	}, func(models.StreamEvent) error { return nil })
	if err != nil {
		logger.Warn().Err(err).Msg("Auto-reply generation failed")
		return
	}

	if done.Status != models.RunSuccess && done.Status != models.RunStubbed {
		logger.Warn().Str("status", string(done.Status)).Msg("Auto-reply not sent: generation did not complete")
		return
	}
	reply := strings.TrimSpace(done.Message)
	if reply == "" {
		logger.Info().Msg("Auto-reply not sent: empty reply text")
		return
	}

	// Provenance metadata makes the reply findable by the idempotency
	// gate on a future duplicate delivery of the same trigger.
	_, err = g.sender.Send(ctx, &models.SendRequest{
		TenantID:  evt.TenantID,
		TicketID:  evt.TicketID,
		ContactID: evt.ContactID,
		Body:      reply,
		Metadata: map[string]string{
			"aiGenerated":         "true",
			"model":               done.Model,
			"mode":                string(mode),
			models.TriggeredByKey: evt.MessageID,
		},
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Auto-reply send failed")
		return
	}
	logger.Info().Str("model", done.Model).Msg("Auto-reply sent")
}

// alreadyReplied checks whether an outbound message already references
// this trigger. A lookup failure is treated as "not yet replied" so a
// storage hiccup cannot silently drop a legitimate reply.
func (g *Guard) alreadyReplied(ctx context.Context, evt *models.InboundEvent) bool {
	_, err := g.messages.FindMessageByMetadata(ctx, evt.TenantID, evt.TicketID, models.TriggeredByKey, evt.MessageID)
	if err == nil {
		return true
	}
	if !store.IsNotFound(err) {
		log.Warn().Str("tenant", evt.TenantID).Str("ticket", evt.TicketID).Err(err).
			Msg("Idempotency lookup failed, proceeding as not yet replied")
	}
	return false
}

// loadHistory builds the transcript window: last N ticket messages in
// chronological order with capped content, the trigger appended when the
// window does not already contain it. A history read failure degrades to
// a transcript of just the trigger message.
func (g *Guard) loadHistory(ctx context.Context, evt *models.InboundEvent) []models.ConversationMessage {
	window := g.settings.HistoryWindow
	if window <= 0 || window > 12 {
		window = 12
	}

	stored, err := g.messages.ListTicketMessages(ctx, evt.TenantID, evt.TicketID, window)
	if err != nil {
		log.Warn().Str("tenant", evt.TenantID).Str("ticket", evt.TicketID).Err(err).
			Msg("History load failed, replying from trigger message only")
		stored = nil
	}

	history := make([]models.ConversationMessage, 0, len(stored)+1)
	triggerSeen := false
	// Store order is newest-first; the transcript wants chronological.
	for i := len(stored) - 1; i >= 0; i-- {
		msg := stored[i]
		role := models.RoleUser
		if msg.Direction == models.DirectionOutbound {
			role = models.RoleAssistant
		}
		if msg.ID == evt.MessageID {
			triggerSeen = true
		}
		history = append(history, models.ConversationMessage{
			Role:    role,
			Content: capContent(msg.Body, g.settings.MaxContentLen),
		})
	}
	if !triggerSeen {
		history = append(history, models.ConversationMessage{
			Role:    models.RoleUser,
			Content: capContent(evt.Content, g.settings.MaxContentLen),
		})
	}
	return history
}

// capContent truncates on a rune boundary so multi-byte text is never cut
// mid-character.
func capContent(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
