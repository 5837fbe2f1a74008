// Package whatsapp implements the outbound message sender backed by the
// WhatsApp broker service. Delivery goes over HTTP; the resulting
// message record is persisted so later pipeline runs see the reply in
// the ticket history and the auto-reply guard can detect duplicates.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zaptalk/zaptalk/backend/internal/config"
	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

// Broker sends outbound messages through the WhatsApp broker HTTP API.
// An empty broker URL puts it in persist-only mode, which local
// development and tests use.
type Broker struct {
	httpClient *http.Client
	baseURL    string
	token      string
	messages   store.MessageStore
}

// NewBroker creates a sender from the broker settings.
func NewBroker(cfg config.WhatsAppConfig, messages store.MessageStore) *Broker {
	return &Broker{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    cfg.BrokerURL,
		token:      cfg.APIToken,
		messages:   messages,
	}
}

// Send delivers the message to the customer channel and persists the
// outbound record. The record is only written after delivery succeeds,
// so a failed delivery leaves no trace that would suppress a retry.
func (b *Broker) Send(ctx context.Context, req *models.SendRequest) (*models.Message, error) {
	if b.baseURL != "" {
		if err := b.deliver(ctx, req); err != nil {
			return nil, err
		}
	} else {
		log.Debug().Str("ticket", req.TicketID).Msg("Broker URL not configured, persisting message only")
	}

	msg := &models.Message{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		TicketID:  req.TicketID,
		ContactID: req.ContactID,
		Direction: models.DirectionOutbound,
		Body:      req.Body,
		Metadata:  req.Metadata,
		CreatedAt: time.Now().UTC(),
	}
	if err := b.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("whatsapp: persist outbound message: %w", err)
	}

	log.Info().Str("tenant", req.TenantID).Str("ticket", req.TicketID).Str("message", msg.ID).
		Msg("Outbound message sent")
	return msg, nil
}

// deliver POSTs the message to the broker and enforces the non-2xx
// failure contract.
func (b *Broker) deliver(ctx context.Context, req *models.SendRequest) error {
	payload, err := json.Marshal(map[string]interface{}{
		"tenantId":  req.TenantID,
		"ticketId":  req.TicketID,
		"contactId": req.ContactID,
		"body":      req.Body,
	})
	if err != nil {
		return fmt.Errorf("whatsapp: encode message: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("whatsapp: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("whatsapp: broker request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp: broker returned status %d: %s", resp.StatusCode, string(bytes.TrimSpace(body)))
	}
	return nil
}
