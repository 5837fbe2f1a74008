package server

import (
	"context"
	"fmt"
	"time"

	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/internal/toolreg"
)

// registerBuiltinTools installs the tools every deployment ships with.
// Deployments add their own through Server.Registry before serving.
func registerBuiltinTools(registry *toolreg.Registry, s store.Store) {
	registry.Register(toolreg.Tool{
		Name:        "get_ticket_status",
		Description: "Look up the current status of a support ticket by its id.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"tenantId": map[string]interface{}{"type": "string"},
				"ticketId": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"tenantId", "ticketId"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			tenantID, _ := args["tenantId"].(string)
			ticketID, _ := args["ticketId"].(string)
			if tenantID == "" || ticketID == "" {
				return nil, fmt.Errorf("tenantId and ticketId are required")
			}
			ticket, err := s.GetTicket(ctx, tenantID, ticketID)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"ticketId": ticket.ID,
				"status":   ticket.Status,
				"queueId":  ticket.QueueID,
			}, nil
		},
	})

	registry.Register(toolreg.Tool{
		Name:        "get_current_time",
		Description: "Return the current server date and time in UTC.",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			now := time.Now().UTC()
			return map[string]interface{}{
				"iso":     now.Format(time.RFC3339),
				"weekday": now.Weekday().String(),
			}, nil
		},
	})
}
