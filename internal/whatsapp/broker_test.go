package whatsapp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/zaptalk/zaptalk/backend/internal/config"
	"github.com/zaptalk/zaptalk/backend/internal/store"
	"github.com/zaptalk/zaptalk/backend/internal/whatsapp"
	"github.com/zaptalk/zaptalk/backend/pkg/models"
)

func sendRequest() *models.SendRequest {
	return &models.SendRequest{
		TenantID:  "acme",
		TicketID:  "t1",
		ContactID: "c1",
		Body:      "Olá!",
		Metadata:  map[string]string{models.TriggeredByKey: "m1"},
	}
}

func TestSend_DeliversAndPersists(t *testing.T) {
	var gotBody map[string]interface{}
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	broker := whatsapp.NewBroker(config.WhatsAppConfig{BrokerURL: srv.URL, APIToken: "tok"}, s)

	msg, err := broker.Send(context.Background(), sendRequest())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok")
	}
	if gotBody["body"] != "Olá!" {
		t.Errorf("delivered body = %v, want %q", gotBody["body"], "Olá!")
	}
	if msg.Direction != models.DirectionOutbound {
		t.Errorf("Direction = %q, want %q", msg.Direction, models.DirectionOutbound)
	}

	// The persisted record is findable by the idempotency lookup.
	found, err := s.FindMessageByMetadata(context.Background(), "acme", "t1", models.TriggeredByKey, "m1")
	if err != nil {
		t.Fatalf("FindMessageByMetadata() error = %v", err)
	}
	if found.ID != msg.ID {
		t.Errorf("persisted message ID = %q, want %q", found.ID, msg.ID)
	}
}

func TestSend_BrokerFailureLeavesNoRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broker down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := store.NewMemoryStore()
	broker := whatsapp.NewBroker(config.WhatsAppConfig{BrokerURL: srv.URL}, s)

	if _, err := broker.Send(context.Background(), sendRequest()); err == nil {
		t.Fatal("Send() error = nil, want delivery failure")
	}

	// No record means a retry is not suppressed by the idempotency gate.
	if _, err := s.FindMessageByMetadata(context.Background(), "acme", "t1", models.TriggeredByKey, "m1"); !store.IsNotFound(err) {
		t.Errorf("FindMessageByMetadata() error = %v, want not found after failed delivery", err)
	}
}

func TestSend_PersistOnlyWithoutBrokerURL(t *testing.T) {
	s := store.NewMemoryStore()
	broker := whatsapp.NewBroker(config.WhatsAppConfig{}, s)

	msg, err := broker.Send(context.Background(), sendRequest())
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs, err := s.ListTicketMessages(context.Background(), "acme", "t1", 10)
	if err != nil {
		t.Fatalf("ListTicketMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Errorf("stored messages = %+v, want just the sent message", msgs)
	}
}
