package ticketing

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/inaiurai/tutoring/internal/memstore"
)

func TestCreateTicket(t *testing.T) {
	store := memstore.New()
	svc := NewService(store.Tickets())
	session := uuid.New()

	id, err := svc.CreateTicket(context.Background(), session, "teacher never joined")
	if err != nil {
		t.Fatalf("CreateTicket: %v", err)
	}
	tickets, err := store.Tickets().ListBySession(context.Background(), session)
	if err != nil {
		t.Fatalf("ListBySession: %v", err)
	}
	if len(tickets) != 1 || tickets[0].ID != id {
		t.Fatalf("tickets: got %+v, want one with id %s", tickets, id)
	}
	if tickets[0].Status != StatusOpen || tickets[0].Reason != "teacher never joined" {
		t.Errorf("ticket: got status %q reason %q", tickets[0].Status, tickets[0].Reason)
	}
}
