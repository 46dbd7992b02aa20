package events

import (
	"bytes"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/R3E-Network/custody_layer/pkg/logger"
)

func TestHubPublishAndRecent(t *testing.T) {
	hub := NewHub(3)
	for _, id := range []string{"a", "b", "c", "d"} {
		hub.Publish(New(UndockingInit, id+".testnet"))
	}
	if hub.Count() != 3 {
		t.Fatalf("count = %d, want 3", hub.Count())
	}
	recent := hub.Recent(10)
	if len(recent) != 3 || recent[0].AccountID != "d.testnet" || recent[2].AccountID != "b.testnet" {
		t.Fatalf("unexpected recent order: %+v", recent)
	}
	if got := hub.RecentByAccount("c.testnet", 5); len(got) != 1 {
		t.Fatalf("by account = %+v", got)
	}
	if recent[0].ID == "" || recent[0].Timestamp.IsZero() {
		t.Fatalf("id and timestamp must be set")
	}
	if !strings.Contains(recent[0].Message, "d.testnet") {
		t.Fatalf("message should reference account: %q", recent[0].Message)
	}
}

func TestHubSubscribersAndPanics(t *testing.T) {
	hub := NewHub(10)
	var panics, seen, errorsSeen int32
	hub.OnHandlerPanic(func(any) { atomic.AddInt32(&panics, 1) })

	hub.Subscribe(func(Event) { panic("boom") })
	cancel := hub.Subscribe(func(Event) { atomic.AddInt32(&seen, 1) })
	hub.SubscribeFiltered(ByName(UndockingError), func(Event) { atomic.AddInt32(&errorsSeen, 1) })

	hub.Publish(New(Undocked, "x.testnet"))
	hub.Publish(Failed("x.testnet", errors.New("ledger down")))
	cancel()
	hub.Publish(New(UndockingInit, "x.testnet"))

	if seen != 2 {
		t.Fatalf("subscriber saw %d events, want 2", seen)
	}
	if errorsSeen != 1 {
		t.Fatalf("filtered subscriber saw %d, want 1", errorsSeen)
	}
	if panics != 3 {
		t.Fatalf("panics = %d, want 3", panics)
	}
}

func TestLogTo(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(logger.LoggingConfig{Level: "info", Format: "json"})
	log.SetOutput(&buf)

	hub := NewHub(4)
	LogTo(hub, log)
	hub.Publish(New(UndockingSeedUsed, "y.testnet"))
	hub.Publish(Failed("y.testnet", errors.New("rejected")))

	out := buf.String()
	if !strings.Contains(out, `"level":"info"`) || !strings.Contains(out, `"event":"undocking:seedused"`) {
		t.Fatalf("missing info entry: %s", out)
	}
	if !strings.Contains(out, `"level":"warning"`) || !strings.Contains(out, `"error":"rejected"`) {
		t.Fatalf("missing warn entry: %s", out)
	}
}
