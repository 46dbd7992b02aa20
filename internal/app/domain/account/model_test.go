package account

import (
	"encoding/json"
	"testing"
)

func TestStateNextWalksLifecycleInOrder(t *testing.T) {
	states := States()
	for i := 0; i < len(states)-1; i++ {
		next, ok := states[i].Next()
		if !ok || next != states[i+1] {
			t.Fatalf("%s.Next() = %s,%v want %s", states[i], next, ok, states[i+1])
		}
		if !states[i].CanAdvanceTo(states[i+1]) {
			t.Fatalf("%s should advance to %s", states[i], states[i+1])
		}
		if states[i+1].CanAdvanceTo(states[i]) {
			t.Fatalf("%s must not move back to %s", states[i+1], states[i])
		}
		if !states[i].Before(states[i+1]) {
			t.Fatalf("%s should precede %s", states[i], states[i+1])
		}
	}
	if _, ok := StateUndocked.Next(); ok {
		t.Fatalf("undocked is terminal")
	}
	for i := 1; i < len(states); i++ {
		if prev, ok := states[i].Prev(); !ok || prev != states[i-1] {
			t.Fatalf("%s.Prev() = %s,%v want %s", states[i], prev, ok, states[i-1])
		}
	}
	if _, ok := StateDocking.Prev(); ok {
		t.Fatalf("docking has no predecessor")
	}
	if StateDocked.CanAdvanceTo(StateUndockingSeedUsed) {
		t.Fatalf("skipping a state is not a single step")
	}
}

func TestUndockable(t *testing.T) {
	cases := map[State]bool{
		StateDocking:           false,
		StateDocked:            true,
		StateUndockingInit:     true,
		StateUndockingSeedUsed: true,
		StateUndocked:          false,
	}
	for s, want := range cases {
		if got := s.Undockable(); got != want {
			t.Errorf("%s.Undockable() = %v, want %v", s, got, want)
		}
	}
}

func TestStateJSON(t *testing.T) {
	var s State
	if err := json.Unmarshal([]byte(`"undocking:seedused"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != StateUndockingSeedUsed {
		t.Fatalf("got %s", s)
	}
	if err := json.Unmarshal([]byte(`"archived"`), &s); err == nil {
		t.Fatalf("expected error for unknown state")
	}
}

func TestRedacted(t *testing.T) {
	acct := Account{
		AccountID: "alice.testnet",
		SeedKey:   Key{PrivateKey: "ed25519:priv", PublicKey: "ed25519:pub", SeedPhrase: "words"},
		BackupKey: Key{PrivateKey: "ed25519:priv2", PublicKey: "ed25519:pub2", SeedPhrase: "more words"},
	}
	r := acct.Redacted()
	if r.SeedKey.PrivateKey != "" || r.SeedKey.SeedPhrase != "" || r.BackupKey.PrivateKey != "" {
		t.Fatalf("secret material leaked: %+v", r)
	}
	if r.SeedKey.PublicKey != "ed25519:pub" || acct.SeedKey.PrivateKey == "" {
		t.Fatalf("redaction must copy, not mutate")
	}
	if got := acct.CustodialPublicKeys(); len(got) != 2 || got[1] != "ed25519:pub2" {
		t.Fatalf("custodial keys = %v", got)
	}
}
