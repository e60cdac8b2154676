package identity

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/gituhq/gitu/internal/store"
)

func newTestResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gitu.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewResolver(st, time.Minute), st
}

func TestResolve_Unlinked(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve("telegram", "123", nil)
	if !errors.Is(err, ErrUnlinkedAccount) {
		t.Errorf("err = %v, want ErrUnlinkedAccount", err)
	}
}

func TestResolve_PairingToken_NewUser(t *testing.T) {
	r, _ := newTestResolver(t)

	token := r.IssuePairingToken("")
	user, err := r.Resolve("telegram", "123", &Proof{PairingToken: token})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected a fresh user")
	}

	// Link is durable: subsequent messages resolve without proof.
	again, err := r.Resolve("telegram", "123", nil)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again.ID != user.ID {
		t.Errorf("resolved %s, want %s", again.ID, user.ID)
	}
}

func TestResolve_PairingToken_ExistingUser(t *testing.T) {
	r, _ := newTestResolver(t)

	user, err := r.CreateUser("Alice")
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	token := r.IssuePairingToken(user.ID)
	got, err := r.Resolve("whatsapp", "155@s.whatsapp.net", &Proof{PairingToken: token})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("resolved %s, want %s", got.ID, user.ID)
	}
}

func TestResolve_PairingToken_SingleUse(t *testing.T) {
	r, _ := newTestResolver(t)

	token := r.IssuePairingToken("")
	if _, err := r.Resolve("telegram", "1", &Proof{PairingToken: token}); err != nil {
		t.Fatalf("first redeem: %v", err)
	}
	_, err := r.Resolve("telegram", "2", &Proof{PairingToken: token})
	if !errors.Is(err, ErrInvalidProof) {
		t.Errorf("second redeem err = %v, want ErrInvalidProof", err)
	}
}

func TestResolve_BogusProof(t *testing.T) {
	r, _ := newTestResolver(t)

	_, err := r.Resolve("telegram", "123", &Proof{PairingToken: "nope"})
	if !errors.Is(err, ErrInvalidProof) {
		t.Errorf("err = %v, want ErrInvalidProof", err)
	}
}

func TestResolve_QRVerified(t *testing.T) {
	r, _ := newTestResolver(t)

	user, err := r.Resolve("whatsapp", "155@s.whatsapp.net", &Proof{QRVerified: true})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if user.ID == "" {
		t.Fatal("expected a user from the QR handshake")
	}
}

func TestLink_AlreadyLinked(t *testing.T) {
	r, _ := newTestResolver(t)

	owner, _ := r.CreateUser("")
	other, _ := r.CreateUser("")

	token := r.IssuePairingToken(owner.ID)
	if _, err := r.Resolve("telegram", "123", &Proof{PairingToken: token}); err != nil {
		t.Fatalf("pair owner: %v", err)
	}

	token = r.IssuePairingToken(other.ID)
	err := r.Link(other.ID, "telegram", "123", Proof{PairingToken: token}, false)
	if !errors.Is(err, ErrAlreadyLinked) {
		t.Fatalf("err = %v, want ErrAlreadyLinked", err)
	}

	// Force relinks in one step.
	token = r.IssuePairingToken(other.ID)
	if err := r.Link(other.ID, "telegram", "123", Proof{PairingToken: token}, true); err != nil {
		t.Fatalf("force link: %v", err)
	}
	got, err := r.Resolve("telegram", "123", nil)
	if err != nil {
		t.Fatalf("Resolve after relink: %v", err)
	}
	if got.ID != other.ID {
		t.Errorf("resolved %s, want %s", got.ID, other.ID)
	}
}

func TestUnlink_Idempotent(t *testing.T) {
	r, _ := newTestResolver(t)

	user, _ := r.CreateUser("")
	token := r.IssuePairingToken(user.ID)
	if _, err := r.Resolve("telegram", "123", &Proof{PairingToken: token}); err != nil {
		t.Fatalf("pair: %v", err)
	}

	if err := r.Unlink(user.ID, "telegram"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	// Removing a non-existent link is a no-op success.
	if err := r.Unlink(user.ID, "telegram"); err != nil {
		t.Errorf("second Unlink: %v", err)
	}

	if _, err := r.Resolve("telegram", "123", nil); !errors.Is(err, ErrUnlinkedAccount) {
		t.Errorf("err after unlink = %v, want ErrUnlinkedAccount", err)
	}
}

func TestEvents_EmittedOnLinkAndUnlink(t *testing.T) {
	r, _ := newTestResolver(t)

	token := r.IssuePairingToken("")
	user, err := r.Resolve("telegram", "123", &Proof{PairingToken: token})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case ev := <-r.Events():
		if ev.Kind != EventLinked || ev.UserID != user.ID || ev.Platform != "telegram" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("expected linked event")
	}

	if err := r.Unlink(user.ID, "telegram"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	select {
	case ev := <-r.Events():
		if ev.Kind != EventUnlinked || ev.UserID != user.ID {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("expected unlinked event")
	}
}
