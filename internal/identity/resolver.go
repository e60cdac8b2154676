package identity

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/gituhq/gitu/internal/store"
)

var (
	// ErrUnlinkedAccount means no linked account exists for the platform
	// identity and no valid pairing proof was supplied.
	ErrUnlinkedAccount = errors.New("unlinked account")
	// ErrInvalidProof means the pairing proof was missing, expired or bogus.
	ErrInvalidProof = errors.New("invalid pairing proof")
	// ErrAlreadyLinked means the platform account is linked to a different
	// user; relinking requires an explicit force-unlink first.
	ErrAlreadyLinked = errors.New("already linked to another user")
)

// EventKind tags an identity-change event.
type EventKind string

const (
	EventLinked   EventKind = "linked"
	EventUnlinked EventKind = "unlinked"
)

// Event is emitted on every link/unlink so the session layer can make
// continuity decisions.
type Event struct {
	Kind           EventKind
	UserID         string
	Platform       string
	PlatformUserID string
}

// Proof is evidence of platform-account ownership. Exactly one field is
// normally set: a pairing token issued by IssuePairingToken, or QRVerified
// when the adapter completed a QR handshake itself (WhatsApp device link).
type Proof struct {
	PairingToken string
	QRVerified   bool
}

// Resolver maps (platform, platform user id) pairs to internal users and
// manages linked-account lifecycle.
type Resolver struct {
	store  *store.Store
	tokens *gocache.Cache
	events chan Event
}

func NewResolver(st *store.Store, tokenTTL time.Duration) *Resolver {
	return &Resolver{
		store:  st,
		tokens: gocache.New(tokenTTL, tokenTTL),
		events: make(chan Event, 64),
	}
}

// Events exposes the identity-change stream. The channel is buffered;
// events are dropped rather than blocking identity operations.
func (r *Resolver) Events() <-chan Event {
	return r.events
}

func (r *Resolver) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		log.Printf("[identity] event buffer full, dropping %s for %s", ev.Kind, ev.UserID)
	}
}

// IssuePairingToken mints a one-time token that proves ownership of a
// platform account on first contact. An empty userID means redeeming the
// token creates a fresh user.
func (r *Resolver) IssuePairingToken(userID string) string {
	token := uuid.NewString()
	r.tokens.SetDefault(token, userID)
	return token
}

// redeemToken consumes a pairing token exactly once.
func (r *Resolver) redeemToken(token string) (string, bool) {
	v, ok := r.tokens.Get(token)
	if !ok {
		return "", false
	}
	r.tokens.Delete(token)
	return v.(string), true
}

// Resolve looks up the user behind a platform identity. When no linked
// account exists, a valid proof atomically creates the link (and the user,
// for first-contact pairing); otherwise ErrUnlinkedAccount.
func (r *Resolver) Resolve(platform, platformUserID string, proof *Proof) (store.User, error) {
	link, ok, err := r.store.GetLink(platform, platformUserID)
	if err != nil {
		return store.User{}, err
	}
	if ok {
		user, found, err := r.store.GetUser(link.UserID)
		if err != nil {
			return store.User{}, err
		}
		if !found {
			return store.User{}, fmt.Errorf("link points at missing user %s", link.UserID)
		}
		return user, nil
	}

	if proof == nil {
		return store.User{}, ErrUnlinkedAccount
	}

	userID, err := r.verifyProof(*proof)
	if err != nil {
		return store.User{}, err
	}

	now := time.Now()
	var user store.User
	if userID == "" {
		user, err = r.store.CreateUser(uuid.NewString(), "", now)
		if err != nil {
			return store.User{}, err
		}
	} else {
		var found bool
		user, found, err = r.store.GetUser(userID)
		if err != nil {
			return store.User{}, err
		}
		if !found {
			return store.User{}, ErrInvalidProof
		}
	}

	if err := r.store.PutLink(platform, platformUserID, user.ID, now); err != nil {
		return store.User{}, err
	}
	log.Printf("[identity] paired %s/%s -> %s", platform, platformUserID, user.ID)
	r.emit(Event{Kind: EventLinked, UserID: user.ID, Platform: platform, PlatformUserID: platformUserID})
	return user, nil
}

func (r *Resolver) verifyProof(proof Proof) (string, error) {
	if proof.QRVerified {
		// The adapter completed the QR handshake; ownership is established
		// by the device link itself.
		return "", nil
	}
	if proof.PairingToken == "" {
		return "", ErrInvalidProof
	}
	userID, ok := r.redeemToken(proof.PairingToken)
	if !ok {
		return "", ErrInvalidProof
	}
	return userID, nil
}

// Link attaches a platform account to an existing user. Linking an account
// already owned by another user fails with ErrAlreadyLinked unless force is
// set, which performs the relink (unlink-then-link) in one step.
func (r *Resolver) Link(userID, platform, platformUserID string, proof Proof, force bool) error {
	if _, err := r.verifyProof(proof); err != nil {
		return err
	}

	existing, ok, err := r.store.GetLink(platform, platformUserID)
	if err != nil {
		return err
	}
	if ok && existing.UserID != userID && !force {
		return ErrAlreadyLinked
	}

	if err := r.store.PutLink(platform, platformUserID, userID, time.Now()); err != nil {
		return err
	}
	if ok && existing.UserID != userID {
		r.emit(Event{Kind: EventUnlinked, UserID: existing.UserID, Platform: platform, PlatformUserID: platformUserID})
	}
	r.emit(Event{Kind: EventLinked, UserID: userID, Platform: platform, PlatformUserID: platformUserID})
	return nil
}

// Unlink removes a user's account for a platform. Removing a non-existent
// link is a no-op success.
func (r *Resolver) Unlink(userID, platform string) error {
	removed, err := r.store.DeleteLink(userID, platform)
	if err != nil {
		return err
	}
	if removed {
		r.emit(Event{Kind: EventUnlinked, UserID: userID, Platform: platform})
	}
	return nil
}

// Links lists the user's linked accounts.
func (r *Resolver) Links(userID string) ([]store.LinkedAccount, error) {
	return r.store.LinksForUser(userID)
}

// CreateUser provisions a new internal identity (used by the pairing CLI).
func (r *Resolver) CreateUser(displayName string) (store.User, error) {
	return r.store.CreateUser(uuid.NewString(), displayName, time.Now())
}
