// Package contact maps messenger identities onto hub contacts.
//
// Resolution is create-or-update: a contact is looked up by its
// `<channel>:<external_id>` identifier, then by the `<channel>_user_id`
// attribute (or by phone for WhatsApp), and created when absent. Concurrent
// resolutions of the same identity inside one process share a single
// in-flight call. Across processes, or while the hub search index lags behind
// a fresh create, a duplicate create is rejected by the hub and the resolver
// re-reads the existing record.
//
// A caller that joins an in-flight resolution led by a different identity
// merges its own attributes afterwards, so there is a short window in which
// the hub contact carries only the leader's attributes.
package contact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"chatbridge/pkg/channel"
	"chatbridge/pkg/httpx"
	"chatbridge/pkg/hub"
)

// resolveTimeout bounds a shared resolution independently of its callers.
const resolveTimeout = 30 * time.Second

// ErrInvalidIdentity is returned when an identity lacks an external id.
var ErrInvalidIdentity = errors.New("identity has no external id")

// Hub is the subset of the hub API the resolver needs.
type Hub interface {
	SearchContacts(ctx context.Context, query string) ([]hub.Contact, error)
	FilterContacts(ctx context.Context, key, value string) ([]hub.Contact, error)
	CreateContact(ctx context.Context, in hub.ContactInput) (hub.Contact, error)
	UpdateContact(ctx context.Context, id int64, in hub.ContactInput) (hub.Contact, error)
	CreateContactInbox(ctx context.Context, contactID, inboxID int64, sourceID string) (hub.ContactInbox, error)
}

// Identity is a sender as a messenger reports it.
type Identity struct {
	ExternalID           string
	Name                 string
	Phone                string
	CustomAttributes     map[string]string
	AdditionalAttributes map[string]string
}

// Ref points at a resolved contact and its source id in the channel inbox.
type Ref struct {
	ContactID int64
	SourceID  string
	Created   bool
}

// IdentityFromSender converts a normalized sender into an Identity, adding the
// username attribute the outbound pipeline reads back.
func IdentityFromSender(ch channel.ID, s channel.Sender) Identity {
	custom := maps.Clone(s.Attributes)
	if custom == nil {
		custom = make(map[string]string)
	}
	if s.Username != "" {
		custom[string(ch)+"_username"] = strings.TrimPrefix(s.Username, "@")
	}
	if s.AccessHash != nil {
		custom[string(ch)+"_access_hash"] = strconv.FormatInt(*s.AccessHash, 10)
	}

	return Identity{
		ExternalID:           s.ExternalID,
		Name:                 s.DisplayName,
		Phone:                s.Phone,
		CustomAttributes:     custom,
		AdditionalAttributes: maps.Clone(s.Additional),
	}
}

// Identifier is the hub identifier for an external id on a channel.
func Identifier(ch channel.ID, externalID string) string {
	return string(ch) + ":" + externalID
}

// UserIDAttribute is the custom attribute holding the external id.
func UserIDAttribute(ch channel.ID) string {
	return string(ch) + "_user_id"
}

type Resolver struct {
	hub   Hub
	group singleflight.Group
	log   *slog.Logger
}

func NewResolver(h Hub, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}

	return &Resolver{hub: h, log: log.With("component", "contact.resolver")}
}

// Resolve finds or creates the contact for id on channel ch and makes sure it
// is attached to inboxID.
func (r *Resolver) Resolve(ctx context.Context, ch channel.ID, inboxID int64, id Identity) (Ref, error) {
	id.ExternalID = strings.TrimSpace(id.ExternalID)
	if id.ExternalID == "" {
		return Ref{}, ErrInvalidIdentity
	}

	key := fmt.Sprintf("%s|%d", Identifier(ch, id.ExternalID), inboxID)
	results := r.group.DoChan(key, func() (any, error) {
		// Every waiter shares this call, so it must not die with the first caller.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
		defer cancel()

		ref, err := r.resolve(callCtx, ch, inboxID, id)
		return resolution{ref: ref, id: id}, err
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return Ref{}, ctx.Err()
	case res = <-results:
	}
	if res.Err != nil {
		return Ref{}, res.Err
	}

	shared := res.Val.(resolution)
	if !res.Shared || covers(shared.id, id) {
		return shared.ref, nil
	}

	// Another caller led the resolution with a different identity; merge what
	// this one adds. The contact exists now, so this never creates.
	r.log.Debug("Contact resolution shared, merging caller attributes", "key", key)
	ref, err := r.resolve(ctx, ch, inboxID, id)
	if err != nil {
		r.log.Warn("Shared contact merge failed", "key", key, "error", err)
		return shared.ref, nil
	}
	ref.Created = shared.ref.Created

	return ref, nil
}

type resolution struct {
	ref Ref
	id  Identity
}

// covers reports whether merging a left nothing of b unapplied.
func covers(a, b Identity) bool {
	if (b.Name != "" && a.Name == "") || (b.Phone != "" && a.Phone == "") {
		return false
	}
	for k := range b.CustomAttributes {
		if _, ok := a.CustomAttributes[k]; !ok {
			return false
		}
	}
	for k := range b.AdditionalAttributes {
		if _, ok := a.AdditionalAttributes[k]; !ok {
			return false
		}
	}

	return true
}

func (r *Resolver) resolve(ctx context.Context, ch channel.ID, inboxID int64, id Identity) (Ref, error) {
	identifier := Identifier(ch, id.ExternalID)

	contact, found, err := r.lookup(ctx, ch, id)
	if err != nil {
		return Ref{}, err
	}

	created := false
	if found {
		contact = r.merge(ctx, ch, contact, id)
	} else {
		contact, err = r.hub.CreateContact(ctx, r.createInput(ch, inboxID, id))
		switch {
		case err == nil:
			created = true
			r.log.Info("Contact created", "contact_id", contact.ID, "identifier", identifier)
		case errors.Is(err, httpx.ErrConflict):
			r.log.Warn("Contact create conflicted, re-reading", "identifier", identifier, "error", err)
			contact, found, err = r.lookup(ctx, ch, id)
			if err != nil {
				return Ref{}, err
			}
			if !found {
				return Ref{}, fmt.Errorf("contact %s: create conflicted but no existing record found", identifier)
			}
			contact = r.merge(ctx, ch, contact, id)
		default:
			return Ref{}, fmt.Errorf("create contact %s: %w", identifier, err)
		}
	}

	sourceID, err := r.ensureInbox(ctx, contact, inboxID, id.ExternalID)
	if err != nil {
		return Ref{}, err
	}

	return Ref{ContactID: contact.ID, SourceID: sourceID, Created: created}, nil
}

// lookup tries the identifier search, then the attribute filter, then (for
// WhatsApp) a phone search. Filter failures are tolerated since many hub
// installations reject filters on custom attributes.
func (r *Resolver) lookup(ctx context.Context, ch channel.ID, id Identity) (hub.Contact, bool, error) {
	identifier := Identifier(ch, id.ExternalID)

	results, err := r.hub.SearchContacts(ctx, identifier)
	if err != nil {
		return hub.Contact{}, false, fmt.Errorf("search contact %s: %w", identifier, err)
	}
	for _, c := range results {
		if c.Identifier == identifier {
			return c, true, nil
		}
	}

	attr := UserIDAttribute(ch)
	results, err = r.hub.FilterContacts(ctx, attr, id.ExternalID)
	if err != nil {
		r.log.Warn("Contact filter failed", "attribute", attr, "error", err)
	}
	for _, c := range results {
		if c.CustomAttributes.String(attr) == id.ExternalID {
			return c, true, nil
		}
	}

	if ch == channel.WhatsApp {
		phone := digits(firstNonEmpty(id.Phone, id.ExternalID))
		if phone == "" {
			return hub.Contact{}, false, nil
		}
		results, err = r.hub.SearchContacts(ctx, phone)
		if err != nil {
			return hub.Contact{}, false, fmt.Errorf("search phone: %w", err)
		}
		for _, c := range results {
			if digits(c.PhoneNumber) == phone {
				return c, true, nil
			}
		}
	}

	return hub.Contact{}, false, nil
}

func (r *Resolver) createInput(ch channel.ID, inboxID int64, id Identity) hub.ContactInput {
	custom := hub.Attributes{UserIDAttribute(ch): id.ExternalID}
	for k, v := range id.CustomAttributes {
		if v != "" {
			custom[k] = v
		}
	}

	var additional hub.Attributes
	for k, v := range id.AdditionalAttributes {
		if v == "" {
			continue
		}
		if additional == nil {
			additional = hub.Attributes{}
		}
		additional[k] = v
	}

	phone := id.Phone
	if ch == channel.WhatsApp && phone == "" {
		phone = id.ExternalID
	}

	return hub.ContactInput{
		InboxID:              inboxID,
		Name:                 firstNonEmpty(id.Name, id.CustomAttributes[string(ch)+"_username"], id.ExternalID),
		PhoneNumber:          phone,
		Identifier:           Identifier(ch, id.ExternalID),
		CustomAttributes:     custom,
		AdditionalAttributes: additional,
	}
}

// merge fills what the existing record lacks and never overwrites set values.
// Update failures are logged; the existing record is still usable.
func (r *Resolver) merge(ctx context.Context, ch channel.ID, existing hub.Contact, id Identity) hub.Contact {
	var in hub.ContactInput
	changed := false

	wantCustom := map[string]string{UserIDAttribute(ch): id.ExternalID}
	maps.Copy(wantCustom, id.CustomAttributes)
	if custom, ok := fillMissing(existing.CustomAttributes, wantCustom); ok {
		in.CustomAttributes = custom
		changed = true
	}
	if additional, ok := fillMissing(existing.AdditionalAttributes, id.AdditionalAttributes); ok {
		in.AdditionalAttributes = additional
		changed = true
	}
	if strings.TrimSpace(existing.Name) == "" && id.Name != "" {
		in.Name = id.Name
		changed = true
	}
	if existing.Identifier == "" {
		in.Identifier = Identifier(ch, id.ExternalID)
		changed = true
	}
	if existing.PhoneNumber == "" && id.Phone != "" {
		in.PhoneNumber = id.Phone
		changed = true
	}

	if !changed {
		return existing
	}

	updated, err := r.hub.UpdateContact(ctx, existing.ID, in)
	if err != nil {
		r.log.Warn("Contact update skipped", "contact_id", existing.ID, "error", err)
		return existing
	}
	if updated.ID == 0 {
		updated.ID = existing.ID
	}
	if len(updated.ContactInboxes) == 0 {
		updated.ContactInboxes = existing.ContactInboxes
	}

	return updated
}

func (r *Resolver) ensureInbox(ctx context.Context, c hub.Contact, inboxID int64, externalID string) (string, error) {
	if sourceID := c.SourceID(inboxID); sourceID != "" {
		return sourceID, nil
	}

	ci, err := r.hub.CreateContactInbox(ctx, c.ID, inboxID, externalID)
	if err != nil {
		if errors.Is(err, httpx.ErrConflict) {
			return externalID, nil
		}
		return "", fmt.Errorf("attach contact %d to inbox %d: %w", c.ID, inboxID, err)
	}

	return ci.SourceID, nil
}

// fillMissing returns existing plus every wanted key that existing lacks, and
// whether anything was added.
func fillMissing(existing hub.Attributes, want map[string]string) (hub.Attributes, bool) {
	merged := make(hub.Attributes, len(existing)+len(want))
	maps.Copy(merged, existing)

	added := false
	for k, v := range want {
		if v == "" || existing.String(k) != "" {
			continue
		}
		merged[k] = v
		added = true
	}

	return merged, added
}

func digits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	return b.String()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}

	return ""
}
