// Package hubtest runs an in-memory stand-in for the hub account API.
package hubtest

import (
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"chatbridge/pkg/config"
	"chatbridge/pkg/hub"
)

const (
	AccountID = 1
	Token     = "hub-test-token"
)

// Message is a message stored by the fake hub.
type Message struct {
	ID             int64
	ConversationID int64
	Content        string
	MessageType    string
	SourceID       string
	Files          []string
}

type conversation struct {
	ID        int64
	InboxID   int64
	ContactID int64
	SourceID  string
	Status    string
}

// Server is a fake hub.
type Server struct {
	*httptest.Server

	mu             sync.Mutex
	hideFromSearch bool
	rejectFilters  bool
	failMessages   bool

	nextID        int64
	contacts      []*hub.Contact
	conversations []*conversation
	messages      []Message
	inboxes       []hub.Inbox
	creates       int
	updates       int
}

// NewServer starts a fake hub serving the given inboxes.
func NewServer(t testing.TB, inboxes ...int64) *Server {
	t.Helper()

	s := &Server{nextID: 100}
	for _, id := range inboxes {
		s.inboxes = append(s.inboxes, hub.Inbox{ID: id, Name: fmt.Sprintf("inbox-%d", id), ChannelType: "Channel::Api"})
	}

	base := fmt.Sprintf("/api/v1/accounts/%d", AccountID)
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+base+"/contacts/search", s.searchContacts)
	mux.HandleFunc("POST "+base+"/contacts/filter", s.filterContacts)
	mux.HandleFunc("POST "+base+"/contacts", s.createContact)
	mux.HandleFunc("GET "+base+"/contacts/{id}", s.getContact)
	mux.HandleFunc("PUT "+base+"/contacts/{id}", s.updateContact)
	mux.HandleFunc("POST "+base+"/contacts/{id}/contact_inboxes", s.createContactInbox)
	mux.HandleFunc("GET "+base+"/contacts/{id}/conversations", s.listConversations)
	mux.HandleFunc("POST "+base+"/conversations", s.createConversation)
	mux.HandleFunc("POST "+base+"/conversations/{id}/messages", s.createMessage)
	mux.HandleFunc("GET "+base+"/inboxes", s.listInboxes)

	s.Server = httptest.NewServer(s.auth(mux))
	t.Cleanup(s.Close)

	return s
}

// HideFromSearch makes identifier search miss contacts, emulating a lagging index.
func (s *Server) HideFromSearch(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hideFromSearch = v
}

// RejectFilters answers attribute filters with 422.
func (s *Server) RejectFilters(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectFilters = v
}

// FailMessages answers message creation with 500.
func (s *Server) FailMessages(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failMessages = v
}

// Config returns hub settings pointing at the fake.
func (s *Server) Config() config.HubConfig {
	return config.HubConfig{BaseURL: s.URL, AccessToken: Token, AccountID: AccountID}
}

// Contacts snapshots stored contacts.
func (s *Server) Contacts() []hub.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]hub.Contact, 0, len(s.contacts))
	for _, c := range s.contacts {
		out = append(out, cloneContact(c))
	}
	return out
}

// Messages snapshots stored messages.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// ConversationCount reports how many conversations exist.
func (s *Server) ConversationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conversations)
}

// Creates and Updates count contact writes.
func (s *Server) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

func (s *Server) Updates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates
}

// AddContact seeds a contact and returns its id.
func (s *Server) AddContact(c hub.Contact) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = s.id()
	stored := cloneContact(&c)
	s.contacts = append(s.contacts, &stored)
	return c.ID
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("api_access_token") != Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) searchContacts(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))

	s.mu.Lock()
	var out []hub.Contact
	for _, c := range s.contacts {
		matchID := c.Identifier == q && !s.hideFromSearch
		matchPhone := q != "" && strings.Contains(c.PhoneNumber, q)
		if matchID || matchPhone {
			out = append(out, cloneContact(c))
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"payload": nonNil(out)})
}

func (s *Server) filterContacts(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	reject := s.rejectFilters
	s.mu.Unlock()
	if reject {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Invalid attribute key"})
		return
	}

	var body struct {
		Payload []struct {
			Key    string   `json:"attribute_key"`
			Values []string `json:"values"`
		} `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Payload) == 0 || len(body.Payload[0].Values) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad filter"})
		return
	}
	key, value := body.Payload[0].Key, body.Payload[0].Values[0]

	s.mu.Lock()
	var out []hub.Contact
	for _, c := range s.contacts {
		if c.CustomAttributes.String(key) == value {
			out = append(out, cloneContact(c))
		}
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"payload": nonNil(out)})
}

func (s *Server) createContact(w http.ResponseWriter, r *http.Request) {
	var in hub.ContactInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.contacts {
		if in.Identifier != "" && c.Identifier == in.Identifier {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Identifier has already been taken"})
			return
		}
		if in.PhoneNumber != "" && c.PhoneNumber == in.PhoneNumber {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "Phone number has already been taken"})
			return
		}
	}

	c := &hub.Contact{
		ID:                   s.id(),
		Name:                 in.Name,
		Identifier:           in.Identifier,
		PhoneNumber:          in.PhoneNumber,
		CustomAttributes:     maps.Clone(in.CustomAttributes),
		AdditionalAttributes: maps.Clone(in.AdditionalAttributes),
	}
	var ci *hub.ContactInbox
	if in.InboxID != 0 {
		ci = &hub.ContactInbox{SourceID: uuid.NewString(), Inbox: hub.InboxID{ID: hub.FlexInt(in.InboxID)}}
		c.ContactInboxes = append(c.ContactInboxes, *ci)
	}
	s.contacts = append(s.contacts, c)
	s.creates++

	writeJSON(w, http.StatusOK, map[string]any{"payload": map[string]any{"contact": cloneContact(c), "contact_inbox": ci}})
}

func (s *Server) getContact(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.contact(r)
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": cloneContact(c)})
}

func (s *Server) updateContact(w http.ResponseWriter, r *http.Request) {
	var in hub.ContactInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.contact(r)
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if in.Name != "" {
		c.Name = in.Name
	}
	if in.Identifier != "" {
		c.Identifier = in.Identifier
	}
	if in.PhoneNumber != "" {
		c.PhoneNumber = in.PhoneNumber
	}
	c.CustomAttributes = mergeAttrs(c.CustomAttributes, in.CustomAttributes)
	c.AdditionalAttributes = mergeAttrs(c.AdditionalAttributes, in.AdditionalAttributes)
	s.updates++

	writeJSON(w, http.StatusOK, map[string]any{"payload": cloneContact(c)})
}

func (s *Server) createContactInbox(w http.ResponseWriter, r *http.Request) {
	var in struct {
		InboxID  int64  `json:"inbox_id"`
		SourceID string `json:"source_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.contact(r)
	if c == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	if in.SourceID == "" {
		in.SourceID = uuid.NewString()
	}
	ci := hub.ContactInbox{SourceID: in.SourceID, Inbox: hub.InboxID{ID: hub.FlexInt(in.InboxID)}}
	c.ContactInboxes = append(c.ContactInboxes, ci)

	writeJSON(w, http.StatusOK, ci)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	contactID, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)

	s.mu.Lock()
	var out []map[string]any
	for _, conv := range s.conversations {
		if conv.ContactID != contactID {
			continue
		}
		out = append(out, map[string]any{
			"id":       conv.ID,
			"inbox_id": conv.InboxID,
			"status":   conv.Status,
			"last_non_activity_message": map[string]any{
				"conversation": map[string]any{"contact_inbox": map[string]any{"source_id": conv.SourceID}},
			},
		})
	}
	s.mu.Unlock()

	if out == nil {
		out = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"payload": out})
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var in hub.ConversationInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	conv := &conversation{ID: s.id(), InboxID: in.InboxID, ContactID: in.ContactID, SourceID: in.SourceID, Status: "open"}
	s.conversations = append(s.conversations, conv)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"id": conv.ID, "inbox_id": conv.InboxID, "status": conv.Status})
}

// SetConversationStatus changes the status of every conversation of contactID.
func (s *Server) SetConversationStatus(contactID int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conv := range s.conversations {
		if conv.ContactID == contactID {
			conv.Status = status
		}
	}
}

func (s *Server) createMessage(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	fail := s.failMessages
	s.mu.Unlock()
	if fail {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
		return
	}

	convID, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
	msg := Message{ConversationID: convID}

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(8 << 20); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		msg.Content = r.FormValue("content")
		msg.MessageType = r.FormValue("message_type")
		msg.SourceID = r.FormValue("source_id")
		for _, fh := range r.MultipartForm.File["attachments[]"] {
			msg.Files = append(msg.Files, fh.Filename)
		}
	} else {
		var in struct {
			Content     string `json:"content"`
			MessageType string `json:"message_type"`
			SourceID    string `json:"source_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		msg.Content, msg.MessageType, msg.SourceID = in.Content, in.MessageType, in.SourceID
	}

	s.mu.Lock()
	msg.ID = s.id()
	s.messages = append(s.messages, msg)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"id": msg.ID, "content": msg.Content, "message_type": msg.MessageType, "source_id": msg.SourceID})
}

func (s *Server) listInboxes(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	inboxes := slices.Clone(s.inboxes)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"payload": nonNil(inboxes)})
}

func (s *Server) contact(r *http.Request) *hub.Contact {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		return nil
	}
	for _, c := range s.contacts {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Server) id() int64 {
	s.nextID++
	return s.nextID
}

func cloneContact(c *hub.Contact) hub.Contact {
	out := *c
	out.CustomAttributes = maps.Clone(c.CustomAttributes)
	out.AdditionalAttributes = maps.Clone(c.AdditionalAttributes)
	out.ContactInboxes = slices.Clone(c.ContactInboxes)
	return out
}

func mergeAttrs(dst, src hub.Attributes) hub.Attributes {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = hub.Attributes{}
	}
	maps.Copy(dst, src)
	return dst
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
