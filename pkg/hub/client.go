// Package hub is a client for the Chatwoot account API (v1).
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"chatbridge/pkg/config"
	"chatbridge/pkg/httpx"
)

// Client talks to one hub account.
type Client struct {
	baseURL     string
	accountBase string
	token       string
	http        *http.Client
	retry       httpx.Retry
	log         *slog.Logger
}

// NewClient builds a Client for cfg. A nil httpClient selects a pooled client
// with the default timeout.
func NewClient(cfg config.HubConfig, httpClient *http.Client, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = httpx.NewClient(httpx.DefaultTimeout)
	}
	if log == nil {
		log = slog.Default()
	}

	base := strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		baseURL:     base,
		accountBase: fmt.Sprintf("%s/api/v1/accounts/%d", base, cfg.AccountID),
		token:       cfg.AccessToken,
		http:        httpClient,
		retry:       httpx.DefaultRetry,
		log:         log.With("component", "hub.client"),
	}
}

// WithRetry returns a copy of c using retry for GET requests.
func (c *Client) WithRetry(retry httpx.Retry) *Client {
	next := *c
	next.retry = retry
	return &next
}

// BaseURL is the hub root used to resolve relative attachment URLs.
func (c *Client) BaseURL() string { return c.baseURL }

// ResolveURL makes ref absolute against the hub base URL.
func (c *Client) ResolveURL(ref string) string {
	if ref == "" {
		return ""
	}
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return ref
	}

	return base.ResolveReference(u).String()
}

// Download fetches a hub-hosted file.
func (c *Client) Download(ctx context.Context, ref string) (io.ReadCloser, string, error) {
	return httpx.Download(ctx, c.http, c.ResolveURL(ref))
}

func (c *Client) SearchContacts(ctx context.Context, query string) ([]Contact, error) {
	var out struct {
		Payload []Contact `json:"payload"`
	}
	q := url.Values{"q": {query}}
	if err := c.get(ctx, "search contacts", "/contacts/search?"+q.Encode(), &out); err != nil {
		return nil, err
	}

	return out.Payload, nil
}

// FilterContacts finds contacts whose attribute key equals value.
func (c *Client) FilterContacts(ctx context.Context, key, value string) ([]Contact, error) {
	body := map[string]any{
		"payload": []map[string]any{{
			"attribute_key":   key,
			"filter_operator": "equal_to",
			"values":          []string{value},
			"query_operator":  nil,
		}},
	}

	var out struct {
		Payload []Contact `json:"payload"`
	}
	if err := c.send(ctx, "filter contacts", http.MethodPost, "/contacts/filter", body, &out); err != nil {
		return nil, err
	}

	return out.Payload, nil
}

func (c *Client) GetContact(ctx context.Context, id int64) (Contact, error) {
	var out struct {
		Payload Contact `json:"payload"`
	}
	if err := c.get(ctx, "get contact", "/contacts/"+strconv.FormatInt(id, 10), &out); err != nil {
		return Contact{}, err
	}

	return out.Payload, nil
}

// CreateContact creates a contact. A duplicate identifier or phone is
// reported as an error matching httpx.ErrConflict.
func (c *Client) CreateContact(ctx context.Context, in ContactInput) (Contact, error) {
	var out struct {
		Payload struct {
			Contact      Contact       `json:"contact"`
			ContactInbox *ContactInbox `json:"contact_inbox"`
		} `json:"payload"`
	}
	in.PhoneNumber = normalizePhone(in.PhoneNumber)
	if err := c.send(ctx, "create contact", http.MethodPost, "/contacts", in, &out); err != nil {
		return Contact{}, err
	}

	contact := out.Payload.Contact
	if ci := out.Payload.ContactInbox; ci != nil && ci.SourceID != "" && contact.SourceID(int64(ci.Inbox.ID)) == "" {
		contact.ContactInboxes = append(contact.ContactInboxes, *ci)
	}

	return contact, nil
}

func (c *Client) UpdateContact(ctx context.Context, id int64, in ContactInput) (Contact, error) {
	var out struct {
		Payload Contact `json:"payload"`
	}
	in.PhoneNumber = normalizePhone(in.PhoneNumber)
	in.InboxID = 0
	if err := c.send(ctx, "update contact", http.MethodPut, "/contacts/"+strconv.FormatInt(id, 10), in, &out); err != nil {
		return Contact{}, err
	}

	return out.Payload, nil
}

// CreateContactInbox attaches a contact to inboxID under sourceID.
func (c *Client) CreateContactInbox(ctx context.Context, contactID, inboxID int64, sourceID string) (ContactInbox, error) {
	body := map[string]any{"inbox_id": inboxID, "source_id": sourceID}

	var out ContactInbox
	path := fmt.Sprintf("/contacts/%d/contact_inboxes", contactID)
	if err := c.send(ctx, "create contact inbox", http.MethodPost, path, body, &out); err != nil {
		return ContactInbox{}, err
	}
	if out.SourceID == "" {
		out.SourceID = sourceID
	}
	if out.Inbox.ID == 0 {
		out.Inbox.ID = FlexInt(inboxID)
	}

	return out, nil
}

func (c *Client) ListConversations(ctx context.Context, contactID int64) ([]Conversation, error) {
	var out struct {
		Payload []Conversation `json:"payload"`
	}
	if err := c.get(ctx, "list conversations", fmt.Sprintf("/contacts/%d/conversations", contactID), &out); err != nil {
		return nil, err
	}

	return out.Payload, nil
}

func (c *Client) CreateConversation(ctx context.Context, in ConversationInput) (Conversation, error) {
	var out Conversation
	if err := c.send(ctx, "create conversation", http.MethodPost, "/conversations", in, &out); err != nil {
		return Conversation{}, err
	}
	if out.InboxID == 0 {
		out.InboxID = FlexInt(in.InboxID)
	}

	return out, nil
}

// CreateMessage posts a message, switching to multipart when it carries files.
func (c *Client) CreateMessage(ctx context.Context, conversationID int64, in MessageInput) (Message, error) {
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	if in.MessageType == "" {
		in.MessageType = MessageIncoming
	}

	var out Message
	if len(in.Attachments) == 0 {
		body := map[string]any{
			"content":      in.Content,
			"message_type": in.MessageType,
			"private":      in.Private,
		}
		if in.SourceID != "" {
			body["source_id"] = in.SourceID
		}
		if err := c.send(ctx, "create message", http.MethodPost, path, body, &out); err != nil {
			return Message{}, err
		}
		return out, nil
	}

	payload, contentType, err := encodeMultipart(in)
	if err != nil {
		return Message{}, err
	}

	req, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(payload))
	if err != nil {
		return Message{}, err
	}
	req.Header.Set("Content-Type", contentType)

	if err := c.do(req, "create message", &out); err != nil {
		return Message{}, err
	}

	return out, nil
}

// ListInboxes is also used as the hub reachability probe.
func (c *Client) ListInboxes(ctx context.Context) ([]Inbox, error) {
	var out struct {
		Payload []Inbox `json:"payload"`
	}
	if err := c.get(ctx, "list inboxes", "/inboxes", &out); err != nil {
		return nil, err
	}

	return out.Payload, nil
}

func encodeMultipart(in MessageInput) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"content", in.Content},
		{"message_type", in.MessageType},
		{"private", strconv.FormatBool(in.Private)},
	}
	if in.SourceID != "" {
		fields = append(fields, [2]string{"source_id", in.SourceID})
	}
	for _, field := range fields {
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return nil, "", fmt.Errorf("write %s field: %w", field[0], err)
		}
	}

	for _, file := range in.Attachments {
		header := make(textproto.MIMEHeader)
		header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachments[]"; filename=%q`, file.FileName))
		contentType := file.ContentType
		if contentType == "" {
			contentType = httpx.ContentType(file.FileName)
		}
		header.Set("Content-Type", contentType)

		part, err := mw.CreatePart(header)
		if err != nil {
			return nil, "", fmt.Errorf("create attachment part: %w", err)
		}
		if _, err := part.Write(file.Data); err != nil {
			return nil, "", fmt.Errorf("write attachment: %w", err)
		}
	}

	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}

	return buf.Bytes(), mw.FormDataContentType(), nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	resp, err := c.retry.Do(ctx, c.http, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, path, nil)
	}, c.log)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return decodeResponse(op, resp, out)
}

// send issues a non-idempotent request exactly once.
func (c *Client) send(ctx context.Context, op, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%s: encode body: %w", op, err)
	}

	req, err := c.newRequest(ctx, method, path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, op, out)
}

func (c *Client) do(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return decodeResponse(op, resp, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.accountBase+path, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("api_access_token", c.token)
	req.Header.Set("Accept", "application/json")

	return req, nil
}

func decodeResponse(op string, resp *http.Response, out any) error {
	defer resp.Body.Close()

	if err := httpx.CheckStatus(op, resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}

	return nil
}

func normalizePhone(phone string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" || strings.HasPrefix(phone, "+") {
		return phone
	}

	return "+" + phone
}
