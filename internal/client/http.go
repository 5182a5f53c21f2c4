package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/alfredjeanlab/dealroom/internal/model"
	"github.com/alfredjeanlab/dealroom/internal/protocol"
)

// DefaultAttachmentTypes is the chat attachment MIME allow-list.
var DefaultAttachmentTypes = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}

// DefaultAttachmentMaxBytes is the chat attachment ceiling (5 MiB).
const DefaultAttachmentMaxBytes int64 = 5 << 20

// HTTPClient implements API using the marketplace HTTP/JSON REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client

	attachmentMax   int64
	attachmentTypes map[string]bool
}

// Option customises an HTTPClient.
type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *HTTPClient) { c.httpClient = hc }
}

// WithAttachmentPolicy sets the chat attachment ceiling and MIME allow-list.
func WithAttachmentPolicy(maxBytes int64, types []string) Option {
	return func(c *HTTPClient) {
		if maxBytes > 0 {
			c.attachmentMax = maxBytes
		}
		if len(types) > 0 {
			c.attachmentTypes = toSet(types)
		}
	}
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "https://api.example.com"). When token is non-empty, an
// Authorization header is set on every request.
func NewHTTPClient(baseURL, token string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:         strings.TrimRight(baseURL, "/"),
		token:           token,
		httpClient:      &http.Client{},
		attachmentMax:   DefaultAttachmentMaxBytes,
		attachmentTypes: toSet(DefaultAttachmentTypes),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile-time check that HTTPClient implements API.
var _ API = (*HTTPClient)(nil)

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Snapshots ---

func (c *HTTPClient) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat/rooms/"+url.PathEscape(roomID)+"/messages/", nil, &raw); err != nil {
		return nil, err
	}
	var msgs []model.Message
	if err := decodeList(raw, &msgs); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return msgs, nil
}

func (c *HTTPClient) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	var raw json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/api/notifications/", nil, &raw); err != nil {
		return nil, err
	}
	var items []json.RawMessage
	if err := decodeList(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding notifications: %w", err)
	}
	// Invalid rows are dropped; the feed stays usable.
	out, _ := protocol.DecodeNotifications(items)
	return out, nil
}

func (c *HTTPClient) RoomUnreadCount(ctx context.Context, roomID string) (int, error) {
	var resp struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat/rooms/"+url.PathEscape(roomID)+"/unread-count/", nil, &resp); err != nil {
		return 0, err
	}
	return resp.UnreadCount, nil
}

func (c *HTTPClient) TotalUnreadCount(ctx context.Context) (int, error) {
	var resp struct {
		TotalUnreadCount int `json:"total_unread_count"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/chat/unread-count/", nil, &resp); err != nil {
		return 0, err
	}
	return resp.TotalUnreadCount, nil
}

func (c *HTTPClient) GetDelivery(ctx context.Context, roomID string) (*model.DeliveryRecord, error) {
	var rec model.DeliveryRecord
	if err := c.doJSON(ctx, http.MethodGet, "/api/deliveries/"+url.PathEscape(roomID)+"/", nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// --- Chat ---

func (c *HTTPClient) SendMessage(ctx context.Context, req *SendMessageRequest) (*model.Message, error) {
	if err := model.ValidateMessageDraft(req.RoomID, req.Body); err != nil {
		return nil, err
	}
	var msg model.Message
	path := "/api/chat/rooms/" + url.PathEscape(req.RoomID) + "/messages/"
	if err := c.do(ctx, http.MethodPost, path, req, &msg, req.IdempotencyKey); err != nil {
		return nil, err
	}
	return &msg, nil
}

// UploadFile sends a chat attachment as multipart/form-data. The MIME type
// and declared size are checked before any request is made.
func (c *HTTPClient) UploadFile(ctx context.Context, req *UploadFileRequest) (*model.Message, error) {
	if err := c.checkAttachment(req); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, req.Name))
	hdr.Set("Content-Type", req.ContentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return nil, fmt.Errorf("creating multipart part: %w", err)
	}
	n, err := io.Copy(part, io.LimitReader(req.Body, c.attachmentMax+1))
	if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}
	if n > c.attachmentMax {
		return nil, model.NewValidationError("file", "exceeds the %s attachment limit", humanize.IBytes(uint64(c.attachmentMax)))
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	path := "/api/chat/rooms/" + url.PathEscape(req.RoomID) + "/upload/"
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var msg model.Message
	if err := c.send(httpReq, "upload file", &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (c *HTTPClient) checkAttachment(req *UploadFileRequest) error {
	var ve model.ValidationError
	if req.RoomID == "" {
		ve.Add("room_id", "is required")
	}
	if !c.attachmentTypes[strings.ToLower(req.ContentType)] {
		ve.Add("content_type", "%q is not an allowed attachment type", req.ContentType)
	}
	if req.Size > c.attachmentMax {
		ve.Add("file", "%s exceeds the %s attachment limit",
			humanize.IBytes(uint64(req.Size)), humanize.IBytes(uint64(c.attachmentMax)))
	}
	if req.Body == nil {
		ve.Add("file", "is required")
	}
	return ve.Err()
}

func (c *HTTPClient) MarkRead(ctx context.Context, roomID, messageID string) error {
	path := "/api/chat/rooms/" + url.PathEscape(roomID) + "/messages/" + url.PathEscape(messageID) + "/read/"
	return c.doJSON(ctx, http.MethodPost, path, nil, nil)
}

func (c *HTTPClient) MarkNotificationRead(ctx context.Context, notificationID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(notificationID)+"/read/", nil, nil)
}

// --- Delivery ---

func (c *HTTPClient) SubmitReferenceLink(ctx context.Context, req *ReferenceLinkRequest) (*model.DeliveryRecord, error) {
	var rec model.DeliveryRecord
	if err := c.doJSON(ctx, http.MethodPost, "/api/deliveries/"+url.PathEscape(req.RoomID)+"/reference/", req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) RequestUploadHandle(ctx context.Context, req *UploadHandleRequest) (*model.UploadHandle, error) {
	var h model.UploadHandle
	if err := c.doJSON(ctx, http.MethodPost, "/api/deliveries/"+url.PathEscape(req.RoomID)+"/upload-handle/", req, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *HTTPClient) CommitUpload(ctx context.Context, req *CommitUploadRequest) (*model.Artifact, error) {
	var a model.Artifact
	if err := c.doJSON(ctx, http.MethodPost, "/api/deliveries/"+url.PathEscape(req.RoomID)+"/commit/", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Escrow ---

func (c *HTTPClient) CreatePaymentSession(ctx context.Context, req *PaymentSessionRequest) (*model.PaymentSession, error) {
	var s model.PaymentSession
	if err := c.do(ctx, http.MethodPost, "/api/payments/sessions/", req, &s, req.IdempotencyKey); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *HTTPClient) VerifyPaymentSession(ctx context.Context, sessionID string) (*model.PaymentSession, error) {
	var s model.PaymentSession
	if err := c.doJSON(ctx, http.MethodGet, "/api/payments/sessions/"+url.PathEscape(sessionID)+"/verify/", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *HTTPClient) ConfirmDelivery(ctx context.Context, transactionID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/transactions/"+url.PathEscape(transactionID)+"/confirm/", nil, nil)
}

func (c *HTTPClient) OpenDispute(ctx context.Context, req *OpenDisputeRequest) (*model.Dispute, error) {
	var d model.Dispute
	if err := c.doJSON(ctx, http.MethodPost, "/api/transactions/"+url.PathEscape(req.TransactionID)+"/disputes/", req, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *HTTPClient) ConfirmPayout(ctx context.Context, req *PayoutRequest) (*model.Payout, error) {
	var p model.Payout
	path := "/api/transactions/" + url.PathEscape(req.TransactionID) + "/payout/"
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &p, req.IdempotencyKey); err != nil {
		return nil, err
	}
	return &p, nil
}

// --- plumbing ---

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	return c.do(ctx, method, path, body, result, "")
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, result any, idempotencyKey string) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := c.newRequest(ctx, method, path, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return c.send(req, method+" "+path, result)
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *HTTPClient) send(req *http.Request, op string, result any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return ctxErr
		}
		return &model.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	// 204 No Content: success, no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &model.TransportError{Op: op, Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 400 {
		return mapStatus(op, resp.StatusCode, respBody)
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// decodeList accepts either a bare JSON array or a paginated
// {"results": [...]} envelope.
func decodeList(raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var page struct {
			Results json.RawMessage `json:"results"`
		}
		if err := json.Unmarshal(trimmed, &page); err != nil {
			return err
		}
		trimmed = page.Results
	}
	if len(trimmed) == 0 || string(trimmed) == "null" {
		return nil
	}
	return json.Unmarshal(trimmed, dst)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, s := range items {
		set[strings.ToLower(s)] = true
	}
	return set
}
