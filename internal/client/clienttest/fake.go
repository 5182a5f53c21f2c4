// Package clienttest provides an in-memory client.API for tests.
package clienttest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/alfredjeanlab/dealroom/internal/client"
	"github.com/alfredjeanlab/dealroom/internal/model"
)

// Fake is an in-memory client.API. Each Err field, when set, is returned by
// the matching call before any state changes. Calls counts invocations by
// method name.
type Fake struct {
	mu sync.Mutex

	Messages      map[string][]model.Message
	Notifications []model.Notification
	RoomUnread    map[string]int
	TotalUnread   int
	Deliveries    map[string]*model.DeliveryRecord
	Sessions      map[string]*model.PaymentSession
	Disputes      map[string]*model.Dispute
	Payouts       map[string]*model.Payout
	Reads         []string
	Confirmed     map[string]bool
	Calls         map[string]int
	Keys          map[string][]string // idempotency keys by method

	// SessionStatus is the status VerifyPaymentSession reports.
	SessionStatus model.PaymentSessionStatus
	// CredentialFor makes SubmitReferenceLink require this credential.
	CredentialFor string
	// Moderate rejects SendMessage bodies for which it returns a reason.
	Moderate func(body string) string
	// UploadURL is returned in upload handles.
	UploadURL string

	// Block, when non-nil, is received from at the start of every call.
	Block chan struct{}

	Err map[string]error

	seq int
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		Messages:      make(map[string][]model.Message),
		RoomUnread:    make(map[string]int),
		Deliveries:    make(map[string]*model.DeliveryRecord),
		Sessions:      make(map[string]*model.PaymentSession),
		Disputes:      make(map[string]*model.Dispute),
		Payouts:       make(map[string]*model.Payout),
		Confirmed:     make(map[string]bool),
		Calls:         make(map[string]int),
		Keys:          make(map[string][]string),
		Err:           make(map[string]error),
		SessionStatus: model.SessionPaid,
	}
}

var _ client.API = (*Fake)(nil)

// Count returns how many times method was called.
func (f *Fake) Count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

// SetErr makes method fail with err; nil clears it.
func (f *Fake) SetErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Err, method)
		return
	}
	f.Err[method] = err
}

// enter records the call and returns the configured error. It is called
// without f.mu held and locks it on success; callers must unlock.
func (f *Fake) enter(ctx context.Context, method string) error {
	if f.Block != nil {
		select {
		case <-f.Block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	f.Calls[method]++
	if err := f.Err[method]; err != nil {
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *Fake) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s%d", prefix, f.seq)
}

func (f *Fake) ListMessages(ctx context.Context, roomID string) ([]model.Message, error) {
	if err := f.enter(ctx, "ListMessages"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]model.Message(nil), f.Messages[roomID]...), nil
}

func (f *Fake) ListNotifications(ctx context.Context) ([]model.Notification, error) {
	if err := f.enter(ctx, "ListNotifications"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return append([]model.Notification(nil), f.Notifications...), nil
}

func (f *Fake) RoomUnreadCount(ctx context.Context, roomID string) (int, error) {
	if err := f.enter(ctx, "RoomUnreadCount"); err != nil {
		return 0, err
	}
	defer f.mu.Unlock()
	return f.RoomUnread[roomID], nil
}

func (f *Fake) TotalUnreadCount(ctx context.Context) (int, error) {
	if err := f.enter(ctx, "TotalUnreadCount"); err != nil {
		return 0, err
	}
	defer f.mu.Unlock()
	return f.TotalUnread, nil
}

func (f *Fake) GetDelivery(ctx context.Context, roomID string) (*model.DeliveryRecord, error) {
	if err := f.enter(ctx, "GetDelivery"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	rec := f.delivery(roomID)
	out := *rec
	return &out, nil
}

func (f *Fake) delivery(roomID string) *model.DeliveryRecord {
	rec, ok := f.Deliveries[roomID]
	if !ok {
		rec = &model.DeliveryRecord{RoomID: roomID}
		f.Deliveries[roomID] = rec
	}
	return rec
}

func (f *Fake) SendMessage(ctx context.Context, req *client.SendMessageRequest) (*model.Message, error) {
	if err := f.enter(ctx, "SendMessage"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	f.Keys["SendMessage"] = append(f.Keys["SendMessage"], req.IdempotencyKey)
	if f.Moderate != nil {
		if reason := f.Moderate(req.Body); reason != "" {
			return nil, &model.ModerationRejection{Reason: reason, Violations: []string{reason}}
		}
	}
	m := model.Message{
		ID:        f.nextID("m"),
		RoomID:    req.RoomID,
		SenderID:  "self",
		Body:      req.Body,
		CreatedAt: time.Now(),
	}
	f.Messages[req.RoomID] = append(f.Messages[req.RoomID], m)
	return &m, nil
}

func (f *Fake) UploadFile(ctx context.Context, req *client.UploadFileRequest) (*model.Message, error) {
	if err := f.enter(ctx, "UploadFile"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	if req.Body != nil {
		_, _ = io.Copy(io.Discard, req.Body)
	}
	m := model.Message{
		ID:        f.nextID("m"),
		RoomID:    req.RoomID,
		SenderID:  "self",
		File:      &model.FileRef{Name: req.Name, URL: "https://files.example.com/" + req.Name, Size: req.Size, ContentType: req.ContentType},
		CreatedAt: time.Now(),
	}
	f.Messages[req.RoomID] = append(f.Messages[req.RoomID], m)
	return &m, nil
}

func (f *Fake) MarkRead(ctx context.Context, roomID, messageID string) error {
	if err := f.enter(ctx, "MarkRead"); err != nil {
		return err
	}
	defer f.mu.Unlock()
	f.Reads = append(f.Reads, roomID+"/"+messageID)
	return nil
}

func (f *Fake) MarkNotificationRead(ctx context.Context, notificationID string) error {
	if err := f.enter(ctx, "MarkNotificationRead"); err != nil {
		return err
	}
	defer f.mu.Unlock()
	f.Reads = append(f.Reads, "notification/"+notificationID)
	return nil
}

func (f *Fake) SubmitReferenceLink(ctx context.Context, req *client.ReferenceLinkRequest) (*model.DeliveryRecord, error) {
	if err := f.enter(ctx, "SubmitReferenceLink"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	if f.CredentialFor != "" && req.Credential != f.CredentialFor {
		return nil, fmt.Errorf("submit reference: %w", model.ErrCredentialRequired)
	}
	rec := f.delivery(req.RoomID)
	rec.ReferenceLink = req.URL
	out := *rec
	return &out, nil
}

func (f *Fake) RequestUploadHandle(ctx context.Context, req *client.UploadHandleRequest) (*model.UploadHandle, error) {
	if err := f.enter(ctx, "RequestUploadHandle"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	return &model.UploadHandle{
		UploadURL: f.UploadURL,
		Method:    "PUT",
		ObjectKey: "deliveries/" + req.RoomID + "/" + req.Name,
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

func (f *Fake) CommitUpload(ctx context.Context, req *client.CommitUploadRequest) (*model.Artifact, error) {
	if err := f.enter(ctx, "CommitUpload"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	a := &model.Artifact{
		ObjectKey:   req.ObjectKey,
		Name:        req.Name,
		Size:        req.Size,
		ContentType: req.ContentType,
		Structure:   req.Structure,
		CommittedAt: time.Now(),
	}
	rec := f.delivery(req.RoomID)
	committed := *a
	rec.Artifact = &committed
	return a, nil
}

func (f *Fake) CreatePaymentSession(ctx context.Context, req *client.PaymentSessionRequest) (*model.PaymentSession, error) {
	if err := f.enter(ctx, "CreatePaymentSession"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	f.Keys["CreatePaymentSession"] = append(f.Keys["CreatePaymentSession"], req.IdempotencyKey)
	s := &model.PaymentSession{
		ID:            f.nextID("ps"),
		TransactionID: req.TransactionID,
		Method:        req.Method,
		Status:        model.SessionCreated,
	}
	if req.Method == model.PaymentHosted {
		s.RedirectURL = "https://pay.example.com/" + s.ID
	} else {
		s.Instructions = "transfer " + req.Total.StringFixed(2)
	}
	f.Sessions[s.ID] = s
	out := *s
	return &out, nil
}

func (f *Fake) VerifyPaymentSession(ctx context.Context, sessionID string) (*model.PaymentSession, error) {
	if err := f.enter(ctx, "VerifyPaymentSession"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	s, ok := f.Sessions[sessionID]
	if !ok {
		return nil, &client.APIError{StatusCode: 404, Message: "no such session"}
	}
	s.Status = f.SessionStatus
	out := *s
	return &out, nil
}

func (f *Fake) ConfirmDelivery(ctx context.Context, transactionID string) error {
	if err := f.enter(ctx, "ConfirmDelivery"); err != nil {
		return err
	}
	defer f.mu.Unlock()
	f.Confirmed[transactionID] = true
	return nil
}

func (f *Fake) OpenDispute(ctx context.Context, req *client.OpenDisputeRequest) (*model.Dispute, error) {
	if err := f.enter(ctx, "OpenDispute"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	for _, d := range f.Disputes {
		if d.TransactionID == req.TransactionID && d.Status == model.DisputeStatusOpen {
			return nil, model.NewConflict("dispute", "transaction %s already has an open dispute", req.TransactionID)
		}
	}
	d := &model.Dispute{
		ID:            f.nextID("d"),
		TransactionID: req.TransactionID,
		OpenerRole:    req.OpenerRole,
		Reason:        req.Reason,
		Notes:         req.Notes,
		Status:        model.DisputeStatusOpen,
		CreatedAt:     time.Now(),
	}
	f.Disputes[d.ID] = d
	out := *d
	return &out, nil
}

func (f *Fake) ConfirmPayout(ctx context.Context, req *client.PayoutRequest) (*model.Payout, error) {
	if err := f.enter(ctx, "ConfirmPayout"); err != nil {
		return nil, err
	}
	defer f.mu.Unlock()
	f.Keys["ConfirmPayout"] = append(f.Keys["ConfirmPayout"], req.IdempotencyKey)
	if p, ok := f.Payouts[req.TransactionID]; ok {
		out := *p
		return &out, nil
	}
	p := &model.Payout{
		TransactionID: req.TransactionID,
		Reference:     f.nextID("po"),
		ReleasedAt:    time.Now(),
	}
	f.Payouts[req.TransactionID] = p
	out := *p
	return &out, nil
}

func (f *Fake) Close() error { return nil }
