// Package delivery tracks the two hand-off slots of a room (a reference link
// and an uploaded archive) and runs the three-phase artifact upload.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/alfredjeanlab/dealroom/internal/artifact"
	"github.com/alfredjeanlab/dealroom/internal/client"
	"github.com/alfredjeanlab/dealroom/internal/events"
	"github.com/alfredjeanlab/dealroom/internal/logging"
	"github.com/alfredjeanlab/dealroom/internal/model"
)

// Slot names reported by Missing.
const (
	SlotReference = "reference_link"
	SlotArtifact  = "artifact"
)

// Status is the boolean view of a delivery.
type Status struct {
	HasReference bool
	HasArtifact  bool
	Reviewable   bool
}

// Options configures a Gate. API is required.
type Options struct {
	API        client.API
	Issuer     artifact.Issuer // defaults to an APIIssuer over API
	Transferer *artifact.Transferer
	MaxBytes   int64
	Publisher  events.Publisher
	Logger     *zap.Logger
}

// ArtifactRequest describes an archive to deliver.
type ArtifactRequest struct {
	Name        string
	ContentType string
	Size        int64
	Body        io.Reader
	// Structure lists the archive's top-level entries; see artifact.ZipStructure.
	Structure []string
	Progress  artifact.Progress

	// Alive reports whether the view that started the upload still exists.
	// OnComplete runs only if it does.
	Alive      func() bool
	OnComplete func(*model.Artifact)
}

// Gate is the delivery state of one room.
type Gate struct {
	roomID   string
	api      client.API
	issuer   artifact.Issuer
	transfer *artifact.Transferer
	maxBytes int64
	pub      events.Publisher
	log      *zap.Logger

	mu          sync.Mutex
	record      model.DeliveryRecord
	pendingLink string // link awaiting a credential
	uploading   bool
	review      bool
}

// NewGate creates an empty gate for roomID.
func NewGate(roomID string, opts Options) *Gate {
	if opts.Issuer == nil {
		opts.Issuer = &artifact.APIIssuer{API: opts.API}
	}
	if opts.Transferer == nil {
		opts.Transferer = &artifact.Transferer{}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = artifact.DefaultMaxBytes
	}
	return &Gate{
		roomID:   roomID,
		api:      opts.API,
		issuer:   opts.Issuer,
		transfer: opts.Transferer,
		maxBytes: opts.MaxBytes,
		pub:      events.OrNoop(opts.Publisher),
		log:      logging.OrNop(opts.Logger).With(zap.String("room", roomID)),
		record:   model.DeliveryRecord{RoomID: roomID},
	}
}

// Load replaces local state with the server's delivery record.
func (g *Gate) Load(ctx context.Context) error {
	rec, err := g.api.GetDelivery(ctx, g.roomID)
	if err != nil {
		return fmt.Errorf("loading delivery: %w", err)
	}
	g.update(ctx, func(r *model.DeliveryRecord) {
		r.ReferenceLink = rec.ReferenceLink
		r.Artifact = rec.Artifact
	})
	return nil
}

// Status returns the slot predicates.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{
		HasReference: g.record.HasReference(),
		HasArtifact:  g.record.HasArtifact(),
		Reviewable:   g.record.Reviewable(),
	}
}

// Missing names the empty slots.
func (g *Gate) Missing() []string {
	s := g.Status()
	var out []string
	if !s.HasReference {
		out = append(out, SlotReference)
	}
	if !s.HasArtifact {
		out = append(out, SlotArtifact)
	}
	return out
}

// Downloadable reports whether role may download the artifact.
func (g *Gate) Downloadable(role model.Role, confirmed bool) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.record.Downloadable(role, confirmed)
}

// Artifact returns the committed artifact, if any.
func (g *Gate) Artifact() *model.Artifact {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.record.Artifact == nil {
		return nil
	}
	a := *g.record.Artifact
	return &a
}

// AwaitingCredential reports whether a reference link was refused for want
// of a credential and is waiting for RetryReferenceWithCredential.
func (g *Gate) AwaitingCredential() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.pendingLink != ""
}

// SubmitReference records the reference link. When the API needs an
// auxiliary credential the error wraps model.ErrCredentialRequired and the
// link is kept for RetryReferenceWithCredential.
func (g *Gate) SubmitReference(ctx context.Context, link, credential string) error {
	link = strings.TrimSpace(link)
	if err := validateLink(link); err != nil {
		return err
	}
	rec, err := g.api.SubmitReferenceLink(ctx, &client.ReferenceLinkRequest{
		RoomID:     g.roomID,
		URL:        link,
		Credential: credential,
	})
	if errors.Is(err, model.ErrCredentialRequired) {
		g.mu.Lock()
		g.pendingLink = link
		g.mu.Unlock()
		g.log.Info("delivery: reference needs a credential")
		return err
	}
	if err != nil {
		return fmt.Errorf("submitting reference: %w", err)
	}

	g.mu.Lock()
	g.pendingLink = ""
	g.mu.Unlock()
	g.update(ctx, func(r *model.DeliveryRecord) {
		r.ReferenceLink = link
		if rec != nil && rec.ReferenceLink != "" {
			r.ReferenceLink = rec.ReferenceLink
		}
	})
	return nil
}

// RetryReferenceWithCredential resubmits the kept link with credential.
func (g *Gate) RetryReferenceWithCredential(ctx context.Context, credential string) error {
	g.mu.Lock()
	link := g.pendingLink
	g.mu.Unlock()
	if link == "" {
		return model.NewValidationError(SlotReference, "no link is awaiting a credential")
	}
	if strings.TrimSpace(credential) == "" {
		return model.NewValidationError("credential", "is required")
	}
	return g.SubmitReference(ctx, link, credential)
}

// SubmitArtifact runs handle, transfer and commit in order. The size is
// checked before any request; a failed transfer or commit leaves no
// committed record. Only one upload per room may run at a time.
func (g *Gate) SubmitArtifact(ctx context.Context, req ArtifactRequest) (*model.Artifact, error) {
	if err := artifact.CheckSize(req.Size, g.maxBytes); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, model.NewValidationError("name", "is required")
	}
	if req.Body == nil {
		return nil, model.NewValidationError("file", "is required")
	}

	g.mu.Lock()
	if g.uploading {
		g.mu.Unlock()
		return nil, model.NewConflict("delivery "+g.roomID, "an artifact upload is already in progress")
	}
	g.uploading = true
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.uploading = false
		g.mu.Unlock()
	}()

	log := g.log.With(zap.String("artifact", req.Name), zap.Int64("size", req.Size))

	handle, err := g.issuer.Issue(ctx, artifact.Request{
		RoomID:      g.roomID,
		Name:        req.Name,
		Size:        req.Size,
		ContentType: req.ContentType,
	})
	if err != nil {
		return nil, err
	}
	if err := g.transfer.Put(ctx, handle, req.Body, req.Size, req.Progress); err != nil {
		log.Warn("delivery: transfer failed", zap.Error(err))
		return nil, err
	}
	a, err := g.api.CommitUpload(ctx, &client.CommitUploadRequest{
		RoomID:      g.roomID,
		ObjectKey:   handle.ObjectKey,
		Name:        req.Name,
		Size:        req.Size,
		ContentType: req.ContentType,
		Structure:   req.Structure,
	})
	if err != nil {
		log.Warn("delivery: commit failed", zap.Error(err))
		return nil, fmt.Errorf("committing artifact: %w", err)
	}
	if a.ObjectKey == "" {
		a.ObjectKey = handle.ObjectKey
	}
	if a.Name == "" {
		a.Name = req.Name
	}

	committed := *a
	g.update(ctx, func(r *model.DeliveryRecord) { r.Artifact = &committed })
	if err := g.pub.Publish(ctx, events.TopicDeliveryCommitted, events.DeliveryCommitted{RoomID: g.roomID, Artifact: a}); err != nil {
		log.Warn("delivery: publishing commit", zap.Error(err))
	}
	log.Info("delivery: artifact committed", zap.String("object_key", a.ObjectKey))

	if req.OnComplete != nil {
		if req.Alive == nil || req.Alive() {
			req.OnComplete(a)
		} else {
			log.Debug("delivery: initiating view gone, skipping completion")
		}
	}
	return a, nil
}

// OpenReview enters review mode, in which global shortcuts are suppressed.
func (g *Gate) OpenReview() {
	g.mu.Lock()
	g.review = true
	g.mu.Unlock()
}

// CloseReview leaves review mode.
func (g *Gate) CloseReview() {
	g.mu.Lock()
	g.review = false
	g.mu.Unlock()
}

// ReviewModeActive reports whether review mode is on.
func (g *Gate) ReviewModeActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.review
}

// update applies fn and publishes when the delivery became reviewable.
func (g *Gate) update(ctx context.Context, fn func(r *model.DeliveryRecord)) {
	g.mu.Lock()
	was := g.record.Reviewable()
	fn(&g.record)
	now := g.record.Reviewable()
	g.mu.Unlock()
	if !was && now {
		if err := g.pub.Publish(ctx, events.TopicDeliveryReviewable, events.DeliveryReviewable{RoomID: g.roomID}); err != nil {
			g.log.Warn("delivery: publishing reviewable", zap.Error(err))
		}
	}
}

func validateLink(link string) error {
	if link == "" {
		return model.NewValidationError(SlotReference, "is required")
	}
	u, err := url.ParseRequestURI(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.NewValidationError(SlotReference, "must be an http(s) URL")
	}
	return nil
}
