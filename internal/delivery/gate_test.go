package delivery

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alfredjeanlab/dealroom/internal/artifact"
	"github.com/alfredjeanlab/dealroom/internal/client/clienttest"
	"github.com/alfredjeanlab/dealroom/internal/events"
	"github.com/alfredjeanlab/dealroom/internal/model"
)

// storage is a fake object store accepting PUTs.
type storage struct {
	*httptest.Server
	puts   atomic.Int32
	status int
}

func newStorage(t *testing.T, status int) *storage {
	t.Helper()
	s := &storage{status: status}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		s.puts.Add(1)
		w.WriteHeader(s.status)
	}))
	t.Cleanup(s.Close)
	return s
}

func newTestGate(t *testing.T, status int) (*Gate, *clienttest.Fake, *storage) {
	t.Helper()
	st := newStorage(t, status)
	api := clienttest.New()
	api.UploadURL = st.URL + "/bucket/obj"
	return NewGate("r1", Options{API: api}), api, st
}

func zipRequest(body string) ArtifactRequest {
	return ArtifactRequest{
		Name:        "site.zip",
		ContentType: "application/zip",
		Size:        int64(len(body)),
		Body:        strings.NewReader(body),
		Structure:   []string{"src/"},
	}
}

func TestGate_StatusTable(t *testing.T) {
	for _, tc := range []struct {
		name       string
		reference  string
		artifact   bool
		reviewable bool
		missing    []string
	}{
		{"Neither", "", false, false, []string{SlotReference, SlotArtifact}},
		{"ReferenceOnly", "https://example.com/repo", false, false, []string{SlotArtifact}},
		{"ArtifactOnly", "", true, false, []string{SlotReference}},
		{"Both", "https://example.com/repo", true, true, nil},
	} {
		t.Run(tc.name, func(t *testing.T) {
			api := clienttest.New()
			rec := &model.DeliveryRecord{RoomID: "r1", ReferenceLink: tc.reference}
			if tc.artifact {
				rec.Artifact = &model.Artifact{ObjectKey: "k", Name: "a.zip"}
			}
			api.Deliveries["r1"] = rec

			g := NewGate("r1", Options{API: api})
			if err := g.Load(context.Background()); err != nil {
				t.Fatalf("Load() error: %v", err)
			}
			s := g.Status()
			if s.HasReference != (tc.reference != "") || s.HasArtifact != tc.artifact || s.Reviewable != tc.reviewable {
				t.Errorf("Status() = %+v", s)
			}
			if strings.Join(g.Missing(), ",") != strings.Join(tc.missing, ",") {
				t.Errorf("Missing() = %v, want %v", g.Missing(), tc.missing)
			}
		})
	}
}

func TestGate_Downloadable(t *testing.T) {
	api := clienttest.New()
	api.Deliveries["r1"] = &model.DeliveryRecord{RoomID: "r1", Artifact: &model.Artifact{ObjectKey: "k"}}
	g := NewGate("r1", Options{API: api})
	if g.Downloadable(model.RoleProducer, false) {
		t.Error("nothing is downloadable before Load")
	}
	if err := g.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		role      model.Role
		confirmed bool
		want      bool
	}{
		{model.RoleProducer, false, true},
		{model.RoleConsumer, false, false},
		{model.RoleConsumer, true, true},
	} {
		if got := g.Downloadable(tc.role, tc.confirmed); got != tc.want {
			t.Errorf("Downloadable(%s, %v) = %v, want %v", tc.role, tc.confirmed, got, tc.want)
		}
	}
}

func TestGate_SubmitReferenceValidation(t *testing.T) {
	g, api, _ := newTestGate(t, http.StatusOK)
	for _, link := range []string{"", "   ", "not a url", "ftp://example.com/x", "https://"} {
		err := g.SubmitReference(context.Background(), link, "")
		if model.KindOf(err) != model.KindValidation {
			t.Errorf("SubmitReference(%q) error = %v, want validation", link, err)
		}
	}
	if api.Count("SubmitReferenceLink") != 0 {
		t.Error("invalid links must not reach the API")
	}
}

func TestGate_CredentialRetry(t *testing.T) {
	g, api, _ := newTestGate(t, http.StatusOK)
	api.CredentialFor = "pat-123"
	ctx := context.Background()

	err := g.SubmitReference(ctx, "https://git.example.com/private", "")
	if !errors.Is(err, model.ErrCredentialRequired) {
		t.Fatalf("SubmitReference() error = %v, want ErrCredentialRequired", err)
	}
	if !g.AwaitingCredential() || g.Status().HasReference {
		t.Fatal("link should be kept pending without filling the slot")
	}

	if err := g.RetryReferenceWithCredential(ctx, " "); model.KindOf(err) != model.KindValidation {
		t.Errorf("blank credential error = %v, want validation", err)
	}
	if err := g.RetryReferenceWithCredential(ctx, "pat-123"); err != nil {
		t.Fatalf("RetryReferenceWithCredential() error: %v", err)
	}
	if g.AwaitingCredential() || !g.Status().HasReference {
		t.Error("retry should fill the reference slot")
	}
	if err := g.RetryReferenceWithCredential(ctx, "pat-123"); model.KindOf(err) != model.KindValidation {
		t.Errorf("retry with nothing pending error = %v, want validation", err)
	}
}

func TestGate_SubmitArtifact(t *testing.T) {
	g, api, st := newTestGate(t, http.StatusOK)
	bus := events.NewLocalBus()
	defer bus.Close()
	g.pub = bus
	committed, cancelCommitted, _ := bus.Subscribe(events.TopicDeliveryCommitted)
	defer cancelCommitted()
	reviewable, cancelReviewable, _ := bus.Subscribe(events.TopicDeliveryReviewable)
	defer cancelReviewable()

	ctx := context.Background()
	if err := g.SubmitReference(ctx, "https://example.com/repo", ""); err != nil {
		t.Fatal(err)
	}

	var progress atomic.Int64
	var completed *model.Artifact
	req := zipRequest("PK-archive-bytes")
	req.Progress = func(sent, _ int64) { progress.Store(sent) }
	req.Alive = func() bool { return true }
	req.OnComplete = func(a *model.Artifact) { completed = a }

	a, err := g.SubmitArtifact(ctx, req)
	if err != nil {
		t.Fatalf("SubmitArtifact() error: %v", err)
	}
	if a.ObjectKey != "deliveries/r1/site.zip" || a.Name != "site.zip" {
		t.Errorf("artifact = %+v", a)
	}
	if st.puts.Load() != 1 || api.Count("CommitUpload") != 1 {
		t.Errorf("puts = %d, commits = %d", st.puts.Load(), api.Count("CommitUpload"))
	}
	if progress.Load() != req.Size {
		t.Errorf("progress = %d, want %d", progress.Load(), req.Size)
	}
	if completed == nil {
		t.Error("OnComplete not called")
	}
	if !g.Status().Reviewable {
		t.Error("gate should be reviewable")
	}
	for name, ch := range map[string]<-chan []byte{"committed": committed, "reviewable": reviewable} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Errorf("no %s event", name)
		}
	}
}

func TestGate_SubmitArtifactRejectsOversizeBeforeAnyRequest(t *testing.T) {
	g, api, st := newTestGate(t, http.StatusOK)
	req := zipRequest("x")
	req.Size = 6 << 30

	_, err := g.SubmitArtifact(context.Background(), req)
	if model.KindOf(err) != model.KindValidation {
		t.Fatalf("SubmitArtifact() error = %v, want validation", err)
	}
	if api.Count("RequestUploadHandle") != 0 || st.puts.Load() != 0 || api.Count("CommitUpload") != 0 {
		t.Error("no request may be issued for an oversize archive")
	}
}

func TestGate_SubmitArtifactFailuresCommitNothing(t *testing.T) {
	t.Run("Transfer", func(t *testing.T) {
		g, api, _ := newTestGate(t, http.StatusForbidden)
		_, err := g.SubmitArtifact(context.Background(), zipRequest("abc"))
		if model.KindOf(err) != model.KindTransport {
			t.Fatalf("error = %v, want transport", err)
		}
		if api.Count("CommitUpload") != 0 || g.Status().HasArtifact {
			t.Error("a failed transfer must not commit")
		}
	})
	t.Run("Commit", func(t *testing.T) {
		g, api, st := newTestGate(t, http.StatusOK)
		api.SetErr("CommitUpload", &model.TransportError{Op: "commit", Status: 503, Err: errors.New("down")})
		_, err := g.SubmitArtifact(context.Background(), zipRequest("abc"))
		if model.KindOf(err) != model.KindTransport {
			t.Fatalf("error = %v, want transport", err)
		}
		if st.puts.Load() != 1 || g.Status().HasArtifact {
			t.Error("a failed commit must leave no artifact")
		}
	})
	t.Run("Handle", func(t *testing.T) {
		g, api, st := newTestGate(t, http.StatusOK)
		api.SetErr("RequestUploadHandle", &model.TransportError{Op: "handle", Err: errors.New("down")})
		if _, err := g.SubmitArtifact(context.Background(), zipRequest("abc")); err == nil {
			t.Fatal("expected error")
		}
		if st.puts.Load() != 0 {
			t.Error("no transfer without a handle")
		}
	})
}

func TestGate_SubmitArtifactSingleFlight(t *testing.T) {
	g, api, _ := newTestGate(t, http.StatusOK)
	api.Block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := g.SubmitArtifact(context.Background(), zipRequest("abc"))
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		g.mu.Lock()
		busy := g.uploading
		g.mu.Unlock()
		if busy || time.Now().After(deadline) {
			break
		}
		time.Sleep(time.Millisecond)
	}

	_, err := g.SubmitArtifact(context.Background(), zipRequest("def"))
	if model.KindOf(err) != model.KindConflict {
		t.Errorf("concurrent SubmitArtifact() error = %v, want conflict", err)
	}
	close(api.Block)
	if err := <-done; err != nil {
		t.Fatalf("first upload error: %v", err)
	}
}

func TestGate_CompletionSkippedWhenViewGone(t *testing.T) {
	g, _, _ := newTestGate(t, http.StatusOK)
	called := false
	req := zipRequest("abc")
	req.Alive = func() bool { return false }
	req.OnComplete = func(*model.Artifact) { called = true }
	if _, err := g.SubmitArtifact(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("OnComplete ran after the view went away")
	}
	if !g.Status().HasArtifact {
		t.Error("the artifact is still committed")
	}
}

func TestGate_ReviewMode(t *testing.T) {
	g := NewGate("r1", Options{API: clienttest.New()})
	if g.ReviewModeActive() {
		t.Fatal("review mode starts off")
	}
	g.OpenReview()
	if !g.ReviewModeActive() {
		t.Error("OpenReview() did not enable review mode")
	}
	g.CloseReview()
	if g.ReviewModeActive() {
		t.Error("CloseReview() did not disable review mode")
	}
}

func TestGate_CustomLimit(t *testing.T) {
	g := NewGate("r1", Options{API: clienttest.New(), MaxBytes: 10, Issuer: &artifact.APIIssuer{API: clienttest.New()}})
	req := zipRequest(strings.Repeat("a", 11))
	if _, err := g.SubmitArtifact(context.Background(), req); model.KindOf(err) != model.KindValidation {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(Options{API: clienttest.New()})
	a, b := r.Get("r1"), r.Get("r1")
	if a != b {
		t.Error("Get should return the same gate for a room")
	}
	if r.Get("r2") == a {
		t.Error("rooms must not share gates")
	}
	r.Forget("r1")
	if r.Get("r1") == a {
		t.Error("Forget should drop the gate")
	}
}
