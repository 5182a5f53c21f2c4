package model

import "time"

// Artifact is a committed project archive.
type Artifact struct {
	ObjectKey   string    `json:"object_key"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type,omitempty"`
	Structure   []string  `json:"structure,omitempty"` // top-level entries of the archive
	CommittedAt time.Time `json:"committed_at"`
}

// DeliveryRecord tracks the two independent hand-off slots for a room.
type DeliveryRecord struct {
	RoomID        string    `json:"room_id"`
	ReferenceLink string    `json:"reference_link,omitempty"`
	Artifact      *Artifact `json:"artifact,omitempty"`
}

// HasReference reports whether the reference link slot is filled.
func (d *DeliveryRecord) HasReference() bool {
	return d.ReferenceLink != ""
}

// HasArtifact reports whether an artifact has been committed.
func (d *DeliveryRecord) HasArtifact() bool {
	return d.Artifact != nil
}

// Reviewable holds exactly when both slots are filled.
func (d *DeliveryRecord) Reviewable() bool {
	return d.HasReference() && d.HasArtifact()
}

// Downloadable reports whether role may download the artifact. The producer
// always may once it exists; the consumer only after confirming delivery.
func (d *DeliveryRecord) Downloadable(role Role, confirmed bool) bool {
	if !d.HasArtifact() {
		return false
	}
	switch role {
	case RoleProducer:
		return true
	case RoleConsumer:
		return confirmed
	}
	return false
}

// UploadHandle is a time-limited write capability for an artifact.
type UploadHandle struct {
	UploadURL string            `json:"upload_url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	ObjectKey string            `json:"object_key"`
	ExpiresAt time.Time         `json:"expires_at"`
}
