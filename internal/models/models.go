package models

import (
	"encoding/json"
	"time"
)

type OperationKind string

const (
	OpPending  OperationKind = "pending"
	OpResize   OperationKind = "resize"
	OpCompress OperationKind = "compress"
	OpUpscale  OperationKind = "upscale"
)

type ImageRecord struct {
	ID            int64           `db:"id" json:"id"`
	OriginalName  string          `db:"original_name" json:"originalName"`
	MimeType      string          `db:"mime_type" json:"mimeType"`
	Size          int64           `db:"size" json:"size"`
	ArtifactID    string          `db:"artifact_id" json:"filename"`
	LastOperation OperationKind   `db:"last_operation" json:"lastOperation"`
	LastParams    json.RawMessage `db:"last_params" json:"lastParams,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt     time.Time       `db:"updated_at" json:"updatedAt"`
}

// ImagePatch is a partial update; nil fields are left untouched.
type ImagePatch struct {
	MimeType      *string
	Size          *int64
	ArtifactID    *string
	LastOperation *OperationKind
	LastParams    json.RawMessage
}

// Apply returns a copy of rec with the patch applied.
func (p ImagePatch) Apply(rec ImageRecord) ImageRecord {
	if p.MimeType != nil {
		rec.MimeType = *p.MimeType
	}
	if p.Size != nil {
		rec.Size = *p.Size
	}
	if p.ArtifactID != nil {
		rec.ArtifactID = *p.ArtifactID
	}
	if p.LastOperation != nil {
		rec.LastOperation = *p.LastOperation
	}
	if p.LastParams != nil {
		rec.LastParams = append(json.RawMessage(nil), p.LastParams...)
	}
	return rec
}
