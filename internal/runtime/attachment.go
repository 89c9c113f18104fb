package runtime

import (
	"encoding/json"
	"time"

	"metaforge/internal/core/id"
	"metaforge/internal/core/value"
)

// Attachment describes a stored blob. The blob itself lives in an external
// store under Key; only the descriptor is persisted with the record.
type Attachment struct {
	Key         string    `json:"key"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	UploadedAt  time.Time `json:"uploaded_at"`
}

// NewAttachment creates a descriptor with a fresh storage key.
func NewAttachment(filename, contentType string, size int64) Attachment {
	now := time.Now().UTC()
	return Attachment{
		Key:         id.Key(now),
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
		UploadedAt:  now,
	}
}

// attachmentsOf normalizes whatever is stored in an attachment field.
func attachmentsOf(v any) []Attachment {
	switch x := v.(type) {
	case nil:
		return nil
	case []Attachment:
		return x
	case Attachment:
		return []Attachment{x}
	case string:
		var out []Attachment
		if err := json.Unmarshal([]byte(x), &out); err == nil {
			return out
		}
		var one Attachment
		if err := json.Unmarshal([]byte(x), &one); err == nil && one.Key != "" {
			return []Attachment{one}
		}
		return nil
	}

	items, ok := value.List(v)
	if !ok {
		if m, isMap := v.(map[string]any); isMap {
			items = []any{m}
		}
	}
	out := make([]Attachment, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		a := Attachment{
			Key:         value.ToString(m["key"]),
			Filename:    value.ToString(m["filename"]),
			ContentType: value.ToString(m["content_type"]),
		}
		a.Size, _ = value.ToInt64(m["size"])
		a.UploadedAt, _ = value.ToTime(m["uploaded_at"])
		out = append(out, a)
	}
	return out
}
