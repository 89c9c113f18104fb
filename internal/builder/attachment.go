package builder

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"metaforge/internal/metadata"
	"metaforge/internal/runtime"
)

type attachmentApplicator struct{}

func (attachmentApplicator) name() string { return "ATTACHMENT" }

// apply binds constraints that are checked on validation, so an oversized
// or mistyped file attaches fine and only fails Validate.
func (attachmentApplicator) apply(_ context.Context, b *build) error {
	for _, f := range b.model.Fields {
		if f.Type != metadata.TypeAttachment {
			continue
		}
		opts := metadata.AttachmentOptions{}
		if f.Attachment != nil {
			opts = *f.Attachment
			opts.ContentTypes = slices.Clone(opts.ContentTypes)
		}
		if err := b.typ.BindAttachment(f.Name, opts); err != nil {
			return err
		}
		if err := b.typ.BindValidator(f.Name+".attachment", attachmentRule(f.Name, opts)); err != nil {
			return err
		}
	}
	return nil
}

func attachmentRule(field string, opts metadata.AttachmentOptions) runtime.ValidateFunc {
	return func(_ context.Context, rec *runtime.Record) {
		atts := rec.Attachments(field)
		if !opts.Multiple && len(atts) > 1 {
			rec.AddError(field, "too_many", "accepts a single file")
		}
		if opts.MaxCount > 0 && len(atts) > opts.MaxCount {
			rec.AddError(field, "too_many", fmt.Sprintf("accepts at most %d files", opts.MaxCount))
		}
		for _, a := range atts {
			if opts.MaxSize > 0 && a.Size > opts.MaxSize {
				rec.AddError(field, "too_large", fmt.Sprintf("%s is larger than %d bytes", a.Filename, opts.MaxSize))
			}
			if len(opts.ContentTypes) > 0 && !contentTypeAllowed(opts.ContentTypes, a.ContentType) {
				rec.AddError(field, "content_type", fmt.Sprintf("%s has an unsupported content type %q", a.Filename, a.ContentType))
			}
		}
	}
}

// contentTypeAllowed accepts exact matches and "image/*" style wildcards.
func contentTypeAllowed(allowed []string, ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	for _, a := range allowed {
		a = strings.ToLower(a)
		if a == ct {
			return true
		}
		if prefix, ok := strings.CutSuffix(a, "/*"); ok && strings.HasPrefix(ct, prefix+"/") {
			return true
		}
	}
	return false
}
