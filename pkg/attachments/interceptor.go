package attachments

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

const maxInlineBytes = 20 << 20 // 20 MiB, spec.md §4.F step 1

// Interceptor rewrites provider JSON responses that embed inline base64
// attachments, persisting the decoded bytes and minting an AttachmentRef
// in place of each `inline` field (spec.md §4.F).
type Interceptor struct {
	store      Store
	refs       RefTable
	actorID    string
	providerID string
}

// NewInterceptor builds an Interceptor over the given Store and RefTable.
func NewInterceptor(store Store, refs RefTable, actorID, providerID string) *Interceptor {
	return &Interceptor{store: store, refs: refs, actorID: actorID, providerID: providerID}
}

type attachmentElement struct {
	ID          string `json:"id,omitempty"`
	Filename    string `json:"filename,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
	Inline      string `json:"inline,omitempty"`
	Size        *int64 `json:"size,omitempty"`
	TextContent string `json:"textContent,omitempty"`
	Ref         string `json:"ref,omitempty"`
}

// Rewrite scans body (a JSON object) for a top-level `attachments` array
// and replaces each element's `inline` field with a minted `ref`. Bodies
// without an `attachments` array, or that are not JSON objects, are
// returned unmodified. The caller must refuse non-JSON content-types
// before calling Rewrite (spec.md §4.F: non-JSON responses are not
// rewritten).
func (i *Interceptor) Rewrite(ctx context.Context, body []byte) ([]byte, error) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return body, nil
	}

	raw, ok := doc["attachments"]
	if !ok {
		return body, nil
	}

	var elements []attachmentElement
	if err := json.Unmarshal(raw, &elements); err != nil {
		return body, nil
	}

	for idx := range elements {
		el := &elements[idx]
		if el.Inline == "" {
			continue
		}
		if err := i.absorb(ctx, el); err != nil {
			return nil, err
		}
	}

	rewritten, err := json.Marshal(elements)
	if err != nil {
		return nil, fmt.Errorf("attachments: marshal rewritten elements: %w", err)
	}
	doc["attachments"] = rewritten

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("attachments: marshal rewritten body: %w", err)
	}
	return out, nil
}

func (i *Interceptor) absorb(ctx context.Context, el *attachmentElement) error {
	// Step 1: reject by encoded length before decoding anything.
	if estimatedDecodedSize(el.Inline) > maxInlineBytes {
		return fmt.Errorf("attachments: inline payload exceeds %d bytes", maxInlineBytes)
	}

	// Step 2: strict base64 alphabet (no whitespace, no URL-safe chars).
	if !isStrictBase64(el.Inline) {
		return fmt.Errorf("attachments: invalid base64 alphabet")
	}

	// Step 3: decode; empty buffer passes through without a ref.
	data, err := base64.StdEncoding.DecodeString(el.Inline)
	if err != nil {
		return fmt.Errorf("attachments: base64 decode: %w", err)
	}
	if len(data) == 0 {
		el.Inline = ""
		return nil
	}

	// Step 4: persist under a sanitized, collision-resistant name.
	stem := sanitizeStem(stemOf(el.Filename))
	ext := safeExt(el.Filename)
	name := fmt.Sprintf("documents/%s-%d-%s%s", stem, time.Now().UnixMilli(), randHex8(), ext)

	if err := i.store.Put(ctx, name, data); err != nil {
		if rmErr := i.store.Delete(ctx, name); rmErr != nil {
			return fmt.Errorf("attachments: persist %s: %w (cleanup also failed: %v)", name, err, rmErr)
		}
		return fmt.Errorf("attachments: persist %s: %w", name, err)
	}

	// Step 5: mint the ref.
	ref := "att_" + uuid.New().String()
	size := int64(len(data))
	if err := i.refs.Put(ctx, AttachmentRef{
		Ref:        ref,
		ActorID:    i.actorID,
		ProviderID: i.providerID,
		FilePath:   name,
		Filename:   el.Filename,
		MimeType:   el.MimeType,
		Size:       size,
		CreatedAt:  time.Now(),
	}); err != nil {
		_ = i.store.Delete(ctx, name)
		return fmt.Errorf("attachments: record ref: %w", err)
	}

	// Step 6: replace inline with ref, retain descriptive fields.
	el.Inline = ""
	el.Ref = ref
	el.Size = &size
	return nil
}

func sanitizeStem(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "attachment"
	}
	return b.String()
}

func stemOf(filename string) string {
	base := path.Base(filename)
	ext := path.Ext(base)
	return strings.TrimSuffix(base, ext)
}

func safeExt(filename string) string {
	ext := path.Ext(path.Base(filename))
	if ext == "" {
		return ""
	}
	clean := sanitizeStem(ext)
	if clean == "" || len(clean) > 16 {
		return ""
	}
	return clean
}

func estimatedDecodedSize(encoded string) int64 {
	n := int64(len(encoded))
	if n == 0 {
		return 0
	}
	padding := int64(strings.Count(encoded, "="))
	return n/4*3 - padding
}

func isStrictBase64(s string) bool {
	if len(s) == 0 {
		return true
	}
	if len(s)%4 != 0 {
		return false
	}
	for idx, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '/':
			continue
		case r == '=':
			if idx < len(s)-2 {
				return false
			}
			continue
		default:
			return false
		}
	}
	return true
}

func randHex8() string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().Format("15040502")))[:8]
	}
	return hex.EncodeToString(buf)
}
