package integrity

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/starford/tessera/internal/apperr"
	"github.com/starford/tessera/internal/blobstore"
	"github.com/starford/tessera/internal/canon"
	"github.com/starford/tessera/internal/models"
	"github.com/starford/tessera/internal/source"
)

// Item fragments of a message locator.
const (
	fragText = "text"
	fragHTML = "html"
	fragAtt  = "att:"
)

// Sources resolves origin locators to item bytes. A locator is either
// file:<relpath>#<fragment> (a live corpus file), blob:<sha256>#<fragment>
// (a stored message) or blob:<sha256> (the item bytes themselves).
type Sources struct {
	Corpus source.Provider
	Blobs  *blobstore.Store
}

// Read returns the current bytes behind origin.
func (s Sources) Read(ctx context.Context, origin string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	loc, frag, _ := strings.Cut(origin, "#")
	scheme, ref, ok := strings.Cut(loc, ":")
	if !ok || ref == "" {
		return nil, apperr.New(apperr.MalformedInput, origin, "invalid origin locator")
	}

	var data []byte
	var err error
	switch scheme {
	case "file":
		if s.Corpus == nil {
			return nil, fmt.Errorf("integrity: no corpus configured for %s: %w", origin, apperr.ErrNotFound)
		}
		data, err = s.Corpus.Read(ref)
	case "blob":
		if s.Blobs == nil {
			return nil, fmt.Errorf("integrity: no blob store configured for %s: %w", origin, apperr.ErrNotFound)
		}
		data, err = s.Blobs.Get(ref)
	default:
		return nil, apperr.New(apperr.MalformedInput, origin, "unknown origin scheme "+scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("integrity: read %s: %w", origin, err)
	}
	if frag == "" {
		return data, nil
	}
	raw, err := source.ParseEML(data)
	if err != nil {
		return nil, fmt.Errorf("integrity: parse %s: %w", origin, err)
	}
	return fragment(raw, frag)
}

func fragment(raw models.RawMessage, frag string) ([]byte, error) {
	switch {
	case frag == fragText:
		return raw.BodyText, nil
	case frag == fragHTML:
		return raw.BodyHTML, nil
	case strings.HasPrefix(frag, fragAtt):
		n, err := strconv.Atoi(strings.TrimPrefix(frag, fragAtt))
		if err != nil || n < 0 || n >= len(raw.Attachments) {
			return nil, fmt.Errorf("integrity: attachment %q: %w", frag, apperr.ErrNotFound)
		}
		return raw.Attachments[n].Data, nil
	}
	return nil, fmt.Errorf("integrity: unknown fragment %q", frag)
}

// Item describes one evidence item of a message.
type Item struct {
	ItemID   string
	Part     string
	Fragment string
	Data     []byte
}

// BodyItemID is the item ID of a message body.
func BodyItemID(messageID string) string { return "msg-" + messageID }

// AttachmentItemID is the item ID of the n-th attachment of a message.
func AttachmentItemID(messageID string, n int) string {
	return "att-" + messageID + "-" + strconv.Itoa(n)
}

// Items lists the evidence items of raw: the body and every text attachment.
func Items(messageID string, raw models.RawMessage) []Item {
	var out []Item
	switch {
	case len(raw.BodyText) > 0:
		out = append(out, Item{ItemID: BodyItemID(messageID), Part: canon.PartText, Fragment: fragText, Data: raw.BodyText})
	case len(raw.BodyHTML) > 0:
		out = append(out, Item{ItemID: BodyItemID(messageID), Part: canon.PartHTML, Fragment: fragHTML, Data: raw.BodyHTML})
	}
	for i, a := range raw.Attachments {
		ct := strings.ToLower(a.ContentType)
		if !strings.HasPrefix(ct, "text/") {
			continue
		}
		part := canon.PartText
		if strings.HasPrefix(ct, "text/html") {
			part = canon.PartHTML
		}
		out = append(out, Item{ItemID: AttachmentItemID(messageID, i), Part: part, Fragment: fragAtt + strconv.Itoa(i), Data: a.Data})
	}
	return out
}
