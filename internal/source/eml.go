package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	gomail "github.com/emersion/go-message/mail"

	"github.com/starford/tessera/internal/checksum"
	"github.com/starford/tessera/internal/models"
)

// ParseEML splits an RFC 5322 file into the ingestion contract. The header
// block is kept byte for byte; bodies are transfer-decoded. A body that
// cannot be walked as MIME is passed through undecoded.
func ParseEML(data []byte) (models.RawMessage, error) {
	headers, body, ok := splitHead(data)
	if !ok {
		return models.RawMessage{}, fmt.Errorf("source: parse eml: no header block")
	}
	raw := models.RawMessage{HeadersRaw: headers}

	mr, err := gomail.CreateReader(bytes.NewReader(data))
	if mr == nil {
		raw.BodyText = body
		return raw, nil
	}
	defer mr.Close()
	if err != nil && !message.IsUnknownCharset(err) {
		raw.BodyText = body
		return raw, nil
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if raw.BodyText == nil && raw.BodyHTML == nil {
				raw.BodyText = body
			}
			break
		}
		content, err := io.ReadAll(p.Body)
		if err != nil {
			return models.RawMessage{}, fmt.Errorf("source: read part: %w", err)
		}
		switch h := p.Header.(type) {
		case *gomail.InlineHeader:
			ct, params, _ := h.ContentType()
			switch {
			case ct == "text/plain" && raw.BodyText == nil:
				raw.BodyText = content
			case ct == "text/html" && raw.BodyHTML == nil:
				raw.BodyHTML = content
			case ct == "" && raw.BodyText == nil:
				raw.BodyText = content
			case !strings.HasPrefix(ct, "text/"):
				raw.Attachments = append(raw.Attachments, attachment(params["name"], ct, content))
			}
		case *gomail.AttachmentHeader:
			name, _ := h.Filename()
			ct, _, _ := h.ContentType()
			raw.Attachments = append(raw.Attachments, attachment(name, ct, content))
		}
	}
	return raw, nil
}

// Load reads path from p and parses it, stamping provenance, origin and
// file time.
func Load(p Provider, path string) (models.RawMessage, error) {
	e, err := p.Stat(path)
	if err != nil {
		return models.RawMessage{}, err
	}
	data, err := p.Read(path)
	if err != nil {
		return models.RawMessage{}, err
	}
	raw, err := ParseEML(data)
	if err != nil {
		return models.RawMessage{}, fmt.Errorf("source: load %s: %w", path, err)
	}
	raw.Provenance = Provenance(path)
	raw.Origin = Origin(path)
	raw.FileTime = e.ModTime
	return raw, nil
}

func attachment(name, ct string, data []byte) models.RawAttachment {
	if name == "" {
		name = "part-" + checksum.Prefix(checksum.Sum(data), 8)
	}
	return models.RawAttachment{
		Name:        name,
		ContentType: ct,
		Data:        data,
		SourceHash:  checksum.Sum(data),
	}
}

// splitHead returns the header block, without the blank separator line,
// and the raw body.
func splitHead(data []byte) (head, body []byte, ok bool) {
	crlf := bytes.Index(data, []byte("\r\n\r\n"))
	lf := bytes.Index(data, []byte("\n\n"))
	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return data[:crlf+2], data[crlf+4:], crlf > 0
	case lf >= 0:
		return data[:lf+1], data[lf+2:], lf > 0
	case len(data) > 0 && bytes.IndexByte(data, ':') > 0:
		return data, nil, true
	}
	return nil, nil, false
}
