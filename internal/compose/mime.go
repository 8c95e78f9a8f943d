package compose

import (
	"bytes"
	"fmt"
	"io"
	"mime"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/shineum/threadmail/internal/email"
)

// creator opens a MIME entity: the top-level message or a part of a
// multipart parent.
type creator func(h message.Header) (*message.Writer, error)

// Finalize renders msg into msg.Raw. The structure is picked from what the
// message carries:
//
//	text only                 text/plain
//	text + html               multipart/alternative
//	html with inline images   alternative(text, related(html, images...))
//	any attachments           mixed(body, attachments...)
func Finalize(msg *email.Message) error {
	top := mail.Header{Header: msg.Header.Header.Copy()}
	top.Del("Bcc")
	top.Set("MIME-Version", "1.0")

	var buf bytes.Buffer
	root := func(h message.Header) (*message.Writer, error) {
		for f := h.Fields(); f.Next(); {
			top.Set(f.Key(), f.Value())
		}
		return message.CreateWriter(&buf, top.Header)
	}

	if len(msg.Attachments) == 0 {
		if err := writeBody(root, msg); err != nil {
			return err
		}
		msg.Raw = buf.Bytes()
		return nil
	}

	var mh message.Header
	mh.SetContentType("multipart/mixed", nil)
	mw, err := root(mh)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}
	if err := writeBody(mw.CreatePart, msg); err != nil {
		return err
	}
	for _, att := range msg.Attachments {
		var h message.Header
		h.SetContentType(mediaType(att.ContentType), map[string]string{"name": att.Filename})
		h.SetContentDisposition("attachment", map[string]string{"filename": att.Filename})
		h.Set("Content-Transfer-Encoding", "base64")
		if err := writePart(mw.CreatePart, h, att.Content); err != nil {
			return fmt.Errorf("failed to write attachment %q: %w", att.Filename, err)
		}
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("failed to close message: %w", err)
	}

	msg.Raw = buf.Bytes()
	return nil
}

func writeBody(create creator, msg *email.Message) error {
	if msg.HTMLBody == "" {
		return writeText(create, "text/plain", msg.TextBody)
	}

	var ah message.Header
	ah.SetContentType("multipart/alternative", nil)
	alt, err := create(ah)
	if err != nil {
		return fmt.Errorf("failed to create alternative part: %w", err)
	}
	if err := writeText(alt.CreatePart, "text/plain", msg.TextBody); err != nil {
		return err
	}

	if len(msg.Inline) == 0 {
		if err := writeText(alt.CreatePart, "text/html", msg.HTMLBody); err != nil {
			return err
		}
		return alt.Close()
	}

	var rh message.Header
	rh.SetContentType("multipart/related", map[string]string{"type": "text/html"})
	rel, err := alt.CreatePart(rh)
	if err != nil {
		return fmt.Errorf("failed to create related part: %w", err)
	}
	if err := writeText(rel.CreatePart, "text/html", msg.HTMLBody); err != nil {
		return err
	}
	for _, img := range msg.Inline {
		var h message.Header
		h.SetContentType(mediaType(img.ContentType), map[string]string{"name": img.Filename})
		h.SetContentDisposition("inline", map[string]string{"filename": img.Filename})
		h.Set("Content-Id", "<"+img.ContentID+">")
		h.Set("Content-Transfer-Encoding", "base64")
		if err := writePart(rel.CreatePart, h, img.Content); err != nil {
			return fmt.Errorf("failed to write inline image %q: %w", img.ContentID, err)
		}
	}
	if err := rel.Close(); err != nil {
		return err
	}
	return alt.Close()
}

func writeText(create creator, ctype, text string) error {
	var h message.Header
	h.SetContentType(ctype, map[string]string{"charset": "utf-8"})
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(create, h, []byte(text)); err != nil {
		return fmt.Errorf("failed to write %s body: %w", ctype, err)
	}
	return nil
}

func writePart(create creator, h message.Header, content []byte) error {
	w, err := create(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(content)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// mediaType drops any parameters from a content type.
func mediaType(ct string) string {
	t, _, err := mime.ParseMediaType(ct)
	if err != nil || t == "" {
		return "application/octet-stream"
	}
	return t
}
