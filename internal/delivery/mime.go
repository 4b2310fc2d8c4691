package delivery

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a fresh RFC 5322 message id.
func NewMessageID() string {
	return fmt.Sprintf("<%s@taxflow>", uuid.NewString())
}

// BuildMIME renders msg as an RFC 2822 multipart/mixed message: a
// quoted-printable text part followed by base64 attachments.
func BuildMIME(msg Message, messageID string, date time.Time) ([]byte, error) {
	if msg.To == "" {
		return nil, ErrNoRecipient
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", msg.To, err)
	}
	var from *mail.Address
	if msg.From != "" {
		if from, err = mail.ParseAddress(msg.From); err != nil {
			return nil, fmt.Errorf("invalid sender %q: %w", msg.From, err)
		}
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	var out bytes.Buffer
	if from != nil {
		fmt.Fprintf(&out, "From: %s\r\n", from)
	}
	fmt.Fprintf(&out, "To: %s\r\n", to)
	fmt.Fprintf(&out, "Subject: %s\r\n", mime.BEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&out, "Date: %s\r\n", date.Format(time.RFC1123Z))
	fmt.Fprintf(&out, "Message-ID: %s\r\n", messageID)
	out.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&out, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create body part: %w", err)
	}
	qp := quotedprintable.NewWriter(text)
	if _, err := qp.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("failed to write body: %w", err)
	}

	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ct, map[string]string{"name": a.Name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if err := writeBase64Lines(part, a.Data); err != nil {
			return nil, fmt.Errorf("failed to write attachment %s: %w", a.Name, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close message: %w", err)
	}

	out.Write(buf.Bytes())
	return out.Bytes(), nil
}

// writeBase64Lines wraps encoded data at 76 columns.
func writeBase64Lines(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:76]); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", enc)
	return err
}
