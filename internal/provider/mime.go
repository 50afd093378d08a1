package provider

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-message/mail"
)

// BuildMIME assembles the RFC 822 form of an outgoing message. Auto-replies
// carry Auto-Submitted/X-Auto-Response-Suppress and no threading headers, so
// responder bots cannot loop each other.
func BuildMIME(msg *OutgoingMessage) ([]byte, error) {
	var buf bytes.Buffer

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: msg.FromName, Address: msg.FromEmail}})
	h.SetAddressList("To", toAddressList(msg.To))
	if len(msg.Cc) > 0 {
		h.SetAddressList("Cc", toAddressList(msg.Cc))
	}
	if len(msg.Bcc) > 0 {
		h.SetAddressList("Bcc", toAddressList(msg.Bcc))
	}
	h.SetSubject(msg.Subject)
	if msg.AutoReply {
		h.Set("Auto-Submitted", "auto-replied")
		h.Set("X-Auto-Response-Suppress", "All")
	}

	contentType := "text/plain"
	if msg.IsHTML {
		contentType = "text/html"
	}
	h.SetContentType(contentType, map[string]string{"charset": "utf-8"})

	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("unable to create message writer: %w", err)
	}
	if _, err := w.Write([]byte(msg.Body)); err != nil {
		return nil, fmt.Errorf("unable to write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("unable to finalize message: %w", err)
	}

	return buf.Bytes(), nil
}

func toAddressList(addrs []string) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Address: a})
	}
	return out
}
