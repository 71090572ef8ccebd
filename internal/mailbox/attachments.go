package mailbox

import (
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"

	"github.com/rs/zerolog/log"
)

const fallbackFilename = "attachment.pdf"

// ResolveToAddress extracts the destination address of a message using a
// priority chain: structured recipient list, then the To header (unwrapped
// from display-name syntax), then empty string. Always lower-cased.
func ResolveToAddress(msg *Message) string {
	// 1) Structured recipient list; Domain may be empty for alias-only entries.
	if len(msg.To) > 0 {
		mailbox := strings.TrimSpace(msg.To[0].Mailbox)
		domain := strings.TrimSpace(msg.To[0].Domain)
		if mailbox != "" {
			if domain == "" {
				return strings.ToLower(mailbox)
			}
			return strings.ToLower(mailbox + "@" + domain)
		}
	}

	// 2) Content.Headers To, possibly "Display Name <addr>".
	if msg.Content != nil {
		if to := msg.Content.Headers["To"]; len(to) > 0 {
			addr := to[0]
			if i := strings.Index(addr, "<"); i >= 0 {
				addr = addr[i+1:]
				if j := strings.Index(addr, ">"); j >= 0 {
					addr = addr[:j]
				}
			}
			return strings.ToLower(strings.TrimSpace(addr))
		}
	}

	return ""
}

// LocalPart returns the mailbox name before '@', or the whole string when no
// '@' is present. Tenant aliases are matched against this value.
func LocalPart(address string) string {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		return address[:i]
	}
	return address
}

// ExtractAttachments recovers attachments from a message using a three-tier
// fallback: structured MIME parts, then the raw RFC822 text, then nothing.
// A message yielding no attachments is not an error.
func ExtractAttachments(msg *Message) []Attachment {
	if attachments := extractFromMIME(msg.MIME); len(attachments) > 0 {
		return attachments
	}
	if msg.Raw != nil && msg.Raw.Data != "" {
		if attachments := extractFromRaw(msg.Raw.Data); len(attachments) > 0 {
			return attachments
		}
	}
	return nil
}

// extractFromMIME walks the provider's pre-parsed part list.
func extractFromMIME(m *MIME) []Attachment {
	if m == nil || len(m.Parts) == 0 {
		return nil
	}

	var attachments []Attachment
	for _, part := range m.Parts {
		if part == nil {
			continue
		}
		disposition := firstHeader(part.Headers, "Content-Disposition")
		contentType := firstHeader(part.Headers, "Content-Type")

		if !strings.Contains(strings.ToLower(disposition), "attachment") &&
			!strings.Contains(strings.ToLower(contentType), "application/pdf") {
			continue
		}

		data := []byte(part.Body)
		if strings.EqualFold(firstHeader(part.Headers, "Content-Transfer-Encoding"), "base64") {
			decoded, err := base64.StdEncoding.DecodeString(sanitizeBase64(part.Body))
			if err != nil {
				log.Warn().Err(err).Msg("Failed to decode base64 part body")
				continue
			}
			data = decoded
		}

		attachments = append(attachments, Attachment{
			Filename: filenameFrom(disposition, contentType),
			Data:     data,
		})
	}
	return attachments
}

// extractFromRaw parses the full RFC822 message text and walks its MIME tree.
func extractFromRaw(data string) []Attachment {
	parsed, err := mail.ReadMessage(strings.NewReader(data))
	if err != nil {
		log.Warn().Err(err).Msg("Failed to parse raw RFC822 message")
		return nil
	}
	return walkEntity(
		parsed.Header.Get("Content-Type"),
		parsed.Header.Get("Content-Disposition"),
		parsed.Header.Get("Content-Transfer-Encoding"),
		parsed.Body,
	)
}

// walkEntity descends multipart entities and collects attachment-bearing
// leaves.
func walkEntity(contentType, disposition, encoding string, body io.Reader) []Attachment {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = ""
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil
		}
		var attachments []Attachment
		reader := multipart.NewReader(body, boundary)
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			attachments = append(attachments, walkEntity(
				part.Header.Get("Content-Type"),
				part.Header.Get("Content-Disposition"),
				part.Header.Get("Content-Transfer-Encoding"),
				part,
			)...)
		}
		return attachments
	}

	if !strings.Contains(strings.ToLower(disposition), "attachment") &&
		mediaType != "application/pdf" {
		return nil
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil
	}
	data := raw
	if strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		decoded, err := base64.StdEncoding.DecodeString(sanitizeBase64(string(raw)))
		if err != nil {
			log.Warn().Err(err).Msg("Failed to decode base64 attachment")
			return nil
		}
		data = decoded
	}

	return []Attachment{{
		Filename: filenameFrom(disposition, contentType),
		Data:     data,
	}}
}

// filenameFrom pulls a filename out of Content-Disposition (preferred) or the
// Content-Type name parameter.
func filenameFrom(disposition, contentType string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if name := params["name"]; name != "" {
			return name
		}
	}
	return fallbackFilename
}

func firstHeader(headers map[string][]string, key string) string {
	if values := headers[key]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// sanitizeBase64 strips whitespace that providers wrap encoded bodies with.
func sanitizeBase64(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, s)
}
