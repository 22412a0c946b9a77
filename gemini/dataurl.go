package gemini

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const defaultMIME = "image/png"

// DecodeImage accepts a data URL or a bare base64 payload and returns the
// MIME type and raw bytes. Bare payloads are assumed to be PNG.
func DecodeImage(s string) (string, []byte, error) {
	mime, payload := defaultMIME, s
	if strings.HasPrefix(s, "data:") {
		header, body, ok := strings.Cut(s, ",")
		if !ok {
			return "", nil, errors.New("malformed data URL")
		}
		meta := strings.TrimPrefix(header, "data:")
		if !strings.HasSuffix(meta, ";base64") {
			return "", nil, fmt.Errorf("unsupported data URL encoding %q", meta)
		}
		if m := strings.TrimSuffix(meta, ";base64"); m != "" {
			mime = m
		}
		payload = body
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode base64: %w", err)
	}
	return mime, data, nil
}

// EncodeImage renders raw image bytes as a data URL.
func EncodeImage(mime string, data []byte) string {
	if mime == "" {
		mime = defaultMIME
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}
