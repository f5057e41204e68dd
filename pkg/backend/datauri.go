package backend

import (
	"encoding/base64"
	"fmt"
	"strings"
)

const pngDataURIPrefix = "data:image/png;base64,"

// EncodeDataURI wraps PNG bytes as a data URI, the artifact format clients receive
func EncodeDataURI(encoded []byte) string {
	return pngDataURIPrefix + base64.StdEncoding.EncodeToString(encoded)
}

// DecodeDataURI accepts a PNG data URI or a bare base64 string
func DecodeDataURI(value string) ([]byte, error) {
	payload := strings.TrimSpace(value)
	if strings.HasPrefix(payload, "data:") {
		comma := strings.IndexByte(payload, ',')
		if comma < 0 || !strings.Contains(payload[:comma], ";base64") {
			return nil, fmt.Errorf("%w: unsupported data uri header", ErrBackendProtocol)
		}
		payload = payload[comma+1:]
	}
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 image: %v", ErrBackendProtocol, err)
	}
	return decoded, nil
}
