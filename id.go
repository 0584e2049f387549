package chatbranch

import (
	"encoding/base64"
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowMillis returns the current time as Unix milliseconds. Branch tie-breaks
// need sub-second resolution — the teacher's NowUnix (seconds) is too coarse
// for messages created within the same request.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// ValidateAttachments rejects a message's attachments before they reach the
// store: each must carry exactly one of URL or Base64, and an inline
// Base64 payload must actually decode.
func ValidateAttachments(atts []Attachment) error {
	for _, a := range atts {
		if a.URL == "" && a.Base64 == "" {
			return BadRequest("attachment " + a.ID + " has neither url nor base64")
		}
		if a.URL != "" && a.Base64 != "" {
			return BadRequest("attachment " + a.ID + " has both url and base64")
		}
		if a.Base64 != "" {
			if _, err := decodeBase64(a.Base64); err != nil {
				return BadRequest("attachment " + a.ID + " has invalid base64")
			}
		}
	}
	return nil
}
