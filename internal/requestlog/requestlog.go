// Package requestlog keeps a small local record of gateway traffic. Only
// request metadata is stored; message payloads never touch disk, which is
// what lets the gateway promise not to persist conversation content.
package requestlog

import (
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"

	"modelgate/internal/core"
)

// Entry is one request's recorded metadata.
type Entry struct {
	ID          string
	Timestamp   time.Time
	Route       string
	Model       string
	StatusCode  int
	DurationNs  int64
	Stream      bool
	Fingerprint string
	ErrorType   string
	Usage       core.Usage
}

// Fingerprint derives a stable, non-reversible identifier for a request so
// repeated prompts can be correlated without storing their content.
func Fingerprint(model string, messages []core.Message) string {
	h := xxhash.New()
	_, _ = h.WriteString(model)
	for _, m := range messages {
		_, _ = h.WriteString(m.Role)
		_, _ = h.WriteString(m.Content)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
