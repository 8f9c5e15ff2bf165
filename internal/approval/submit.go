package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/deepinsight/internal/core"
)

// Submit writes reviewer feedback to a mailbox address. A zero timestamp is
// set to now.
func Submit(ctx context.Context, mb core.Mailbox, address string, fb core.ApprovalFeedback) error {
	if fb.Timestamp.IsZero() {
		fb.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(fb)
	if err != nil {
		return fmt.Errorf("encoding feedback: %w", err)
	}
	if err := mb.Put(ctx, address, payload); err != nil {
		return fmt.Errorf("writing feedback to %s: %w", address, err)
	}
	return nil
}
