package stream

import (
	"fmt"

	"github.com/wavecast-live/wavecast/backend/videoapi"
)

// AssetNotReadyError signals that a recording asset exists upstream but its
// phase is not yet ready. Surfaced to HTTP callers as 202 with a retry hint,
// never as an error page.
type AssetNotReadyError struct {
	AssetID string
	Phase   videoapi.AssetPhase
}

func (e *AssetNotReadyError) Error() string {
	return fmt.Sprintf("asset %s not ready (phase %s); recording is still processing, retry shortly", e.AssetID, e.Phase)
}
