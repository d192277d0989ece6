package negotiation

import (
	"fmt"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

// validateDescription rejects remote descriptions that cannot carry a voice
// call before they reach the peer connection.
func validateDescription(desc webrtc.SessionDescription) error {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Errorf("%w: malformed remote %s: %w", ErrNegotiation, desc.Type, err)
	}

	for _, md := range parsed.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return nil
		}
	}
	return fmt.Errorf("%w: remote %s has no audio section", ErrNegotiation, desc.Type)
}
