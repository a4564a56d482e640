package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// PeerIDRegex validates peer id format. Server-assigned ids are UUIDs; the
// surrounding app supplies shorter account ids, both fit here.
var PeerIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidatePeerID validates a peer id supplied in a register envelope or as a
// routing destination.
func ValidatePeerID(peerID string) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return fmt.Errorf("peer id is required")
	}
	if len(peerID) > 64 {
		return fmt.Errorf("peer id is too long (max 64 characters)")
	}
	if !PeerIDRegex.MatchString(peerID) {
		return fmt.Errorf("peer id contains invalid characters (only letters, numbers, _, - allowed)")
	}
	return nil
}

// ValidateDisplayName validates the optional display name carried on offers.
func ValidateDisplayName(name string) error {
	if name == "" {
		return nil
	}
	if len(name) > 100 {
		return fmt.Errorf("display name is too long (max 100 characters)")
	}
	return nil
}

// ValidateSDP performs a shallow structural check on a session description
// before it is handed to the negotiation layer.
func ValidateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}
	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}
	for _, field := range []string{"o=", "s=", "t="} {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}
	return nil
}
