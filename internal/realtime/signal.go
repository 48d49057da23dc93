package realtime

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/pion/webrtc/v3"
)

// Signaling events a client may relay to a peer in the same session.
const (
	signalPrefix = "signal_"

	EventSignalOffer  = "signal_offer"
	EventSignalAnswer = "signal_answer"
	EventSignalICE    = "signal_ice"
)

// Signal is a peer-to-peer signaling message. From is set by the server.
type Signal struct {
	From      string                   `json:"from"`
	To        string                   `json:"to"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

var errBadSignal = errors.New("invalid signaling payload")

// parseSignal decodes and validates a client signaling message for event.
func parseSignal(event string, data json.RawMessage) (Signal, error) {
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return Signal{}, errBadSignal
	}
	if sig.To == "" {
		return Signal{}, errBadSignal
	}
	switch event {
	case EventSignalOffer, EventSignalAnswer:
		typ := webrtc.SDPTypeOffer
		if event == EventSignalAnswer {
			typ = webrtc.SDPTypeAnswer
		}
		desc := webrtc.SessionDescription{Type: typ, SDP: sig.SDP}
		if _, err := desc.Unmarshal(); err != nil {
			return Signal{}, errBadSignal
		}
		sig.Candidate = nil
	case EventSignalICE:
		if sig.Candidate == nil {
			return Signal{}, errBadSignal
		}
		// an empty candidate marks end-of-candidates
		if c := sig.Candidate.Candidate; c != "" && !strings.HasPrefix(c, "candidate:") {
			return Signal{}, errBadSignal
		}
		sig.SDP = ""
	default:
		return Signal{}, errBadSignal
	}
	return sig, nil
}
