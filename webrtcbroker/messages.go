package webrtcbroker

import "github.com/opd-ai/rtcall/signaling"

// Envelope types exchanged with the rendezvous server. The server only
// routes envelopes between registered identities; all call semantics live
// in the clients.
const (
	msgRegister      = "register"
	msgRegistered    = "registered"
	msgRegisterError = "register-error"
	msgOffer         = "offer"
	msgAnswer        = "answer"
	msgCandidate     = "candidate"
	msgBye           = "bye"
	msgPeerError     = "peer-error"
)

// Server-reported error codes.
const (
	codeIdentityTaken   = "identity-taken"
	codePeerUnreachable = "peer-unreachable"
)

// envelope is the single JSON message format on the rendezvous socket.
// Unused fields are omitted per message type.
type envelope struct {
	Type      string             `json:"type"`
	From      signaling.Identity `json:"from,omitempty"`
	To        signaling.Identity `json:"to,omitempty"`
	CallID    string             `json:"call_id,omitempty"`
	SDP       string             `json:"sdp,omitempty"`
	Candidate string             `json:"candidate,omitempty"`
	Caller    *signaling.Profile `json:"caller,omitempty"`
	Media     string             `json:"media,omitempty"`
	Code      string             `json:"code,omitempty"`
	Reason    string             `json:"reason,omitempty"`
}
