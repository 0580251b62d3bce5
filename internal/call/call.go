// Package call is the orchestrator of a voice call session. It owns the
// authoritative local call status, applies the transition rules, and is the
// only component that requests teardown or side effects from the media,
// ringtone, timeout, and signaling layers.
package call

import (
	"errors"

	"github.com/enquira/voicecall/internal/media"
)

// Status is the local call state. It mirrors the shared document's status
// where the two overlap; answered exists only on the document (the callee
// moves straight from ringing to connecting).
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCalling    Status = "calling"
	StatusRinging    Status = "ringing"
	StatusConnecting Status = "connecting"
	StatusActive     Status = "active"
	StatusEnded      Status = "ended"
	StatusRejected   Status = "rejected"
)

// EndReason says why a call ended.
type EndReason string

const (
	ReasonLocalHangup      EndReason = "local_hangup"
	ReasonDeclined         EndReason = "declined"
	ReasonRemoteEnded      EndReason = "remote_ended"
	ReasonRemoteRejected   EndReason = "remote_rejected"
	ReasonNotAnswered      EndReason = "not_answered"
	ReasonMissed           EndReason = "missed"
	ReasonConnectTimeout   EndReason = "connect_timeout"
	ReasonTransportFailure EndReason = "transport_failure"
	ReasonConnectionLost   EndReason = "connection_lost"
	ReasonOffline          EndReason = "offline"
	ReasonPermissionDenied EndReason = "permission_denied"
)

// CallEnd is the terminal event delivered to subscribers when a call ends.
type CallEnd struct {
	Reason  EndReason
	Message string
}

// message returns the user-facing text for each reason. The distinctions
// matter: "not answered" and "connection timeout" are different failures.
func message(reason EndReason) string {
	switch reason {
	case ReasonLocalHangup:
		return "Call ended."
	case ReasonDeclined:
		return "Call declined."
	case ReasonRemoteEnded:
		return "The other person ended the call."
	case ReasonRemoteRejected:
		return "The call was declined."
	case ReasonNotAnswered:
		return "The call was not answered. The other person may be offline."
	case ReasonMissed:
		return "You did not answer the call in time."
	case ReasonConnectTimeout:
		return "Unable to establish connection. Please check your internet connection and try again."
	case ReasonTransportFailure:
		return "The call failed to connect. Please check your internet connection."
	case ReasonConnectionLost:
		return "Unable to reconnect. The other person may have lost internet connection."
	case ReasonOffline:
		return "Your internet connection was lost. The call cannot continue."
	case ReasonPermissionDenied:
		return "Microphone access is required to make calls."
	}
	return "Call ended."
}

// terminalStatus maps an end reason to the local terminal state the session
// passes through before resetting to idle.
func terminalStatus(reason EndReason) Status {
	switch reason {
	case ReasonNotAnswered, ReasonMissed, ReasonRemoteRejected, ReasonDeclined:
		return StatusRejected
	}
	return StatusEnded
}

var (
	// ErrBusy means a call is already in progress locally.
	ErrBusy = errors.New("call: already in a call")
	// ErrCallsDisabled means the conversation's call toggle is off.
	ErrCallsDisabled = errors.New("call: calls are disabled for this conversation")
	// ErrOffline means the connectivity preflight failed.
	ErrOffline = errors.New("call: no network connectivity")
	// ErrNotRinging means AnswerCall ran without an incoming call.
	ErrNotRinging = errors.New("call: no incoming call to answer")
	// ErrPermissionDenied mirrors the media layer's capture failure.
	ErrPermissionDenied = media.ErrPermissionDenied
)
