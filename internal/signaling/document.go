// Package signaling layers the call-negotiation protocol on top of the shared
// document store: one document per participant pair, written by both sides,
// carrying the offer, the answer, each side's latest network candidate, and
// the authoritative call status.
package signaling

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/enquira/voicecall/internal/docstore"
)

// Call statuses as persisted on the shared document. Status moves forward
// only; ended and rejected are terminal.
const (
	StatusCalling  = "calling"
	StatusRinging  = "ringing"
	StatusAnswered = "answered"
	StatusActive   = "active"
	StatusEnded    = "ended"
	StatusRejected = "rejected"
)

// SessionKey derives the shared document key for a participant pair. It is
// symmetric in its arguments so caller and callee converge on one document.
func SessionKey(a, b string) string {
	if a <= b {
		return a + "_" + b
	}
	return b + "_" + a
}

// ParticipantState is the per-participant section of the call document. Only
// the most recent candidate is kept; older ones are superseded.
type ParticipantState struct {
	LastCandidate     *webrtc.ICECandidateInit
	LastCandidateTime time.Time
}

// CallDocument is the decoded shared call document.
type CallDocument struct {
	CallerID   string
	ReceiverID string
	ContextID  string
	Offer      string
	Answer     string
	Status     string
	CreatedAt  time.Time
	EndedAt    time.Time
	EndedBy    string
	AutoEnded  bool

	RejectedBy   string
	RejectReason string

	// Participants holds the per-user candidate sections, keyed by user id.
	Participants map[string]ParticipantState
}

// Exists reports whether the document was present at all.
func (d CallDocument) Exists() bool { return d.Status != "" || d.CallerID != "" }

// Answered reports whether negotiation progressed past the offer.
func (d CallDocument) Answered() bool { return d.Answer != "" }

// Terminal reports whether the persisted call can no longer progress.
func (d CallDocument) Terminal() bool {
	return d.Status == StatusEnded || d.Status == StatusRejected
}

// Age returns how long ago the document was created.
func (d CallDocument) Age(now time.Time) time.Duration {
	if d.CreatedAt.IsZero() {
		return 0
	}
	return now.Sub(d.CreatedAt)
}

// Stale reports whether a still-negotiating document is older than threshold
// and should be auto-ended rather than ring anyone.
func (d CallDocument) Stale(now time.Time, threshold time.Duration) bool {
	if d.Status != StatusCalling && d.Status != StatusRinging {
		return false
	}
	return d.Age(now) > threshold
}

// Candidate returns the given participant's latest candidate, or nil.
func (d CallDocument) Candidate(userID string) *webrtc.ICECandidateInit {
	p, ok := d.Participants[userID]
	if !ok {
		return nil
	}
	return p.LastCandidate
}

// Top-level field names of the persisted document.
const (
	fieldCallerID     = "callerId"
	fieldReceiverID   = "receiverId"
	fieldContextID    = "contextId"
	fieldOffer        = "offer"
	fieldAnswer       = "answer"
	fieldStatus       = "status"
	fieldCreatedAt    = "createdAt"
	fieldEndedAt      = "endedAt"
	fieldEndedBy      = "endedBy"
	fieldAutoEnded    = "autoEnded"
	fieldRejectedBy   = "rejectedBy"
	fieldRejectReason = "rejectReason"

	subfieldCandidate     = "lastCandidate"
	subfieldCandidateTime = "lastCandidateTime"
)

// decodeDocument maps a raw store snapshot into a CallDocument. Times are
// stored as RFC 3339 strings and candidates as JSON objects; both survive the
// remote store's JSON round trip unchanged.
func decodeDocument(raw docstore.Document) CallDocument {
	doc := CallDocument{
		CallerID:     raw.String(fieldCallerID),
		ReceiverID:   raw.String(fieldReceiverID),
		ContextID:    raw.String(fieldContextID),
		Offer:        raw.String(fieldOffer),
		Answer:       raw.String(fieldAnswer),
		Status:       raw.String(fieldStatus),
		EndedBy:      raw.String(fieldEndedBy),
		AutoEnded:    raw.Bool(fieldAutoEnded),
		RejectedBy:   raw.String(fieldRejectedBy),
		RejectReason: raw.String(fieldRejectReason),
		CreatedAt:    decodeTime(raw[fieldCreatedAt]),
		EndedAt:      decodeTime(raw[fieldEndedAt]),
	}

	for key, value := range raw {
		section, ok := value.(map[string]any)
		if !ok {
			continue
		}
		cand := decodeCandidate(section[subfieldCandidate])
		if cand == nil {
			continue
		}
		if doc.Participants == nil {
			doc.Participants = make(map[string]ParticipantState)
		}
		doc.Participants[key] = ParticipantState{
			LastCandidate:     cand,
			LastCandidateTime: decodeTime(section[subfieldCandidateTime]),
		}
	}
	return doc
}

func decodeTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}
		}
		return parsed
	}
	return time.Time{}
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeCandidate(v any) *webrtc.ICECandidateInit {
	if v == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &init); err != nil {
		return nil
	}
	if init.Candidate == "" {
		return nil
	}
	return &init
}

func encodeCandidate(init webrtc.ICECandidateInit) map[string]any {
	payload, _ := json.Marshal(init)
	fields := map[string]any{}
	_ = json.Unmarshal(payload, &fields)
	return fields
}

// CandidateKey builds the dedup key for a candidate: payload plus line index
// plus media id. Redeliveries of the same candidate map to the same key.
func CandidateKey(init webrtc.ICECandidateInit) string {
	var sb strings.Builder
	sb.WriteString(init.Candidate)
	sb.WriteByte('-')
	if init.SDPMLineIndex != nil {
		fmt.Fprintf(&sb, "%d", *init.SDPMLineIndex)
	}
	sb.WriteByte('-')
	if init.SDPMid != nil {
		sb.WriteString(*init.SDPMid)
	}
	return sb.String()
}
