package signaling

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/enquira/voicecall/internal/docstore"
)

// Channel wraps the document store with call-protocol writes. All mutations
// of the shared call document go through here so field names and merge shapes
// stay in one place.
type Channel struct {
	store docstore.Store
	clock clock.Clock
	log   *zap.Logger
}

// NewChannel builds a Channel. clk may be nil for the wall clock.
func NewChannel(store docstore.Store, clk clock.Clock, logger *zap.Logger) *Channel {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{store: store, clock: clk, log: logger.Named("signaling")}
}

// Load fetches and decodes the call document.
func (c *Channel) Load(ctx context.Context, key string) (CallDocument, bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return CallDocument{}, false, fmt.Errorf("failed to load call document %s: %w", key, err)
	}
	if !ok {
		return CallDocument{}, false, nil
	}
	return decodeDocument(raw), true, nil
}

// CreateOffer writes the initial calling document. Any previous document for
// the pair is replaced field-by-field, so a terminal leftover from an earlier
// call does not leak its answer into the new one.
func (c *Channel) CreateOffer(ctx context.Context, key string, callerID, receiverID, contextID, offer string) error {
	fields := map[string]any{
		fieldCallerID:     callerID,
		fieldReceiverID:   receiverID,
		fieldContextID:    contextID,
		fieldOffer:        offer,
		fieldAnswer:       "",
		fieldStatus:       StatusCalling,
		fieldCreatedAt:    encodeTime(c.clock.Now()),
		fieldEndedAt:      "",
		fieldEndedBy:      "",
		fieldAutoEnded:    false,
		fieldRejectedBy:   "",
		fieldRejectReason: "",
		callerID + "." + subfieldCandidate: nil,
		receiverID + "." + subfieldCandidate: nil,
	}
	if err := c.store.Merge(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to publish offer for %s: %w", key, err)
	}
	return nil
}

// PublishAnswer records the callee's answer. It refuses to run before an
// offer exists and never overwrites an answer that is already present.
func (c *Channel) PublishAnswer(ctx context.Context, key, userID, answer string) error {
	doc, ok, err := c.Load(ctx, key)
	if err != nil {
		return err
	}
	if !ok || doc.Offer == "" {
		return fmt.Errorf("cannot answer %s: no offer published", key)
	}
	if doc.Answer != "" {
		return fmt.Errorf("cannot answer %s: answer already published", key)
	}
	fields := map[string]any{
		fieldAnswer: answer,
		fieldStatus: StatusAnswered,
		userID + ".answeredAt": encodeTime(c.clock.Now()),
	}
	if err := c.store.Merge(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to publish answer for %s: %w", key, err)
	}
	return nil
}

// PublishCandidate stores userID's latest candidate, superseding any earlier
// one. Candidates are not accumulated; the remote side applies each version
// at most once via its processed-candidate set.
func (c *Channel) PublishCandidate(ctx context.Context, key, userID string, init webrtc.ICECandidateInit) error {
	fields := map[string]any{
		userID + "." + subfieldCandidate:     encodeCandidate(init),
		userID + "." + subfieldCandidateTime: encodeTime(c.clock.Now()),
	}
	if err := c.store.Merge(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to publish candidate for %s: %w", key, err)
	}
	return nil
}

// MarkEnded moves the document to its ended terminal state.
func (c *Channel) MarkEnded(ctx context.Context, key, endedBy string) error {
	fields := map[string]any{
		fieldStatus:  StatusEnded,
		fieldEndedAt: encodeTime(c.clock.Now()),
		fieldEndedBy: endedBy,
	}
	if err := c.store.Merge(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to mark %s ended: %w", key, err)
	}
	return nil
}

// MarkAutoEnded heals a stale document without attributing the end to a user.
func (c *Channel) MarkAutoEnded(ctx context.Context, key string) error {
	fields := map[string]any{
		fieldStatus:    StatusEnded,
		fieldEndedAt:   encodeTime(c.clock.Now()),
		fieldAutoEnded: true,
	}
	if err := c.store.Merge(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to auto-end %s: %w", key, err)
	}
	return nil
}

// MarkRejected moves the document to its rejected terminal state.
func (c *Channel) MarkRejected(ctx context.Context, key, rejectedBy, reason string) error {
	fields := map[string]any{
		fieldStatus:       StatusRejected,
		fieldEndedAt:      encodeTime(c.clock.Now()),
		fieldRejectedBy:   rejectedBy,
		fieldRejectReason: reason,
	}
	if err := c.store.Merge(ctx, key, fields); err != nil {
		return fmt.Errorf("failed to mark %s rejected: %w", key, err)
	}
	return nil
}

// Snapshot is one delivered version of the call document. Initial marks the
// first delivery after (re)subscribing: it may echo state the subscriber
// already acted on, so side effects should not be re-triggered from it.
type Snapshot struct {
	Doc     CallDocument
	Exists  bool
	Initial bool
}

// Watch subscribes to the call document and decodes every version. The
// returned func cancels the watch, idempotently.
func (c *Channel) Watch(ctx context.Context, key string, fn func(Snapshot)) (func(), error) {
	var first atomic.Bool
	first.Store(true)
	cancel, err := c.store.Subscribe(ctx, key, func(raw docstore.Document) {
		snap := Snapshot{Initial: first.Swap(false)}
		if raw != nil {
			snap.Doc = decodeDocument(raw)
			snap.Exists = true
		}
		fn(snap)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch call document %s: %w", key, err)
	}
	return cancel, nil
}

// Per-conversation chat settings: the "calls enabled" toggle lives in its own
// document so either party can flip it outside any call.

func settingsKey(contextID, participantID string) string {
	return "chatSettings/" + contextID + "_" + participantID
}

// CallsEnabled reports whether calls are allowed for the conversation.
// A missing settings document means enabled.
func (c *Channel) CallsEnabled(ctx context.Context, contextID, participantID string) (bool, error) {
	raw, ok, err := c.store.Get(ctx, settingsKey(contextID, participantID))
	if err != nil {
		return false, fmt.Errorf("failed to load chat settings: %w", err)
	}
	if !ok {
		return true, nil
	}
	if _, present := raw["callsEnabled"]; !present {
		return true, nil
	}
	return raw.Bool("callsEnabled"), nil
}

// SetCallsEnabled flips the toggle for the conversation.
func (c *Channel) SetCallsEnabled(ctx context.Context, contextID, participantID, updatedBy string, enabled bool) error {
	fields := map[string]any{
		"contextId":    contextID,
		"callsEnabled": enabled,
		"updatedAt":    encodeTime(c.clock.Now()),
		"updatedBy":    updatedBy,
	}
	if err := c.store.Merge(ctx, settingsKey(contextID, participantID), fields); err != nil {
		return fmt.Errorf("failed to update chat settings: %w", err)
	}
	return nil
}
