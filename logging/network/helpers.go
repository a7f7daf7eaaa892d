package network

import (
	"context"

	"lockstep-net/server/logging"
)

const (
	// EventControlReady is emitted when the control-ready watermark advances.
	EventControlReady logging.EventType = "control.ready"
	// EventControlDuplicate is emitted when an already stored packet arrives again.
	EventControlDuplicate logging.EventType = "control.duplicate"
	// EventRecoveryRequest is emitted when a stalled tick is re-requested from peers.
	EventRecoveryRequest logging.EventType = "control.recovery_request"
	// EventRequestServed is emitted after answering a peer's control request.
	EventRequestServed logging.EventType = "control.request_served"
	// EventSyncInconsistency is emitted when sync control targets a tick already passed.
	EventSyncInconsistency logging.EventType = "control.sync_inconsistency"
	// EventPreSendChanged is emitted when the tuned look-ahead depth changes.
	EventPreSendChanged logging.EventType = "control.presend_changed"
	// EventSendFailed is emitted when the transport refuses an outbound message.
	EventSendFailed logging.EventType = "control.send_failed"
	// EventRejectedSubmitter is emitted when a peer submits a packet on behalf of another client.
	EventRejectedSubmitter logging.EventType = "control.rejected_submitter"
)

// ReadyPayload captures a watermark advance.
type ReadyPayload struct {
	Previous int32  `json:"previous"`
	Ready    int32  `json:"ready"`
	Commands int    `json:"commands"`
	Digest   string `json:"digest,omitempty"`
}

// DuplicatePayload identifies a dropped duplicate packet.
type DuplicatePayload struct {
	Owner int32 `json:"owner"`
	Tick  int32 `json:"tick"`
}

// RecoveryPayload describes an emitted control request.
type RecoveryPayload struct {
	FromTick  int32  `json:"fromTick"`
	Ready     int32  `json:"ready"`
	Sent      int32  `json:"sent"`
	Broadcast bool   `json:"broadcast"`
	Mode      string `json:"mode"`
}

// RequestServedPayload summarises the answer to a control request.
type RequestServedPayload struct {
	FromTick int32 `json:"fromTick"`
	Packets  int   `json:"packets"`
	Limited  bool  `json:"limited,omitempty"`
}

// SyncInconsistencyPayload captures a sync control that arrived too late.
type SyncInconsistencyPayload struct {
	SyncTick    int32 `json:"syncTick"`
	CurrentTick int32 `json:"currentTick"`
	Commands    int   `json:"commands"`
}

// PreSendPayload captures a PreSend retune.
type PreSendPayload struct {
	Previous        int32 `json:"previous"`
	PreSend         int32 `json:"preSend"`
	TargetFPS       int32 `json:"targetFps"`
	AvgSendTimeUsec int64 `json:"avgSendTimeUsec"`
}

// SendFailedPayload describes a failed outbound message.
type SendFailedPayload struct {
	Message string `json:"message"`
	Target  string `json:"target"`
	Error   string `json:"error"`
}

// RejectedSubmitterPayload describes a spoofed single control packet.
type RejectedSubmitterPayload struct {
	From      int32 `json:"from"`
	Submitter int32 `json:"submitter"`
}

// ControlReady publishes a debug event for a watermark advance.
func ControlReady(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload ReadyPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventControlReady,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryControl,
		Payload:  payload,
	})
}

// ControlDuplicate publishes a debug event for an ignored duplicate.
func ControlDuplicate(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload DuplicatePayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventControlDuplicate,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityDebug,
		Category: logging.CategoryControl,
		Payload:  payload,
	})
}

// RecoveryRequest publishes a warning when a stalled tick is re-requested.
func RecoveryRequest(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RecoveryPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventRecoveryRequest,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// RequestServed publishes a debug event after a control request was answered.
func RequestServed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RequestServedPayload) {
	severity := logging.SeverityDebug
	if payload.Limited {
		severity = logging.SeverityWarn
	}
	publish(ctx, pub, logging.Event{
		Type:     EventRequestServed,
		Tick:     tick,
		Actor:    actor,
		Severity: severity,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// SyncInconsistency publishes a fatal-severity event. The entry has already
// been dropped; the session continues.
func SyncInconsistency(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SyncInconsistencyPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventSyncInconsistency,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityFatal,
		Category: logging.CategorySync,
		Payload:  payload,
	})
}

// PreSendChanged publishes an info event when the look-ahead depth changes.
func PreSendChanged(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload PreSendPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventPreSendChanged,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryControl,
		Payload:  payload,
	})
}

// SendFailed publishes a warning for a best-effort send that failed.
func SendFailed(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload SendFailedPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventSendFailed,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// RejectedSubmitter publishes a warning for a spoofed submitter id.
func RejectedSubmitter(ctx context.Context, pub logging.Publisher, tick uint64, actor logging.EntityRef, payload RejectedSubmitterPayload) {
	publish(ctx, pub, logging.Event{
		Type:     EventRejectedSubmitter,
		Tick:     tick,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, event)
}
