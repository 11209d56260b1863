package relay

import "fmt"

// Error is the connector's structured error type. Kind identifies the
// failure bucket; Err, when set, wraps the underlying cause (a store
// error, a codec error, a channel error, ...).
type Error struct {
	Kind string
	msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.Err)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return e.Kind
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind, msg string) *Error { return &Error{Kind: kind, msg: msg} }

func wrapErr(kind, msg string, err error) *Error { return &Error{Kind: kind, msg: msg, Err: err} }

// Error kind constants.
const (
	KindConnect                   = "connect"
	KindMessageHandle             = "message_handle"
	KindEvent                     = "event"
	KindPartialEvent              = "partial_event"
	KindNegentropy                = "negentropy"
	KindDatabase                  = "database"
	KindThread                    = "thread"
	KindRecvTimeout               = "recv_timeout"
	KindTimeout                   = "timeout"
	KindMessageNotSent            = "message_not_sent"
	KindNotConnected              = "not_connected"
	KindNotConnectedStatusChanged = "not_connected_status_changed"
	KindEventNotPublished         = "event_not_published"
	KindEventsNotPublished        = "events_not_published"
	KindPartialPublish            = "partial_publish"
	KindBatchEventEmpty           = "batch_event_empty"
	KindOneShotRecvError          = "oneshot_recv_error"
	KindReadDisabled              = "read_disabled"
	KindWriteDisabled             = "write_disabled"
	KindFiltersEmpty              = "filters_empty"
	KindNegentropyReconciliation  = "negentropy_reconciliation"
	KindNegentropyNotSupported    = "negentropy_not_supported"
	KindUnknownNegentropyError    = "unknown_negentropy_error"
	KindRelayMessageTooLarge      = "relay_message_too_large"
	KindEventTooLarge             = "event_too_large"
	KindTooManyTags               = "too_many_tags"
	KindEventExpired              = "event_expired"
	KindPowDifficultyTooLow       = "pow_difficulty_too_low"
	KindUnexpectedKind            = "unexpected_kind"
	KindEventIDBlacklisted        = "event_id_blacklisted"
	KindPublicKeyBlacklisted      = "public_key_blacklisted"
	KindCantSendChannelMessage    = "cant_send_channel_message"
)

// EventNotPublishedError carries the relay's rejection reason for a
// single-event publish failure.
type EventNotPublishedError struct{ Reason string }

func (e *EventNotPublishedError) Error() string {
	return fmt.Sprintf("event not published: %s", e.Reason)
}

// EventsNotPublishedError carries per-event rejection reasons when
// every event in a multi-event batch was rejected.
type EventsNotPublishedError struct{ Reasons map[string]string }

func (e *EventsNotPublishedError) Error() string {
	return fmt.Sprintf("events not published: %v", e.Reasons)
}

// PartialPublishError is returned when a multi-event batch publish had
// a mix of accepted and rejected events.
type PartialPublishError struct {
	Published    []string
	NotPublished map[string]string
}

func (e *PartialPublishError) Error() string {
	return fmt.Sprintf("partial publish: published=%d, not_published=%d", len(e.Published), len(e.NotPublished))
}

// NegentropyReconciliationError carries the relay's NEG-ERR code.
type NegentropyReconciliationError struct{ Code string }

func (e *NegentropyReconciliationError) Error() string {
	return fmt.Sprintf("negentropy reconciliation error: %s", e.Code)
}

var (
	ErrBatchEventEmpty           = newErr(KindBatchEventEmpty, "batch event cannot be empty")
	ErrFiltersEmpty              = newErr(KindFiltersEmpty, "filters empty")
	ErrReadDisabled              = newErr(KindReadDisabled, "read actions are disabled for this relay")
	ErrWriteDisabled             = newErr(KindWriteDisabled, "write actions are disabled for this relay")
	ErrNotConnected              = newErr(KindNotConnected, "relay not connected")
	ErrNotConnectedStatusChanged = newErr(KindNotConnectedStatusChanged, "relay not connected (status changed)")
	ErrMessageNotSent            = newErr(KindMessageNotSent, "message not sent")
	ErrOneShotRecvError          = newErr(KindOneShotRecvError, "impossible to recv msg")
	ErrRecvTimeout               = newErr(KindRecvTimeout, "recv message response timeout")
	ErrTimeout                   = newErr(KindTimeout, "timeout")
	ErrEventExpired              = newErr(KindEventExpired, "event expired")
	ErrNegentropyNotSupported    = newErr(KindNegentropyNotSupported, "negentropy not supported")
	ErrUnknownNegentropyError    = newErr(KindUnknownNegentropyError, "unknown negentropy error")
	ErrCantSendChannelMessage    = newErr(KindCantSendChannelMessage, "cannot send channel message")
)

func errRelayMessageTooLarge(size, max int) error {
	return newErr(KindRelayMessageTooLarge, fmt.Sprintf("size=%d, max_size=%d", size, max))
}

func errEventTooLarge(size, max int) error {
	return newErr(KindEventTooLarge, fmt.Sprintf("size=%d, max_size=%d", size, max))
}

func errTooManyTags(size, max int) error {
	return newErr(KindTooManyTags, fmt.Sprintf("tags=%d, max_tags=%d", size, max))
}

func errPowDifficultyTooLow(min int) error {
	return newErr(KindPowDifficultyTooLow, fmt.Sprintf("min. %d", min))
}
