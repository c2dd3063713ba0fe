package websocket

import (
	"encoding/json"
	"errors"

	"github.com/lorrc/sync-engine/internal/core/domain"
	apperrors "github.com/lorrc/sync-engine/internal/core/errors"
)

// Client frame types
const (
	TypeAuth        = "AUTH"
	TypeSubscribe   = "SUBSCRIBE"
	TypeUnsubscribe = "UNSUBSCRIBE"
	TypePing        = "PING"
)

// Server frame types
const (
	TypeAuthenticated = "AUTHENTICATED"
	TypeSubscribed    = "SUBSCRIBED"
	TypeUnsubscribed  = "UNSUBSCRIBED"
	TypeSyncEvent     = "SYNC_EVENT"
	TypeCaughtUp      = "CAUGHT_UP"
	TypePong          = "PONG"
	TypeDegraded      = "DEGRADED"
	TypeRecovered     = "RECOVERED"
	TypeError         = "ERROR"
)

// Close codes in the application range.
const (
	CloseUnauthorized = 4401
	CloseSlowConsumer = 4408
)

// ClientMessage is the structure for messages sent from the client.
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload carries the bearer token when it was not passed in the URL.
type AuthPayload struct {
	Token string `json:"token"`
}

// SubscribePayload selects entity types and the resume position.
// An empty EntityTypes subscribes every type of the tenant. LastEventID
// seeds the de-duplication floor; CatchUp asks the gateway to replay the
// log from that watermark before live pushes resume.
type SubscribePayload struct {
	EntityTypes []string                  `json:"entityTypes,omitempty"`
	LastEventID *int64                    `json:"lastEventId,omitempty"`
	CatchUp     *domain.WatermarkSnapshot `json:"catchUp,omitempty"`
}

// UnsubscribePayload removes entity types. An empty list removes everything.
type UnsubscribePayload struct {
	EntityTypes []string `json:"entityTypes,omitempty"`
}

// ServerMessage is the envelope for every frame the gateway sends.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type authenticatedPayload struct {
	ConnectionID string `json:"connectionId"`
	TenantID     string `json:"tenantId"`
	UserID       string `json:"userId"`
}

type subscribedPayload struct {
	EntityTypes []string `json:"entityTypes"`
}

type syncEventPayload struct {
	Event domain.SyncEventSnapshot `json:"event"`
}

type caughtUpPayload struct {
	NextWatermark domain.WatermarkSnapshot `json:"nextWatermark"`
}

// ErrorPayload is sent with ERROR frames.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func encode(msgType string, payload any) []byte {
	data, err := json.Marshal(ServerMessage{Type: msgType, Payload: payload})
	if err != nil {
		// Payloads are gateway-owned structs; a failure here is a programming error
		data, _ = json.Marshal(ServerMessage{Type: TypeError, Payload: ErrorPayload{Code: "INTERNAL_ERROR", Message: "encoding failed"}})
	}
	return data
}

func encodeEvent(event *domain.SyncEvent) []byte {
	return encode(TypeSyncEvent, syncEventPayload{Event: domain.NewSyncEventSnapshot(event)})
}

func encodeError(code, message string) []byte {
	return encode(TypeError, ErrorPayload{Code: code, Message: message})
}

// errorCode maps a service error onto the code sent in ERROR frames.
func errorCode(err error) (string, string) {
	switch {
	case errors.Is(err, apperrors.ErrWatermarkExpired):
		return "WATERMARK_EXPIRED", "Watermark is older than the retention window, re-bootstrap required"
	case errors.Is(err, apperrors.ErrLogUnavailable):
		return "LOG_UNAVAILABLE", "Event log temporarily unavailable"
	case errors.Is(err, apperrors.ErrValidation):
		return "VALIDATION_ERROR", err.Error()
	case errors.Is(err, apperrors.ErrInvalidTransition):
		return "INVALID_STATE", err.Error()
	default:
		return "INTERNAL_ERROR", "An unexpected error occurred"
	}
}

// closeError ends the read loop with a specific close frame.
type closeError struct {
	code   int
	reason string
}

func (e *closeError) Error() string {
	return e.reason
}
