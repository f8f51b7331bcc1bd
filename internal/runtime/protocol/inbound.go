package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
	"github.com/drblury/queuelink/internal/runtime/ids"
	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
)

// Kind discriminates inbound frames.
type Kind int

const (
	// KindReply is anything that is not one of the tagged variants below. It
	// is only meaningful when its id matches a pending request.
	KindReply Kind = iota
	KindHandshake
	KindEvent
	KindJob
)

func (k Kind) String() string {
	switch k {
	case KindReply:
		return "reply"
	case KindHandshake:
		return "handshake"
	case KindEvent:
		return "event"
	case KindJob:
		return "job"
	default:
		return "unknown"
	}
}

// Event is a notification pushed for a subscribed event name.
type Event struct {
	Name string
	Args []json.RawMessage
}

// Arg decodes the i-th argument into v.
func (e Event) Arg(i int, v any) error {
	if i < 0 || i >= len(e.Args) {
		return fmt.Errorf("event %s has no argument %d", e.Name, i)
	}
	return jsoncodec.Unmarshal(e.Args[i], v)
}

// JobEnvelope is an inbound unit of work. ID is the correlation id the
// response must carry.
type JobEnvelope struct {
	ID      string
	Payload json.RawMessage
}

// Inbound is a classified frame. Exactly one of Event or Job is set for the
// matching kinds.
type Inbound struct {
	Kind  Kind
	Frame Frame
	Event *Event
	Job   *JobEnvelope
}

type taggedData struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type sendEventPayload struct {
	Event string            `json:"event"`
	Data  []json.RawMessage `json:"data"`
}

// Classify sorts a frame into its variant. Frames whose data is not a tagged
// object are replies.
func Classify(f Frame) Inbound {
	in := Inbound{Kind: KindReply, Frame: f}

	var tagged taggedData
	if len(f.Data) == 0 || jsoncodec.Unmarshal(f.Data, &tagged) != nil {
		return in
	}

	switch tagged.Type {
	case CommandAuthorized:
		if f.ID == ids.HandshakeID {
			in.Kind = KindHandshake
		}
	case CommandSendEvent:
		var p sendEventPayload
		if err := jsoncodec.Unmarshal(tagged.Payload, &p); err == nil && p.Event != "" {
			in.Kind = KindEvent
			in.Event = &Event{Name: p.Event, Args: p.Data}
		}
	case CommandProcess:
		in.Kind = KindJob
		in.Job = &JobEnvelope{ID: f.ID, Payload: tagged.Payload}
	}
	return in
}

type failureEnvelope struct {
	Err *failureDetail `json:"err"`
}

type failureDetail struct {
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// ReplyError returns a *RemoteError when data is a failure reply, nil
// otherwise.
func ReplyError(data json.RawMessage) error {
	if len(data) == 0 || data[0] != '{' {
		return nil
	}
	var env struct {
		Err json.RawMessage `json:"err"`
	}
	if err := jsoncodec.Unmarshal(data, &env); err != nil || jsoncodec.IsEmpty(env.Err) {
		return nil
	}
	remote := &errspkg.RemoteError{Raw: env.Err}
	var detail failureDetail
	if err := jsoncodec.Unmarshal(env.Err, &detail); err == nil {
		remote.Name = detail.Name
		remote.Message = detail.Message
	} else {
		var msg string
		if jsoncodec.Unmarshal(env.Err, &msg) == nil {
			remote.Message = msg
		}
	}
	return remote
}

// FailurePayload is the data of a job response when the handler failed.
func FailurePayload(err error) json.RawMessage {
	detail := failureDetail{Name: "Error", Message: err.Error()}
	var handlerErr *errspkg.HandlerError
	if errors.As(err, &handlerErr) {
		detail.Name = "HandlerFailure"
		if handlerErr.Err != nil {
			detail.Message = handlerErr.Err.Error()
		}
	}
	raw, marshalErr := jsoncodec.Marshal(failureEnvelope{Err: &detail})
	if marshalErr != nil {
		return json.RawMessage(`{"err":{"name":"HandlerFailure","message":"unencodable error"}}`)
	}
	return raw
}
