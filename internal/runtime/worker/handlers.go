package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/queuelink/internal/runtime/errors"
)

// JSONHandler adapts a typed function to a Handler. The job data is decoded
// into T and the returned R becomes the reply data.
func JSONHandler[T any, R any](fn func(ctx context.Context, job *Job, data T) (R, error)) Handler {
	if fn == nil {
		return nil
	}
	return func(ctx context.Context, job *Job) (any, error) {
		var data T
		if err := job.Decode(&data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job %s data into %T: %w", job.ID, data, err)
		}
		return fn(ctx, job, data)
	}
}

// ProtoHandler adapts a function consuming a protobuf message to a Handler.
// The job data is decoded with protojson into a fresh instance of prototype,
// and a non-nil returned message is encoded the same way.
func ProtoHandler[T proto.Message](prototype T, fn func(ctx context.Context, job *Job, msg T) (proto.Message, error)) (Handler, error) {
	if fn == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if isNilProto(prototype) {
		return nil, fmt.Errorf("queuelink: proto handler needs a non-nil %T prototype", prototype)
	}

	return func(ctx context.Context, job *Job) (any, error) {
		msg, ok := prototype.ProtoReflect().New().Interface().(T)
		if !ok {
			return nil, fmt.Errorf("cannot instantiate %T", prototype)
		}
		if len(job.Data) > 0 {
			if err := protojson.Unmarshal(job.Data, msg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal job %s into %T: %w", job.ID, prototype, err)
			}
		}

		out, err := fn(ctx, job, msg)
		if err != nil {
			return nil, err
		}
		if isNilProto(out) {
			return nil, nil
		}
		raw, err := protojson.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %T result: %w", out, err)
		}
		return json.RawMessage(raw), nil
	}, nil
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	v := reflect.ValueOf(msg)
	return v.Kind() == reflect.Ptr && v.IsNil()
}
