package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/drblury/queuelink/internal/runtime/jsoncodec"
)

// CommandType is the stable tag of a command or inbound notification.
type CommandType string

const (
	CommandAuthorized      CommandType = "authorized"
	CommandAdd             CommandType = "add"
	CommandPause           CommandType = "pause"
	CommandResume          CommandType = "resume"
	CommandCount           CommandType = "count"
	CommandEmpty           CommandType = "empty"
	CommandGetJobs         CommandType = "getJobs"
	CommandGetJobsCount    CommandType = "getJobsCount"
	CommandGetJobLogs      CommandType = "getJobLogs"
	CommandClean           CommandType = "clean"
	CommandJobsCommand     CommandType = "jobsCommand"
	CommandJobUpdate       CommandType = "jobUpdate"
	CommandRegisterEvent   CommandType = "registerEvent"
	CommandUnregisterEvent CommandType = "unregisterEvent"
	CommandSendEvent       CommandType = "sendEvent"
	CommandProcess         CommandType = "process"
)

// Command is the data of a request frame.
type Command struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewCommand builds a command, encoding payload when it is not nil.
func NewCommand(t CommandType, payload any) (Command, error) {
	cmd := Command{Type: t}
	if payload == nil {
		return cmd, nil
	}
	raw, err := jsoncodec.Marshal(payload)
	if err != nil {
		return Command{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	cmd.Payload = raw
	return cmd, nil
}

// EventPayload is the payload of registerEvent and unregisterEvent.
type EventPayload struct {
	Event string `json:"event"`
}

// RegisterEvent asks the remote side to push notifications for event.
func RegisterEvent(event string) Command {
	cmd, _ := NewCommand(CommandRegisterEvent, EventPayload{Event: event})
	return cmd
}

// UnregisterEvent stops notifications for event.
func UnregisterEvent(event string) Command {
	cmd, _ := NewCommand(CommandUnregisterEvent, EventPayload{Event: event})
	return cmd
}
