package progress

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownMessageType is returned for push payloads with an unsupported type tag.
var ErrUnknownMessageType = errors.New("unknown message type")

// MessageType tags a push-channel payload.
type MessageType string

// Push message types.
const (
	TypeProgress  MessageType = "progress"
	TypeHeartbeat MessageType = "heartbeat"
	TypeError     MessageType = "error"
)

// PushMessage is the JSON object received on the push channel.
type PushMessage struct {
	Type     MessageType `json:"type"`
	JobID    string      `json:"job_id,omitempty"`
	Stage    *string     `json:"stage,omitempty"`
	Progress *float64    `json:"progress,omitempty"`
	Errors   []string    `json:"errors,omitempty"`
	ReportID *string     `json:"report_id,omitempty"`
	Filename *string     `json:"filename,omitempty"`
	Message  string      `json:"message,omitempty"`
}

// DecodePush parses and validates a push payload. A missing type tag is read
// as a progress message.
func DecodePush(data []byte) (PushMessage, error) {
	var msg PushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return PushMessage{}, fmt.Errorf("decode push message: %w", err)
	}
	switch msg.Type {
	case "":
		msg.Type = TypeProgress
	case TypeProgress, TypeHeartbeat, TypeError:
	default:
		return PushMessage{}, fmt.Errorf("%w %q", ErrUnknownMessageType, msg.Type)
	}
	if msg.Type == TypeProgress {
		if _, err := msg.Fields(); err != nil {
			return PushMessage{}, err
		}
	}
	return msg, nil
}

// Fields converts a progress message into reconciler fields.
func (m PushMessage) Fields() (Fields, error) {
	return toFields(m.Stage, m.Progress, m.Errors, m.ReportID, m.Filename)
}

// StatusResponse is the body of the pull status endpoint.
type StatusResponse struct {
	JobID      string             `json:"job_id"`
	Stage      *string            `json:"stage,omitempty"`
	Progress   *float64           `json:"progress,omitempty"`
	Errors     []string           `json:"errors,omitempty"`
	ReportID   *string            `json:"report_id,omitempty"`
	Filename   *string            `json:"filename,omitempty"`
	StageTimes map[string]float64 `json:"stage_times,omitempty"`
}

// Fields converts the status body into reconciler fields.
func (r StatusResponse) Fields() (Fields, error) {
	return toFields(r.Stage, r.Progress, r.Errors, r.ReportID, r.Filename)
}

func toFields(stage *string, pct *float64, errs []string, reportID, filename *string) (Fields, error) {
	var f Fields
	if stage != nil {
		st, err := ParseStage(*stage)
		if err != nil {
			return Fields{}, err
		}
		f.Stage = &st
	}
	if pct != nil {
		p := *pct
		f.Progress = &p
	}
	if errs != nil {
		f.Errors = append([]string{}, errs...)
	}
	if reportID != nil {
		id := *reportID
		f.ReportID = &id
	}
	if filename != nil {
		name := *filename
		f.Filename = &name
	}
	return f, nil
}
