package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Wire field names shared by every codec.
const (
	fieldType     = "type"
	fieldUser     = "user"
	fieldMessage  = "message"
	fieldToUser   = "to_user"
	fieldFilename = "filename"
	fieldFileData = "file_data"
	fieldIsTyping = "is_typing"
	fieldTime     = "time"
	fieldData     = "data"
	fieldUsers    = "users"
	fieldMessages = "messages"
)

// TimeLayout is the layout of every "time" field.
const TimeLayout = time.RFC3339Nano

func inboundToFields(msg Inbound) (map[string]any, error) {
	m := map[string]any{fieldType: string(msg.Kind())}
	switch v := msg.(type) {
	case Register:
		m[fieldUser] = v.Handle
	case PublicChat:
		m[fieldMessage] = v.Body
	case PrivateTransfer:
		m[fieldToUser] = v.Target
		m[fieldMessage] = v.Body
	case FileTransfer:
		m[fieldFilename] = v.Filename
		m[fieldFileData] = v.Payload
	case TypingStatus:
		m[fieldIsTyping] = v.IsTyping
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	return m, nil
}

func fieldsToInbound(m map[string]any) (Inbound, error) {
	kind, _ := stringField(m, fieldType)
	switch Kind(kind) {
	case KindRegister:
		handle, ok := stringField(m, fieldUser)
		if !ok || handle == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, fieldUser)
		}
		return Register{Handle: handle}, nil
	case KindPublicChat:
		body, _ := stringField(m, fieldMessage)
		return PublicChat{Body: body}, nil
	case KindPrivateTransfer:
		target, ok := stringField(m, fieldToUser)
		if !ok || target == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, fieldToUser)
		}
		body, _ := stringField(m, fieldMessage)
		return PrivateTransfer{Target: target, Body: body}, nil
	case KindFileTransfer:
		filename, ok := stringField(m, fieldFilename)
		if !ok || filename == "" {
			filename = DefaultFilename
		}
		return FileTransfer{Filename: filename, Payload: m[fieldFileData]}, nil
	case KindTypingStatus:
		typing, _ := m[fieldIsTyping].(bool)
		return TypingStatus{IsTyping: typing}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func outboundToFields(msg Outbound) (map[string]any, error) {
	m := map[string]any{fieldType: string(msg.Kind())}
	switch v := msg.(type) {
	case Count:
		users := make([]any, len(v.Handles))
		for i, h := range v.Handles {
			users[i] = h
		}
		m[fieldData] = v.Count
		m[fieldUsers] = users
	case History:
		messages := make([]any, len(v.Messages))
		for i, c := range v.Messages {
			messages[i] = map[string]any{
				fieldUser:    c.Sender,
				fieldMessage: c.Body,
				fieldTime:    c.Time.Format(TimeLayout),
			}
		}
		m[fieldMessages] = messages
	case Chat:
		m[fieldUser] = v.Sender
		m[fieldMessage] = v.Body
		m[fieldTime] = v.Time.Format(TimeLayout)
	case Private:
		m[fieldUser] = v.Sender
		m[fieldToUser] = v.Target
		m[fieldMessage] = v.Body
		m[fieldTime] = v.Time.Format(TimeLayout)
	case File:
		m[fieldUser] = v.Sender
		m[fieldFilename] = v.Filename
		m[fieldFileData] = v.Payload
		m[fieldTime] = v.Time.Format(TimeLayout)
	case TypingNotification:
		m[fieldUser] = v.Sender
		m[fieldIsTyping] = v.IsTyping
	case Error:
		m[fieldMessage] = v.Message
	case Info:
		m[fieldMessage] = v.Message
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKind, msg)
	}
	return m, nil
}

func fieldsToOutbound(m map[string]any) (Outbound, error) {
	kind, _ := stringField(m, fieldType)
	user, _ := stringField(m, fieldUser)
	body, _ := stringField(m, fieldMessage)
	switch Kind(kind) {
	case KindCount:
		n := intField(m, fieldData)
		raw, _ := m[fieldUsers].([]any)
		handles := make([]string, 0, len(raw))
		for _, h := range raw {
			if s, ok := h.(string); ok {
				handles = append(handles, s)
			}
		}
		return Count{Count: int(n), Handles: handles}, nil
	case KindHistory:
		raw, _ := m[fieldMessages].([]any)
		messages := make([]Chat, 0, len(raw))
		for _, item := range raw {
			entry, ok := item.(map[string]any)
			if !ok {
				continue
			}
			sender, _ := stringField(entry, fieldUser)
			text, _ := stringField(entry, fieldMessage)
			messages = append(messages, Chat{Sender: sender, Body: text, Time: timeField(entry)})
		}
		return History{Messages: messages}, nil
	case KindChat:
		return Chat{Sender: user, Body: body, Time: timeField(m)}, nil
	case KindPrivate:
		target, _ := stringField(m, fieldToUser)
		return Private{Sender: user, Target: target, Body: body, Time: timeField(m)}, nil
	case KindFile:
		filename, _ := stringField(m, fieldFilename)
		return File{Sender: user, Filename: filename, Payload: m[fieldFileData], Time: timeField(m)}, nil
	case KindTypingNotification:
		typing, _ := m[fieldIsTyping].(bool)
		return TypingNotification{Sender: user, IsTyping: typing}, nil
	case KindError:
		return Error{Message: body}, nil
	case KindInfo:
		return Info{Message: body}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func stringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}

// intField accepts both numeric forms the codecs produce.
func intField(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case float64:
		return int(n)
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, _ := n.Float64()
			return int(f)
		}
		return int(i)
	default:
		return 0
	}
}

func timeField(m map[string]any) time.Time {
	s, ok := stringField(m, fieldTime)
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
