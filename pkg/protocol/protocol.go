// Package protocol defines the JSON messages exchanged between the broker and
// generation workers. Every message is a JSON object with a "type" field; the
// remaining field names match the deployed worker script.
//
// Parse never fails: anything that cannot be decoded into a known message
// comes back as *Ignored so the connection loop can log it and move on.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type identifies a message kind on the wire.
type Type string

const (
	TypeRegister        Type = "register"
	TypeRegisterSuccess Type = "register_success"
	TypeTask            Type = "task"
	TypeStatus          Type = "status"
	TypeImageChunk      Type = "image_chunk"
	TypeImageData       Type = "image_data"
	TypeResult          Type = "result"
)

// Message is implemented by every decoded message, including *Ignored.
type Message interface {
	MessageType() Type
}

// Register is the first message a worker sends.
type Register struct {
	Type    Type   `json:"type"`
	PageURL string `json:"page_url"`
}

// RegisterSuccess acknowledges a registration with the assigned worker id.
type RegisterSuccess struct {
	Type     Type   `json:"type"`
	WorkerID string `json:"client_id"`
}

// Task assigns a job to a worker.
type Task struct {
	Type            Type     `json:"type"`
	JobID           string   `json:"task_id"`
	Prompt          string   `json:"prompt"`
	TaskType        string   `json:"task_type"`
	AspectRatio     string   `json:"aspect_ratio"`
	Resolution      string   `json:"resolution"`
	ReferenceImages []string `json:"reference_images"`
}

// Status is a free-text progress update for the worker's current job.
type Status struct {
	Type    Type   `json:"type"`
	JobID   string `json:"task_id,omitempty"`
	Message string `json:"message"`
}

// ImageChunk carries one slice of a base64 payload.
type ImageChunk struct {
	Type        Type   `json:"type"`
	JobID       string `json:"task_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        string `json:"data"`
}

// ImageData carries a whole base64 payload in one message.
type ImageData struct {
	Type  Type   `json:"type"`
	JobID string `json:"task_id"`
	Data  string `json:"data"`
}

// Result ends a job. An empty Error means success.
type Result struct {
	Type  Type   `json:"type"`
	JobID string `json:"task_id"`
	Error string `json:"error,omitempty"`
}

// Ignored stands for a frame that is malformed or of an unknown kind.
type Ignored struct {
	Kind   string
	Reason string
}

func (*Register) MessageType() Type        { return TypeRegister }
func (*RegisterSuccess) MessageType() Type { return TypeRegisterSuccess }
func (*Task) MessageType() Type            { return TypeTask }
func (*Status) MessageType() Type          { return TypeStatus }
func (*ImageChunk) MessageType() Type      { return TypeImageChunk }
func (*ImageData) MessageType() Type       { return TypeImageData }
func (*Result) MessageType() Type          { return TypeResult }
func (*Ignored) MessageType() Type         { return "" }

// 原始欄位，用於檢查必填欄位是否存在
type envelope struct {
	Type        Type             `json:"type"`
	PageURL     *string          `json:"page_url"`
	WorkerID    *string          `json:"client_id"`
	JobID       *string          `json:"task_id"`
	Message     *string          `json:"message"`
	ChunkIndex  *int             `json:"chunk_index"`
	TotalChunks *int             `json:"total_chunks"`
	Data        *string          `json:"data"`
	Error       *json.RawMessage `json:"error"`
}

// Parse decodes one frame into a message variant.
func Parse(data []byte) Message {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return &Ignored{Reason: fmt.Sprintf("malformed json: %v", err)}
	}

	missing := func(field string) Message {
		return &Ignored{Kind: string(env.Type), Reason: "missing " + field}
	}

	switch env.Type {
	case TypeRegister:
		m := &Register{Type: TypeRegister}
		if env.PageURL != nil {
			m.PageURL = *env.PageURL
		}
		return m

	case TypeRegisterSuccess:
		if env.WorkerID == nil {
			return missing("client_id")
		}
		return &RegisterSuccess{Type: TypeRegisterSuccess, WorkerID: *env.WorkerID}

	case TypeTask:
		var m Task
		if err := json.Unmarshal(data, &m); err != nil {
			return &Ignored{Kind: string(env.Type), Reason: err.Error()}
		}
		if m.JobID == "" {
			return missing("task_id")
		}
		return &m

	case TypeStatus:
		if env.Message == nil {
			return missing("message")
		}
		m := &Status{Type: TypeStatus, Message: *env.Message}
		if env.JobID != nil {
			m.JobID = *env.JobID
		}
		return m

	case TypeImageChunk:
		switch {
		case env.JobID == nil:
			return missing("task_id")
		case env.ChunkIndex == nil:
			return missing("chunk_index")
		case env.TotalChunks == nil:
			return missing("total_chunks")
		case env.Data == nil:
			return missing("data")
		}
		return &ImageChunk{
			Type:        TypeImageChunk,
			JobID:       *env.JobID,
			ChunkIndex:  *env.ChunkIndex,
			TotalChunks: *env.TotalChunks,
			Data:        *env.Data,
		}

	case TypeImageData:
		if env.JobID == nil {
			return missing("task_id")
		}
		if env.Data == nil {
			return missing("data")
		}
		return &ImageData{Type: TypeImageData, JobID: *env.JobID, Data: *env.Data}

	case TypeResult:
		if env.JobID == nil {
			return missing("task_id")
		}
		m := &Result{Type: TypeResult, JobID: *env.JobID}
		if env.Error != nil {
			m.Error = errorText(*env.Error)
		}
		return m

	case "":
		return &Ignored{Reason: "missing type"}
	default:
		return &Ignored{Kind: string(env.Type), Reason: "unknown message type"}
	}
}

// errorText 將 error 欄位轉為字串；null 視為成功
func errorText(raw json.RawMessage) string {
	if string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// 非字串的錯誤物件，保留原始 JSON
	return string(raw)
}

// Encode marshals a message and stamps its type field.
func Encode(m Message) ([]byte, error) {
	switch v := m.(type) {
	case *Register:
		c := *v
		c.Type = TypeRegister
		return json.Marshal(c)
	case *RegisterSuccess:
		c := *v
		c.Type = TypeRegisterSuccess
		return json.Marshal(c)
	case *Task:
		c := *v
		c.Type = TypeTask
		if c.ReferenceImages == nil {
			c.ReferenceImages = []string{}
		}
		return json.Marshal(c)
	case *Status:
		c := *v
		c.Type = TypeStatus
		return json.Marshal(c)
	case *ImageChunk:
		c := *v
		c.Type = TypeImageChunk
		return json.Marshal(c)
	case *ImageData:
		c := *v
		c.Type = TypeImageData
		return json.Marshal(c)
	case *Result:
		c := *v
		c.Type = TypeResult
		return json.Marshal(c)
	default:
		return nil, fmt.Errorf("protocol: cannot encode %T", m)
	}
}
