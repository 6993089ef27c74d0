package messenger

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// ID is a remote identifier. The API sends user ids as numbers and chat/message
// ids as strings; both decode into a string.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Participant is one user on a conversation.
type Participant struct {
	ID   ID     `json:"id"`
	Name string `json:"name"`
}

// ConversationContext carries the listing the conversation was opened from.
type ConversationContext struct {
	Type  string `json:"type"`
	Value struct {
		ID    ID     `json:"id"`
		Title string `json:"title"`
		URL   string `json:"url"`
	} `json:"value"`
}

// ConversationDTO is a conversation as returned by the list endpoint.
// Created and Updated are epoch seconds.
type ConversationDTO struct {
	ID      ID                  `json:"id"`
	Users   []Participant       `json:"users"`
	Context ConversationContext `json:"context"`
	Created int64               `json:"created"`
	Updated int64               `json:"updated"`
}

// MessageContent is the body of a message. Only text is consumed.
type MessageContent struct {
	Text string `json:"text"`
}

// MessageDTO is one message as returned by the list endpoint. Created is epoch seconds.
type MessageDTO struct {
	ID        ID             `json:"id"`
	AuthorID  ID             `json:"author_id"`
	Type      string         `json:"type"`
	Direction string         `json:"direction"`
	Content   MessageContent `json:"content"`
	Created   int64          `json:"created"`
}

// Message types and directions the mapper cares about.
const (
	TypeSystem   = "system"
	DirectionOut = "out"
)

type conversationsEnvelope struct {
	Chats []ConversationDTO `json:"chats"`
}

type messagesEnvelope struct {
	Messages []MessageDTO `json:"messages"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// FailureReason tags why a soft-failed fetch returned no (or partial) data.
type FailureReason string

const (
	FailureStatus    FailureReason = "status"
	FailureTransport FailureReason = "transport"
	FailureDecode    FailureReason = "decode"
	FailureCanceled  FailureReason = "canceled"
)

// SoftFailure describes a fetch that did not complete.
type SoftFailure struct {
	Reason     FailureReason
	StatusCode int
	Err        error
}

func (f *SoftFailure) Error() string {
	if f.StatusCode != 0 {
		return string(f.Reason) + " failure (HTTP " + strconv.Itoa(f.StatusCode) + "): " + errString(f.Err)
	}
	return string(f.Reason) + " failure: " + errString(f.Err)
}

func errString(err error) string {
	if err == nil {
		return "<nil>"
	}
	return err.Error()
}

// MessagesResult is the outcome of fetching one conversation's messages.
// On failure, Messages holds whatever pages were read before it.
type MessagesResult struct {
	ConversationID string
	Messages       []MessageDTO
	Failure        *SoftFailure
}

// OK reports whether every requested page was fetched.
func (r MessagesResult) OK() bool { return r.Failure == nil }
