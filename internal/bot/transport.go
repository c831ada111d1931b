// Package bot implements the conversation engine of the sourcing bot: per-user
// sessions, the authoring and admin flows, and the rendering of screens. It
// talks to the chat platform only through Transport.
package bot

import (
	"context"
	"strings"
)

// MessageID identifies a message the bot sent into a chat.
type MessageID int

// Button is one inline keyboard button.
type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard laid out in rows.
type Keyboard struct {
	Rows [][]Button
}

// FileRef points at a file attached to an incoming message.
type FileRef struct {
	ID       string
	UniqueID string
	Name     string
	MimeType string
	// IsPhoto is set for native photos (as opposed to documents).
	IsPhoto bool
}

// Transport is the outbound side of the chat platform.
type Transport interface {
	SendText(ctx context.Context, chatID int64, text string, kb *Keyboard) (MessageID, error)
	SendFile(ctx context.Context, chatID int64, path, caption string) error
	DeleteMessage(ctx context.Context, chatID int64, id MessageID) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
	// Download stores the file at dest and returns a public URL for it, if
	// the platform provides one.
	Download(ctx context.Context, f FileRef, dest string) (string, error)
}

// EventKind classifies incoming updates.
type EventKind int

const (
	EventText EventKind = iota
	EventButton
	EventAttachment
	EventCommand
)

func (k EventKind) String() string {
	switch k {
	case EventText:
		return "text"
	case EventButton:
		return "button"
	case EventAttachment:
		return "attachment"
	case EventCommand:
		return "command"
	}
	return "unknown"
}

// Event is one normalized incoming update.
type Event struct {
	Kind     EventKind
	UserID   int64
	Username string
	FullName string
	// Text is the message text, or the command name without the slash.
	Text string
	// Data is the callback data of a pressed button.
	Data       string
	Caption    string
	CallbackID string
	File       *FileRef
	// SourceMessageID is the bot message a button was attached to.
	SourceMessageID MessageID
}

// Input returns the user supplied text of the event: the text of a text
// message or the caption of an attachment.
func (e Event) Input() string {
	if e.Kind == EventAttachment {
		return strings.TrimSpace(e.Caption)
	}
	return strings.TrimSpace(e.Text)
}

// NotifySender adapts a Transport to the plain text sender used for
// notification fan-out.
type NotifySender struct {
	Transport Transport
}

// SendText sends text without a keyboard.
func (s NotifySender) SendText(ctx context.Context, chatID int64, text string) error {
	_, err := s.Transport.SendText(ctx, chatID, text, nil)
	return err
}
