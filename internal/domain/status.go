package domain

import (
	"fmt"
	"strings"
)

// Status is the lifecycle state of an Order. The string values are stored in
// the database and exchanged in spreadsheets, so they must never change.
type Status string

const (
	StatusNew            Status = "New"
	StatusInQueue        Status = "InQueue"
	StatusClarify        Status = "Clarify"
	StatusAnswerReceived Status = "AnswerReceived"
	StatusAdded          Status = "Added"
	StatusNotAdded       Status = "NotAdded"
	StatusDeletedByUser  Status = "DeletedByUser"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusNew,
	StatusInQueue,
	StatusClarify,
	StatusAnswerReceived,
	StatusAdded,
	StatusNotAdded,
	StatusDeletedByUser,
}

// Valid reports whether s is one of the fixed statuses.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusAdded, StatusNotAdded, StatusDeletedByUser:
		return true
	}
	return false
}

// Description is the user-facing hint shown next to a non-terminal status.
func (s Status) Description() string {
	switch s {
	case StatusNew:
		return "Мы только получили заявку и уже начали поиск."
	case StatusInQueue:
		return "Заявка в работе — команда мониторит наличие."
	case StatusClarify:
		return "Нужна дополнительная информация, мы уточняем детали."
	case StatusAnswerReceived:
		return "Спасибо за ответ! Передали его закупщикам."
	default:
		return "Мы продолжаем поиск и обновим вас при новостях."
	}
}

// ParseStatus matches the exact wire value, ignoring surrounding whitespace.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.TrimSpace(raw))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", raw)
	}
	return s, nil
}

// DisplayNumber renders the user-facing order number "{public_id}-{seq}".
func DisplayNumber(publicID string, seq int) string {
	return fmt.Sprintf("%s-%d", publicID, seq)
}
