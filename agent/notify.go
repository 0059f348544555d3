package agent

import "go.uber.org/zap"

// Message codes shown to the participant.
const (
	CodeImageUploadFailed = "E004"
	CodeCommitFailed      = "E005"
	CodePlaced            = "I005"
)

var messages = map[string]string{
	CodeImageUploadFailed: "Uploading the photo failed.",
	CodeCommitFailed:      "Could not place your ring. Please try again.",
	CodePlaced:            "Your AR ring was placed.",
}

// Message returns the text for a code.
func Message(code string) string {
	return messages[code]
}

// Notifier surfaces user-visible outcomes. Only transport failures and
// successful placements reach it.
type Notifier interface {
	Info(code string)
	Error(code string, err error)
}

// LogNotifier writes notifications to a logger.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n LogNotifier) Info(code string) {
	n.Logger.Info(Message(code), zap.String("code", code))
}

func (n LogNotifier) Error(code string, err error) {
	n.Logger.Error(Message(code), zap.String("code", code), zap.Error(err))
}
