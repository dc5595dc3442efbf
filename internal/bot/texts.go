package bot

import (
	"fmt"
	"html"
	"strings"

	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/dialog"
)

// CallbackSetChatMode prefixes the data of chat mode buttons.
const CallbackSetChatMode = chatmode.ButtonDataPrefix

const helpText = `Commands:
⚪ /retry – Regenerate last bot answer
⚪ /new – Start new dialog
⚪ /mode – Select chat mode
⚪ /ask – Ask a question (useful in groups)
⚪ /balance – Show balance
⚪ /help – Show help
`

const (
	textNothingToRetry     = "No message to retry 🤷‍♂️"
	textNewDialog          = "Starting new dialog ✅"
	textSelectChatMode     = "Select chat mode:"
	textEditingUnsupported = "🥲 Unfortunately, message <b>editing</b> is not supported"
	textErrorInErrorReport = "Some error in error handler"
	textVoiceUnsupported   = "🥲 Voice messages are not supported by this bot"
	textNothingHeard       = "🎤: <i>nothing recognised</i>"
)

func greeting(name string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hi %s! I'm <b>chatrelay</b>, a chat assistant backed by a large language model 🤖\n\n", html.EscapeString(name))
	b.WriteString(helpText)
	fmt.Fprintf(&b, "\nAsk me anything, %s!", html.EscapeString(name))
	return b.String()
}

func emptyQuestion(name string) string {
	return fmt.Sprintf("Sorry %s, I didn't get your question. Send it after /ask.", name)
}

func timeoutNotice(modeName string) string {
	return fmt.Sprintf("Starting new dialog due to timeout (<b>%s</b> mode) ✅", html.EscapeString(modeName))
}

func completionFailed(err error) string {
	return fmt.Sprintf("Something went wrong during completion. Reason: %v", err)
}

func transcriptionFailed(err error) string {
	return fmt.Sprintf("Something went wrong during transcription. Reason: %v", err)
}

func truncationNotice(removed int) string {
	if removed == 1 {
		return "✍️ <i>Note:</i> Your current dialog is too long, so your <b>first message</b> was removed from the context.\n Send /new command to start new dialog"
	}
	return fmt.Sprintf("✍️ <i>Note:</i> Your current dialog is too long, so <b>%d first messages</b> were removed from the context.\n Send /new command to start new dialog", removed)
}

func modeSet(name string) string {
	return fmt.Sprintf("<b>%s</b> mode set", html.EscapeString(name))
}

func transcribed(text string) string {
	return fmt.Sprintf("🎤: <i>%s</i>", html.EscapeString(text))
}

// displayName renders the sender the way chats show them: @username when
// set, otherwise the full name.
func displayName(id dialog.Identity) string {
	if id.Username != "" {
		return "@" + id.Username
	}
	if name := strings.TrimSpace(id.FirstName + " " + id.LastName); name != "" {
		return name
	}
	return "there"
}
