package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/MrWong99/chatrelay/internal/chatmode"
	"github.com/MrWong99/chatrelay/internal/observe"
)

// ReportError logs err and sends it, together with a dump of the update that
// caused it, back to the chat. Chunks the platform rejects as HTML are resent
// as plain text. When reporting itself fails a short notice is sent instead.
func (h *Handlers) ReportError(ctx context.Context, c Conversation, err error) {
	log := observe.Logger(ctx)
	log.Error("bot: exception while handling an update", "platform", c.Platform(), "user", c.Identity().Key(), "err", err)

	text := errorReport(c.Update(), err, observe.CorrelationID(ctx))
	if sendErr := h.sendChunks(ctx, c, text, chatmode.ParseHTML); sendErr != nil {
		log.Error("bot: send error report", "err", sendErr)
		if fallbackErr := c.Reply(ctx, textErrorInErrorReport, chatmode.ParsePlain); fallbackErr != nil {
			log.Error("bot: send error report notice", "err", fallbackErr)
		}
	}
}

func errorReport(update any, err error, traceID string) string {
	var dump bytes.Buffer
	enc := json.NewEncoder(&dump)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if jerr := enc.Encode(update); jerr != nil {
		dump.Reset()
		fmt.Fprintf(&dump, "%+v", update)
	}

	var b strings.Builder
	b.WriteString("An exception was raised while handling an update\n")
	if traceID != "" {
		fmt.Fprintf(&b, "trace_id: <code>%s</code>\n", traceID)
	}
	fmt.Fprintf(&b, "<pre>update = %s</pre>\n\n", html.EscapeString(strings.TrimSpace(dump.String())))
	fmt.Fprintf(&b, "<pre>%s</pre>", html.EscapeString(err.Error()))
	return b.String()
}
