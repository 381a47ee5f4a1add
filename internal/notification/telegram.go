package notification

import (
	"context"
	"fmt"
	"log"
	"strings"
)

// TelegramNotifier posts alerts to one chat through the Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	http     poster
}

// NewTelegramNotifier creates a notifier for the bot token (from @BotFather)
// and target chat ID.
func NewTelegramNotifier(botToken, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  "https://api.telegram.org",
		http:     newPoster("telegram"),
	}
}

type telegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

func (t *TelegramNotifier) Send(ctx context.Context, alert Alert) error {
	msg := telegramMessage{ChatID: t.chatID, Text: telegramText(alert), ParseMode: "MarkdownV2"}
	if err := t.http.post(ctx, fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken), msg); err != nil {
		return err
	}
	log.Printf("[telegram] sent %s alert for %s", alert.Kind, alert.Symbol)
	return nil
}

func telegramText(a Alert) string {
	var b strings.Builder
	b.WriteString(levelIcon(a.Level))
	b.WriteString(" *")
	b.WriteString(escapeMarkdown(a.Title))
	b.WriteString("*")
	if a.Message != "" {
		b.WriteString("\n\n")
		b.WriteString(escapeMarkdown(a.Message))
	}
	if a.Symbol != "" {
		b.WriteString("\n\n_")
		b.WriteString(escapeMarkdown(a.Symbol + " · " + a.UserID))
		b.WriteString("_")
	}
	return b.String()
}

func levelIcon(l AlertLevel) string {
	switch l {
	case AlertWarning:
		return "⚠️"
	case AlertCritical:
		return "🚨"
	}
	return "ℹ️"
}

var markdownV2 = strings.NewReplacer(
	`\`, `\\`, "_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// escapeMarkdown escapes the MarkdownV2 reserved characters.
func escapeMarkdown(s string) string { return markdownV2.Replace(s) }
