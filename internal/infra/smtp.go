package infra

import (
	"context"
	"fmt"
	"net/smtp"
	"sort"
	"strings"

	"cafeiq/internal/config"

	"github.com/jordan-wright/email"
)

// Mailer wraps SMTP configuration for sending staff notifications.
type Mailer struct {
	host       string
	port       int
	user       string
	password   string
	addr       string
	from       string
	recipients []string
}

func NewMailer(cfg *config.Config) *Mailer {
	from := cfg.SMTPFrom
	if from == "" {
		from = cfg.SMTPUser
	}
	return &Mailer{
		host:       cfg.SMTPHost,
		port:       cfg.SMTPPort,
		user:       cfg.SMTPUser,
		password:   cfg.SMTPPassword,
		addr:       fmt.Sprintf("%s:%d", cfg.SMTPHost, cfg.SMTPPort),
		from:       from,
		recipients: cfg.AlertEmailTo,
	}
}

// Configured reports whether there is a host and at least one recipient.
func (m *Mailer) Configured() bool {
	return m.host != "" && len(m.recipients) > 0
}

// Notify sends one plain-text email per notification to the alert recipients.
func (m *Mailer) Notify(_ context.Context, kind string, payload map[string]interface{}) error {
	if !m.Configured() {
		return fmt.Errorf("mailer: smtp not configured")
	}
	e := email.NewEmail()
	e.From = m.from
	e.To = m.recipients
	e.Subject = subjectFor(kind, payload)
	e.Text = []byte(renderBody(kind, payload))

	var auth smtp.Auth
	if m.user != "" {
		auth = smtp.PlainAuth("", m.user, m.password, m.host)
	}
	if err := e.Send(m.addr, auth); err != nil {
		return fmt.Errorf("mailer: send %s: %w", kind, err)
	}
	return nil
}

func subjectFor(kind string, payload map[string]interface{}) string {
	switch kind {
	case "low_stock_critical":
		return fmt.Sprintf("[CRITICAL] %v ingredient(s) critically low", payload["count"])
	case "low_stock_low":
		return fmt.Sprintf("[LOW STOCK] %v ingredient(s) at or below reorder level", payload["count"])
	case "deduction_failed":
		return fmt.Sprintf("[ACTION REQUIRED] Inventory deduction failed for order %v", payload["order_id"])
	case "recipe_missing":
		return fmt.Sprintf("[MENU] Menu item %v has no recipe", payload["menu_item_id"])
	default:
		return "Inventory notification: " + kind
	}
}

// renderBody prints the payload as sorted key: value lines. Slices of maps
// (ingredient digests) get one indented line per entry.
func renderBody(kind string, payload map[string]interface{}) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Notification: %s\n\n", kind)
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		switch v := payload[k].(type) {
		case []map[string]interface{}:
			fmt.Fprintf(&b, "%s:\n", k)
			for _, row := range v {
				writeRow(&b, row)
			}
		case []interface{}:
			// payloads decoded from the notification queue
			fmt.Fprintf(&b, "%s:\n", k)
			for _, item := range v {
				if row, ok := item.(map[string]interface{}); ok {
					writeRow(&b, row)
				} else {
					fmt.Fprintf(&b, "  - %v\n", item)
				}
			}
		default:
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}
	return b.String()
}

func writeRow(b *strings.Builder, row map[string]interface{}) {
	fmt.Fprintf(b, "  - %v: %v %v (reorder level %v)\n",
		row["name"], row["current_stock"], row["unit"], row["reorder_level"])
}
