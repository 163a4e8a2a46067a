package mail

import (
	"bytes"
	"html/template"

	"github.com/cockroachdb/errors"
)

// ErrUnknownTemplate возвращается для шаблона, которого нет в наборе.
var ErrUnknownTemplate = errors.New("unknown mail template")

const giftDeliveryHTML = `<!doctype html>
<html><body style="font-family: sans-serif">
<h2>Hi {{.recipient_name}},</h2>
<p>{{.sender_name}} ({{.sender_email}}) sent you a {{.vendor_name}} gift card worth ${{.face_value}}.</p>
{{if .custom_message}}<blockquote>{{.custom_message}}</blockquote>{{end}}
<p>Your code:</p>
<p style="font-size: 20px; font-weight: bold; letter-spacing: 2px">{{.gift_card_code}}</p>
<p>Scheduled for {{.scheduled_date}}.</p>
</body></html>`

const deliveredNoticeHTML = `<!doctype html>
<html><body style="font-family: sans-serif">
<h2>Hi {{.sender_name}},</h2>
<p>Your {{.vendor_name}} gift card worth ${{.face_value}} was delivered to {{.recipient_name}} ({{.recipient_email}}) on {{.delivered_date}}.</p>
</body></html>`

// Templates — набор HTML-шаблонов писем по идентификатору.
type Templates struct {
	set map[string]*template.Template
}

// DefaultTemplates возвращает встроенные шаблоны gift-delivery и gift-delivered-notice.
func DefaultTemplates() *Templates {
	return &Templates{set: map[string]*template.Template{
		"gift-delivery":         template.Must(template.New("gift-delivery").Parse(giftDeliveryHTML)),
		"gift-delivered-notice": template.Must(template.New("gift-delivered-notice").Parse(deliveredNoticeHTML)),
	}}
}

// Render исполняет шаблон с контекстом письма.
func (t *Templates) Render(name string, ctx map[string]string) (string, error) {
	tpl, ok := t.set[name]
	if !ok {
		return "", errors.Wrapf(ErrUnknownTemplate, "template %q", name)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, ctx); err != nil {
		return "", errors.Wrapf(err, "render template %q", name)
	}
	return buf.String(), nil
}
