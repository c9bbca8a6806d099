package templates

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/lalithlochan/prospector/internal/db"
)

var placeholder = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Render substitutes {{name}} placeholders. Unknown names render as "".
func Render(text string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		return vars[strings.ToLower(name)]
	})
}

// Vars exposes lead attributes to templates.
func Vars(lead *db.Lead, senderName string) map[string]string {
	v := map[string]string{
		"name":          lead.Name,
		"business_name": lead.Name,
		"address":       lead.Address,
		"niche":         lead.Niche,
		"sender_name":   senderName,
	}
	if lead.Website != nil {
		v["website"] = *lead.Website
	}
	if lead.WebsiteDomain != nil {
		v["domain"] = *lead.WebsiteDomain
	}
	if lead.Phone != nil {
		v["phone"] = *lead.Phone
	}
	if lead.Rating != nil {
		v["rating"] = strconv.FormatFloat(*lead.Rating, 'f', 1, 64)
	}
	if lead.ReviewCount != nil {
		v["review_count"] = strconv.Itoa(*lead.ReviewCount)
	}
	if city := city(lead.Address); city != "" {
		v["city"] = city
	}
	return v
}

// city guesses the locality from a formatted "street, postcode city, country" address.
func city(address string) string {
	parts := strings.Split(address, ",")
	if len(parts) < 2 {
		return ""
	}
	locality := strings.Fields(parts[len(parts)-2])
	for len(locality) > 0 && strings.IndexFunc(locality[0], func(r rune) bool { return r < '0' || r > '9' }) < 0 {
		locality = locality[1:]
	}
	return strings.Join(locality, " ")
}

// Message is rendered content ready for a channel.
type Message struct {
	Subject string
	Body    string
}

// Compose renders the template for lead and appends the channel's opt-out footer.
func (s *Selector) Compose(t *db.Template, lead *db.Lead, senderName string) Message {
	vars := Vars(lead, senderName)
	msg := Message{
		Subject: Render(t.Subject, vars),
		Body:    Render(t.Body, vars),
	}

	footer := s.cfg.EmailFooter
	if t.Channel == db.ChannelWhatsApp {
		footer = s.cfg.ChatFooter
	}
	if footer != "" {
		msg.Body = strings.TrimRight(msg.Body, "\n") + "\n\n" + footer
	}
	return msg
}
