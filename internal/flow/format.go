package flow

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/activation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/conversation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
)

const dayLayout = "2006-01-02"

var weekdays = [...]string{"Dom", "Seg", "Ter", "Qua", "Qui", "Sex", "Sáb"}

// serviceOption is the scratch form of a listed service.
type serviceOption struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Duration   int    `json:"duration"`
	PriceCents int64  `json:"price_cents"`
}

// bookingOption is the scratch form of a listed appointment.
type bookingOption struct {
	ID      string    `json:"id"`
	Service string    `json:"service"`
	Start   time.Time `json:"start"`
}

func toServiceOptions(list []models.Service) []serviceOption {
	out := make([]serviceOption, len(list))
	for i, s := range list {
		out[i] = serviceOption{ID: s.ID, Name: s.Name, Duration: s.DurationMinutes, PriceCents: s.PriceCents}
	}
	return out
}

func (e *Engine) serviceMenu(header string, opts []serviceOption) string {
	var b strings.Builder
	b.WriteString(header)
	for i, o := range opts {
		price := ""
		if o.PriceCents > 0 {
			price = models.Service{PriceCents: o.PriceCents}.Price()
		}
		line := render(e.msgs.ServiceEntry,
			"n", strconv.Itoa(i+1),
			"service", o.Name,
			"duration", strconv.Itoa(o.Duration),
			"price", price,
		)
		b.WriteString("\n")
		b.WriteString(strings.TrimSpace(line))
	}
	return b.String()
}

// dayLabel renders a stored day such as "2026-03-02" as "Seg 02/03".
func (e *Engine) dayLabel(day string) string {
	d, err := time.ParseInLocation(dayLayout, day, e.cfg.Location)
	if err != nil {
		return day
	}
	return weekdays[d.Weekday()] + " " + d.Format("02/01")
}

func (e *Engine) dayMenu(service string, days []string) string {
	var b strings.Builder
	b.WriteString(render(e.msgs.DayMenu, "service", service))
	for i, d := range days {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i+1) + ". " + e.dayLabel(d))
	}
	b.WriteString("\n\n")
	b.WriteString(e.msgs.Navigation)
	return b.String()
}

func (e *Engine) slotLabel(slot string) string {
	t, err := time.Parse(time.RFC3339, slot)
	if err != nil {
		return slot
	}
	return t.In(e.cfg.Location).Format("15:04")
}

func (e *Engine) slotLines(slots []string) string {
	lines := make([]string, len(slots))
	for i, s := range slots {
		lines[i] = strconv.Itoa(i+1) + ". " + e.slotLabel(s)
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) timeMenu(day string, slots []string) string {
	return render(e.msgs.TimeMenu, "day", e.dayLabel(day)) + "\n" + e.slotLines(slots) + "\n\n" + e.msgs.Navigation
}

func (e *Engine) confirmText(st conversation.ConversationState, name string) string {
	slot := st.Get(conversation.KeySelectedSlot)
	day := st.Get(conversation.KeyChosenDay)
	if t, err := time.Parse(time.RFC3339, slot); err == nil {
		day = t.In(e.cfg.Location).Format(dayLayout)
	}
	return render(e.msgs.Confirm,
		"service", st.Get(conversation.KeySelectedServiceName),
		"day", e.dayLabel(day),
		"time", e.slotLabel(slot),
		"name", name,
	)
}

func (e *Engine) bookingList(opts []bookingOption) string {
	if len(opts) == 0 {
		return e.msgs.NoBookings + "\n\n" + e.msgs.Navigation
	}
	var b strings.Builder
	b.WriteString(e.msgs.Bookings)
	for i, o := range opts {
		local := o.Start.In(e.cfg.Location)
		b.WriteString("\n")
		b.WriteString(render(e.msgs.BookingEntry,
			"n", strconv.Itoa(i+1),
			"service", o.Service,
			"day", e.dayLabel(local.Format(dayLayout)),
			"time", local.Format("15:04"),
		))
	}
	b.WriteString("\n\n")
	b.WriteString(e.msgs.Navigation)
	return b.String()
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// namePart renders the greeting suffix for a push name.
func namePart(pushName string) string {
	first := strings.Fields(pushName)
	if len(first) == 0 {
		return ""
	}
	return ", " + first[0]
}

// choose maps a 1-based numeric reply to an index.
func choose(norm string, size int) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(norm))
	if err != nil || n < 1 || n > size {
		return 0, false
	}
	return n - 1, true
}

func matchService(norm string, opts []serviceOption) (int, bool) {
	if norm == "" {
		return 0, false
	}
	for i, o := range opts {
		if activation.Normalize(o.Name) == norm {
			return i, true
		}
	}
	return 0, false
}

// matchTime accepts "10:30", "10h30" or "10" for the slot starting then.
func (e *Engine) matchTime(norm string, slots []string) (int, bool) {
	compact := strings.NewReplacer(" ", "", "h", "").Replace(norm)
	if compact == "" {
		return 0, false
	}
	for i, s := range slots {
		label := strings.ReplaceAll(e.slotLabel(s), ":", "")
		if compact == label || compact+"00" == label || "0"+compact+"00" == label || "0"+compact == label {
			return i, true
		}
	}
	return 0, false
}

var yesWords = map[string]bool{"sim": true, "s": true, "confirmo": true, "confirmar": true, "ok": true, "isso": true, "yes": true}
var noWords = map[string]bool{"nao": true, "n": true, "cancelar": true, "no": true, "nope": true}

func isYes(norm string) bool { return yesWords[norm] }
func isNo(norm string) bool  { return noWords[norm] }

// cleanName validates a free-text customer name: two to sixty characters,
// at least one letter, no digits.
func cleanName(text string) (string, bool) {
	name := strings.Join(strings.Fields(text), " ")
	n := len([]rune(name))
	if n < 2 || n > 60 {
		return "", false
	}
	letters := 0
	for _, r := range name {
		switch {
		case unicode.IsDigit(r):
			return "", false
		case unicode.IsLetter(r):
			letters++
		}
	}
	if letters == 0 {
		return "", false
	}
	return name, true
}

// phoneOf extracts the customer's phone digits from the sender address,
// ignoring any device suffix.
func phoneOf(msg models.IncomingMessage) string {
	for _, addr := range []string{msg.SenderID, msg.ChatID} {
		if i := strings.IndexByte(addr, '@'); i >= 0 {
			addr = addr[:i]
		}
		if i := strings.IndexByte(addr, ':'); i >= 0 {
			addr = addr[:i]
		}
		if digits := models.DigitsOnly(addr); digits != "" {
			return digits
		}
	}
	return ""
}
