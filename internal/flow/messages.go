package flow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Messages holds every text the booking flow sends. Placeholders are written
// as {name} and replaced at render time.
type Messages struct {
	Greeting     string `yaml:"greeting"`
	ServiceMenu  string `yaml:"service_menu"`
	NoServices   string `yaml:"no_services"`
	DayMenu      string `yaml:"day_menu"`
	NoDays       string `yaml:"no_days"`
	TimeMenu     string `yaml:"time_menu"`
	NoSlots      string `yaml:"no_slots"`
	AskName      string `yaml:"ask_name"`
	InvalidName  string `yaml:"invalid_name"`
	Confirm      string `yaml:"confirm"`
	Booked       string `yaml:"booked"`
	SlotTaken    string `yaml:"slot_taken"`
	AddMore      string `yaml:"add_more"`
	Restart      string `yaml:"restart"`
	Goodbye      string `yaml:"goodbye"`
	Help         string `yaml:"help"`
	Bookings     string `yaml:"bookings"`
	NoBookings   string `yaml:"no_bookings"`
	Cancelled    string `yaml:"cancelled"`
	Invalid      string `yaml:"invalid"`
	Handoff      string `yaml:"handoff"`
	Failure      string `yaml:"failure"`
	Navigation   string `yaml:"navigation"`
	ServiceEntry string `yaml:"service_entry"`
	BookingEntry string `yaml:"booking_entry"`
}

// DefaultMessages returns the built-in Portuguese catalog.
func DefaultMessages() Messages {
	return Messages{
		Greeting:     "Olá{name}! 👋 Sou o assistente de agendamentos.",
		ServiceMenu:  "Qual serviço você deseja? Responda com o número:",
		NoServices:   "No momento não há serviços disponíveis para agendamento.",
		DayMenu:      "Ótimo, *{service}*! Escolha o dia:",
		NoDays:       "Não há dias livres para *{service}* nos próximos dias. Escolha outro serviço:",
		TimeMenu:     "Horários disponíveis em *{day}*:",
		NoSlots:      "Não há horários livres em *{day}*. Escolha outro dia:",
		AskName:      "Perfeito! Qual é o seu nome?",
		InvalidName:  "Não consegui entender o nome. Pode digitar novamente?",
		Confirm:      "Confira o agendamento:\n*{service}*\n📅 {day} às {time}\n👤 {name}\n\nConfirma? Responda *sim* ou *não*.",
		Booked:       "✅ Agendamento confirmado! *{service}* em {day} às {time}.\n\nDeseja agendar outro serviço? (*sim* / *não*)",
		SlotTaken:    "Esse horário acabou de ser reservado por outra pessoa. Escolha outro:",
		AddMore:      "Qual serviço deseja adicionar?",
		Restart:      "Tudo bem, vamos recomeçar.",
		Goodbye:      "Obrigado! Até logo 👋",
		Help:         "Comandos disponíveis:\n*menu* recomeçar o agendamento\n*voltar* voltar ao passo anterior\n*agendamentos* ver ou cancelar seus horários\n*sair* encerrar a conversa\n\nEnvie qualquer mensagem para continuar.",
		Bookings:     "Seus agendamentos:",
		NoBookings:   "Você não tem agendamentos futuros.",
		Cancelled:    "Agendamento cancelado.",
		Invalid:      "Não entendi sua resposta. Por favor, escolha uma das opções:",
		Handoff:      "Parece que estamos com dificuldade. Um atendente vai continuar a conversa em breve. Envie qualquer mensagem para recomeçar.",
		Failure:      "Tivemos um problema para concluir sua solicitação. Envie qualquer mensagem para tentar de novo.",
		Navigation:   "Digite *voltar* para o passo anterior ou *menu* para recomeçar.",
		ServiceEntry: "{n}. {service} ({duration} min) {price}",
		BookingEntry: "{n}. {service} em {day} às {time}",
	}
}

// LoadMessages returns the default catalog with the non-empty fields of the
// YAML file at path applied on top.
func LoadMessages(path string) (Messages, error) {
	msgs := DefaultMessages()
	if path == "" {
		return msgs, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return msgs, fmt.Errorf("failed to read messages file: %w", err)
	}
	var override Messages
	if err := yaml.Unmarshal(data, &override); err != nil {
		return msgs, fmt.Errorf("failed to parse messages file %s: %w", path, err)
	}
	msgs.merge(override)
	return msgs, nil
}

func (m *Messages) merge(o Messages) {
	pairs := []struct {
		dst *string
		src string
	}{
		{&m.Greeting, o.Greeting}, {&m.ServiceMenu, o.ServiceMenu}, {&m.NoServices, o.NoServices},
		{&m.DayMenu, o.DayMenu}, {&m.NoDays, o.NoDays}, {&m.TimeMenu, o.TimeMenu},
		{&m.NoSlots, o.NoSlots}, {&m.AskName, o.AskName}, {&m.InvalidName, o.InvalidName},
		{&m.Confirm, o.Confirm}, {&m.Booked, o.Booked}, {&m.SlotTaken, o.SlotTaken},
		{&m.AddMore, o.AddMore}, {&m.Restart, o.Restart}, {&m.Goodbye, o.Goodbye},
		{&m.Help, o.Help}, {&m.Bookings, o.Bookings}, {&m.NoBookings, o.NoBookings},
		{&m.Cancelled, o.Cancelled}, {&m.Invalid, o.Invalid}, {&m.Handoff, o.Handoff},
		{&m.Failure, o.Failure}, {&m.Navigation, o.Navigation},
		{&m.ServiceEntry, o.ServiceEntry}, {&m.BookingEntry, o.BookingEntry},
	}
	for _, p := range pairs {
		if strings.TrimSpace(p.src) != "" {
			*p.dst = p.src
		}
	}
}

// render replaces {key} placeholders. kv alternates keys and values.
func render(tmpl string, kv ...string) string {
	if len(kv) == 0 {
		return tmpl
	}
	pairs := make([]string, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		pairs = append(pairs, "{"+kv[i]+"}", kv[i+1])
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
