// Package flow runs the booking dialogue. Each inbound message passes the
// activation gate, advances the chat's conversation state machine, calls the
// booking service when a step needs data and sends the replies back through
// the tenant's connection.
//
// Messages of one chat are handled strictly in arrival order and every reply
// to a message is sent before the next message of that chat is looked at.
// Different chats are handled concurrently.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/activation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/conversation"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/events"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/models"
	"github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/whatsapp"
)

const tracerName = "github.com/leonardosilvamelosantos/SmartSalao-sub001/internal/flow"

// BookingService is the external collaborator owning services, availability
// and appointments.
type BookingService interface {
	ListServices(ctx context.Context, tenantID string) ([]models.Service, error)
	GetAvailableDays(ctx context.Context, tenantID, serviceID string, r models.DateRange) ([]time.Time, error)
	GetAvailableSlots(ctx context.Context, tenantID, serviceID string, day time.Time) ([]models.Slot, error)
	CreateAppointment(ctx context.Context, draft models.BookingDraft) (models.Appointment, error)
	CancelAppointment(ctx context.Context, tenantID, appointmentID string) error
	ListAppointments(ctx context.Context, tenantID, customerPhone string) ([]models.Appointment, error)
}

// Sender delivers a reply through a tenant's connection.
type Sender interface {
	Send(ctx context.Context, tenantID, to, text string) error
}

// Deduper remembers inbound message ids. RecordInbound reports false for a
// message that was already processed; MarkProcessed is called once a turn and
// all of its replies went through.
type Deduper interface {
	RecordInbound(ctx context.Context, tenantID, chatID, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, tenantID, messageID string) error
}

// ReplyQueue holds replies that could not be sent because the tenant was
// offline, for delivery once it reconnects.
type ReplyQueue interface {
	EnqueueReply(ctx context.Context, tenantID, chatID, body, dedupeKey string, position int) (string, error)
}

// Config holds the engine parameters.
type Config struct {
	MaxErrors     int
	DaysAhead     int
	IgnoreGroups  bool
	QueueLimit    int
	HandleTimeout time.Duration
	Location      *time.Location
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxErrors:     3,
		DaysAhead:     14,
		IgnoreGroups:  true,
		QueueLimit:    32,
		HandleTimeout: 30 * time.Second,
		Location:      time.Local,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxErrors < 1 {
		c.MaxErrors = def.MaxErrors
	}
	if c.DaysAhead < 1 {
		c.DaysAhead = def.DaysAhead
	}
	if c.QueueLimit < 1 {
		c.QueueLimit = def.QueueLimit
	}
	if c.HandleTimeout <= 0 {
		c.HandleTimeout = def.HandleTimeout
	}
	if c.Location == nil {
		c.Location = def.Location
	}
	return c
}

// Engine drives the booking dialogue of every chat of every tenant.
type Engine struct {
	cfg     Config
	gate    *activation.Gate
	machine *conversation.Machine
	booking BookingService
	sender  Sender
	dedup   Deduper
	queue   ReplyQueue
	msgs    Messages
	tracer  trace.Tracer
	now     func() time.Time
	queues  *chatQueues
}

// Option configures an Engine.
type Option func(*Engine)

// WithDeduper skips redelivered messages.
func WithDeduper(d Deduper) Option {
	return func(e *Engine) { e.dedup = d }
}

// WithReplyQueue defers replies to an offline tenant instead of failing the
// turn.
func WithReplyQueue(q ReplyQueue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithMessages replaces the message catalog.
func WithMessages(m Messages) Option {
	return func(e *Engine) { e.msgs = m }
}

// WithClock overrides the time source used to compute the booking window.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine.
func New(cfg Config, gate *activation.Gate, machine *conversation.Machine, booking BookingService, sender Sender, opts ...Option) *Engine {
	e := &Engine{
		cfg:     cfg.withDefaults(),
		gate:    gate,
		machine: machine,
		booking: booking,
		sender:  sender,
		msgs:    DefaultMessages(),
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.queues = newChatQueues(e.cfg.QueueLimit, e.process)
	return e
}

// Listener returns an events.Listener that queues inbound messages. It never
// blocks the caller.
func (e *Engine) Listener() events.Listener {
	return func(ev events.Event) {
		if ev.Kind != events.KindMessage || ev.Message == nil {
			return
		}
		msg := *ev.Message
		if msg.TenantID == "" {
			msg.TenantID = ev.TenantID
		}
		e.Enqueue(msg)
	}
}

// Enqueue queues msg behind earlier messages of the same chat.
func (e *Engine) Enqueue(msg models.IncomingMessage) bool {
	return e.queues.push(msg)
}

// Close stops accepting messages and waits for queued ones to finish.
func (e *Engine) Close(ctx context.Context) error {
	slog.Debug("Flow Close invoked", "activeChats", e.queues.active())
	return e.queues.close(ctx)
}

func (e *Engine) process(msg models.IncomingMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.HandleTimeout)
	defer cancel()
	if err := e.Handle(ctx, msg); err != nil {
		slog.Error("Flow Handle failed", "tenant", msg.TenantID, "chat", msg.ChatID, "error", err)
	}
}

// SetActivation forces the automated flow on or off for a chat.
func (e *Engine) SetActivation(tenantID, chatID string, on bool) {
	e.gate.Force(activation.Key{TenantID: tenantID, ChatID: chatID}, on)
}

// ResetChat returns a chat's dialogue to the initial state.
func (e *Engine) ResetChat(ctx context.Context, tenantID, chatID string) {
	e.machine.Reset(ctx, conversation.Key{TenantID: tenantID, ChatID: chatID})
}

// ChatState returns the current dialogue state of a chat.
func (e *Engine) ChatState(tenantID, chatID string) (conversation.ConversationState, bool) {
	return e.machine.Get(conversation.Key{TenantID: tenantID, ChatID: chatID})
}

// turn collects what is known about one inbound message and the replies it
// produces.
type turn struct {
	key     conversation.Key
	gkey    activation.Key
	msg     models.IncomingMessage
	phone   string
	text    string
	norm    string
	replies []string
}

func (t *turn) say(lines ...string) {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			t.replies = append(t.replies, l)
		}
	}
}

func ignoreReason(msg models.IncomingMessage, ignoreGroups bool) string {
	switch {
	case msg.TenantID == "" || msg.ChatID == "":
		return "incomplete"
	case msg.FromMe:
		return "from_me"
	case whatsapp.IsBroadcast(msg.ChatID):
		return "broadcast"
	case msg.IsGroup && ignoreGroups:
		return "group"
	}
	return ""
}

// Handle processes one inbound message synchronously and sends its replies.
// A message whose replies could not be sent is left unprocessed so a
// redelivery is handled again.
func (e *Engine) Handle(ctx context.Context, msg models.IncomingMessage) (err error) {
	if reason := ignoreReason(msg, e.cfg.IgnoreGroups); reason != "" {
		slog.Debug("Flow ignoring message", "tenant", msg.TenantID, "chat", msg.ChatID, "reason", reason)
		return nil
	}
	if e.dedup != nil && msg.MessageID != "" {
		isNew, derr := e.dedup.RecordInbound(ctx, msg.TenantID, msg.ChatID, msg.MessageID)
		if derr != nil {
			slog.Warn("Flow dedup check failed, processing anyway", "tenant", msg.TenantID, "message", msg.MessageID, "error", derr)
		} else if !isNew {
			slog.Debug("Flow skipping duplicate message", "tenant", msg.TenantID, "message", msg.MessageID)
			return nil
		}
		defer func() {
			if err != nil {
				return
			}
			if merr := e.dedup.MarkProcessed(context.WithoutCancel(ctx), msg.TenantID, msg.MessageID); merr != nil {
				slog.Warn("Flow failed to mark message processed", "tenant", msg.TenantID, "message", msg.MessageID, "error", merr)
			}
		}()
	}

	t := &turn{
		key:   conversation.Key{TenantID: msg.TenantID, ChatID: msg.ChatID},
		gkey:  activation.Key{TenantID: msg.TenantID, ChatID: msg.ChatID},
		msg:   msg,
		phone: phoneOf(msg),
		text:  strings.TrimSpace(msg.Text),
		norm:  activation.Normalize(msg.Text),
	}

	decision := e.gate.ShouldRespond(t.gkey, msg.Text)
	if !decision.Engage {
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "flow.handle", trace.WithAttributes(
		attribute.String("tenant.id", msg.TenantID),
		attribute.String("activation.reason", string(decision.Reason)),
	))
	defer span.End()

	st, fresh := e.machine.Begin(ctx, t.key)
	span.SetAttributes(
		attribute.String("conversation.state", string(st.CurrentState)),
		attribute.Bool("conversation.fresh", fresh),
	)
	slog.Debug("Flow Handle invoked", "tenant", msg.TenantID, "chat", msg.ChatID, "state", st.CurrentState, "reason", decision.Reason, "fresh", fresh)

	if token := e.gate.TriggerToken(); activation.HasLeadingToken(msg.Text, token) {
		e.start(ctx, t, true)
	} else {
		e.step(ctx, t, st)
	}

	for i, reply := range t.replies {
		err := e.sender.Send(ctx, msg.TenantID, msg.ChatID, reply)
		if err == nil {
			continue
		}
		if e.queue != nil && errors.Is(err, models.ErrNotConnected) {
			qerr := e.deferReplies(ctx, msg, i, t.replies[i:])
			if qerr == nil {
				span.AddEvent("replies deferred", trace.WithAttributes(attribute.Int("reply.count", len(t.replies)-i)))
				break
			}
			slog.Error("Flow failed to queue replies", "tenant", msg.TenantID, "chat", msg.ChatID, "error", qerr)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return fmt.Errorf("failed to send reply to %s: %w", msg.ChatID, err)
	}
	e.gate.Touch(t.gkey)
	slog.Debug("Flow Handle succeeded", "tenant", msg.TenantID, "chat", msg.ChatID, "replies", len(t.replies))
	return nil
}

// deferReplies queues the unsent replies of a turn. Keys derived from the
// message id keep a redelivered message from queueing them twice.
func (e *Engine) deferReplies(ctx context.Context, msg models.IncomingMessage, offset int, replies []string) error {
	for j, body := range replies {
		pos := offset + j
		key := ""
		if msg.MessageID != "" {
			key = msg.TenantID + "/" + msg.MessageID + "#" + strconv.Itoa(pos)
		}
		if _, err := e.queue.EnqueueReply(ctx, msg.TenantID, msg.ChatID, body, key, pos); err != nil {
			return err
		}
	}
	slog.Info("Flow queued replies for offline tenant", "tenant", msg.TenantID, "chat", msg.ChatID, "count", len(replies))
	return nil
}

func (e *Engine) step(ctx context.Context, t *turn, st conversation.ConversationState) {
	switch t.norm {
	case "menu", "0":
		e.machine.Reset(ctx, t.key)
		e.start(ctx, t, false)
		return
	case "voltar":
		e.back(ctx, t, st)
		return
	case "ajuda":
		if e.dispatch(ctx, t, conversation.EventHelp, nil) {
			t.say(e.msgs.Help)
		}
		return
	case "agendamentos":
		e.showBookings(ctx, t, conversation.EventViewBookings, "")
		return
	case "sair":
		e.machine.Reset(ctx, t.key)
		e.gate.Deactivate(t.gkey)
		t.say(e.msgs.Goodbye)
		return
	}

	switch st.CurrentState {
	case conversation.StateInitial:
		e.start(ctx, t, true)
	case conversation.StateHelpRequested, conversation.StateError:
		e.restart(ctx, t, conversation.EventRecover, "")
	case conversation.StateWaitingServiceSelection, conversation.StateWaitingAddMore:
		e.selectService(ctx, t, st)
	case conversation.StateWaitingDaySelection:
		e.selectDay(ctx, t, st)
	case conversation.StateWaitingTimeSelection:
		e.selectTime(ctx, t, st)
	case conversation.StateWaitingCustomerInfo:
		e.provideName(ctx, t, st)
	case conversation.StateWaitingConfirmation:
		e.confirm(ctx, t, st)
	case conversation.StateBookingConfirmed:
		e.afterBooking(ctx, t)
	case conversation.StateViewingBookings:
		e.manageBookings(ctx, t, st)
	default:
		e.start(ctx, t, false)
	}
}

// dispatch applies event and reports success. Failures move the chat to the
// error state.
func (e *Engine) dispatch(ctx context.Context, t *turn, event conversation.Event, data map[string]string) bool {
	if _, err := e.machine.Dispatch(ctx, t.key, event, data); err != nil {
		e.fail(ctx, t, err)
		return false
	}
	return true
}

// call runs a booking service operation inside a span.
func (e *Engine) call(ctx context.Context, t *turn, op string, fn func(context.Context) error) error {
	ctx, span := e.tracer.Start(ctx, "booking."+op, trace.WithAttributes(attribute.String("tenant.id", t.key.TenantID)))
	defer span.End()
	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (e *Engine) services(ctx context.Context, t *turn) ([]serviceOption, error) {
	var list []models.Service
	err := e.call(ctx, t, "list_services", func(ctx context.Context) error {
		var err error
		list, err = e.booking.ListServices(ctx, t.key.TenantID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return toServiceOptions(list), nil
}

// start shows the service menu, entering WAITING_SERVICE_SELECTION.
func (e *Engine) start(ctx context.Context, t *turn, greet bool) {
	opts, err := e.services(ctx, t)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}
	if greet {
		t.say(render(e.msgs.Greeting, "name", namePart(t.msg.PushName)))
	}
	if len(opts) == 0 {
		t.say(e.msgs.NoServices)
		return
	}
	if !e.dispatch(ctx, t, conversation.EventStart, map[string]string{conversation.KeyServiceSet: conversation.EncodeList(opts)}) {
		return
	}
	e.machine.ResetErrorCount(ctx, t.key)
	t.say(e.serviceMenu(e.msgs.ServiceMenu, opts))
}

// restart fetches the services again and applies event, which must lead to a
// service selection state.
func (e *Engine) restart(ctx context.Context, t *turn, event conversation.Event, header string) {
	opts, err := e.services(ctx, t)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}
	if len(opts) == 0 {
		e.machine.Reset(ctx, t.key)
		t.say(e.msgs.NoServices)
		return
	}
	if !e.dispatch(ctx, t, event, map[string]string{conversation.KeyServiceSet: conversation.EncodeList(opts)}) {
		return
	}
	e.machine.ResetErrorCount(ctx, t.key)
	t.say(header)
	menu := e.msgs.ServiceMenu
	if event == conversation.EventAddMore {
		menu = e.msgs.AddMore
	}
	t.say(e.serviceMenu(menu, opts))
}

func (e *Engine) back(ctx context.Context, t *turn, st conversation.ConversationState) {
	if st.CurrentState == conversation.StateInitial {
		e.start(ctx, t, false)
		return
	}
	e.machine.GoBack(ctx, t.key, 1)
	cur, ok := e.machine.Get(t.key)
	if !ok {
		e.start(ctx, t, false)
		return
	}
	prompt := e.prompt(cur)
	if prompt == "" {
		e.start(ctx, t, false)
		return
	}
	t.say(prompt)
}

// prompt renders the question of the chat's current state from its scratch.
func (e *Engine) prompt(st conversation.ConversationState) string {
	switch st.CurrentState {
	case conversation.StateWaitingServiceSelection, conversation.StateWaitingAddMore:
		var opts []serviceOption
		if st.GetList(conversation.ListKey(st.CurrentState), &opts) && len(opts) > 0 {
			return e.serviceMenu(e.msgs.ServiceMenu, opts)
		}
	case conversation.StateWaitingDaySelection:
		var days []string
		if st.GetList(conversation.KeyDaySet, &days) && len(days) > 0 {
			return e.dayMenu(st.Get(conversation.KeySelectedServiceName), days)
		}
	case conversation.StateWaitingTimeSelection:
		var slots []string
		if st.GetList(conversation.KeySlotSet, &slots) && len(slots) > 0 {
			return e.timeMenu(st.Get(conversation.KeyChosenDay), slots)
		}
	case conversation.StateWaitingCustomerInfo:
		return e.msgs.AskName
	case conversation.StateWaitingConfirmation:
		return e.confirmText(st, st.Get(conversation.KeyCustomerName))
	case conversation.StateViewingBookings:
		var opts []bookingOption
		if st.GetList(conversation.KeyBookingSet, &opts) {
			return e.bookingList(opts)
		}
	}
	return ""
}

// invalid counts a bad answer. Below the ceiling it re-asks; at the ceiling
// the chat moves to the error state and is handed off.
func (e *Engine) invalid(ctx context.Context, t *turn, reprompt string) {
	n := e.machine.IncrementErrorCount(ctx, t.key)
	if n >= e.cfg.MaxErrors {
		slog.Warn("Flow handing off chat after repeated invalid input", "tenant", t.key.TenantID, "chat", t.key.ChatID, "errors", n)
		if _, err := e.machine.Dispatch(ctx, t.key, conversation.EventError, nil); err != nil {
			slog.Error("Flow failed to enter error state", "tenant", t.key.TenantID, "chat", t.key.ChatID, "error", err)
		}
		e.machine.ResetErrorCount(ctx, t.key)
		t.say(e.msgs.Handoff)
		return
	}
	t.say(reprompt)
}

// fail reports a downstream failure and moves the chat to the error state.
func (e *Engine) fail(ctx context.Context, t *turn, err error) {
	slog.Error("Flow step failed", "tenant", t.key.TenantID, "chat", t.key.ChatID, "code", models.CodeOf(err), "error", err)
	e.machine.IncrementErrorCount(ctx, t.key)
	if _, derr := e.machine.Dispatch(ctx, t.key, conversation.EventError, nil); derr != nil {
		slog.Error("Flow failed to enter error state", "tenant", t.key.TenantID, "chat", t.key.ChatID, "error", derr)
	}
	t.say(e.msgs.Failure)
}

func (e *Engine) selectService(ctx context.Context, t *turn, st conversation.ConversationState) {
	var opts []serviceOption
	if !st.GetList(conversation.ListKey(st.CurrentState), &opts) || len(opts) == 0 {
		e.start(ctx, t, false)
		return
	}
	if st.CurrentState == conversation.StateWaitingAddMore && isNo(t.norm) {
		e.finish(ctx, t)
		return
	}
	idx, ok := choose(t.norm, len(opts))
	if !ok {
		idx, ok = matchService(t.norm, opts)
	}
	if !ok {
		e.invalid(ctx, t, e.msgs.Invalid+"\n"+e.serviceMenu(e.msgs.ServiceMenu, opts))
		return
	}
	svc := opts[idx]

	from := midnight(e.now().In(e.cfg.Location))
	var days []time.Time
	err := e.call(ctx, t, "get_available_days", func(ctx context.Context) error {
		var err error
		days, err = e.booking.GetAvailableDays(ctx, t.key.TenantID, svc.ID, models.DateRange{
			From: from,
			To:   from.AddDate(0, 0, e.cfg.DaysAhead),
		})
		return err
	})
	if err != nil {
		e.fail(ctx, t, err)
		return
	}
	if len(days) == 0 {
		t.say(render(e.msgs.NoDays, "service", svc.Name), e.serviceMenu(e.msgs.ServiceMenu, opts))
		return
	}

	dayList := make([]string, len(days))
	for i, d := range days {
		dayList[i] = d.In(e.cfg.Location).Format(dayLayout)
	}
	ok = e.dispatch(ctx, t, conversation.EventServiceSelected, map[string]string{
		conversation.KeySelectedService:     svc.ID,
		conversation.KeySelectedServiceName: svc.Name,
		conversation.KeyDaySet:              conversation.EncodeList(dayList),
	})
	if !ok {
		return
	}
	e.machine.ResetErrorCount(ctx, t.key)
	t.say(e.dayMenu(svc.Name, dayList))
}

func (e *Engine) slots(ctx context.Context, t *turn, serviceID, day string) ([]string, error) {
	d, err := time.ParseInLocation(dayLayout, day, e.cfg.Location)
	if err != nil {
		return nil, models.Wrap(err, models.CodeInvalidInput, "invalid stored day")
	}
	var slots []models.Slot
	err = e.call(ctx, t, "get_available_slots", func(ctx context.Context) error {
		var err error
		slots, err = e.booking.GetAvailableSlots(ctx, t.key.TenantID, serviceID, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.Start.Format(time.RFC3339)
	}
	return out, nil
}

func (e *Engine) selectDay(ctx context.Context, t *turn, st conversation.ConversationState) {
	var days []string
	if !st.GetList(conversation.KeyDaySet, &days) || len(days) == 0 {
		e.start(ctx, t, false)
		return
	}
	serviceName := st.Get(conversation.KeySelectedServiceName)
	idx, ok := choose(t.norm, len(days))
	if !ok {
		e.invalid(ctx, t, e.msgs.Invalid+"\n"+e.dayMenu(serviceName, days))
		return
	}
	day := days[idx]
	slotList, err := e.slots(ctx, t, st.Get(conversation.KeySelectedService), day)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}
	if len(slotList) == 0 {
		t.say(render(e.msgs.NoSlots, "day", e.dayLabel(day)), e.dayMenu(serviceName, days))
		return
	}
	ok = e.dispatch(ctx, t, conversation.EventDaySelected, map[string]string{
		conversation.KeyChosenDay: day,
		conversation.KeySlotSet:   conversation.EncodeList(slotList),
	})
	if !ok {
		return
	}
	e.machine.ResetErrorCount(ctx, t.key)
	t.say(e.timeMenu(day, slotList))
}

func (e *Engine) selectTime(ctx context.Context, t *turn, st conversation.ConversationState) {
	var slots []string
	if !st.GetList(conversation.KeySlotSet, &slots) || len(slots) == 0 {
		e.start(ctx, t, false)
		return
	}
	idx, ok := choose(t.norm, len(slots))
	if !ok {
		idx, ok = e.matchTime(t.norm, slots)
	}
	if !ok {
		e.invalid(ctx, t, e.msgs.Invalid+"\n"+e.timeMenu(st.Get(conversation.KeyChosenDay), slots))
		return
	}
	if !e.dispatch(ctx, t, conversation.EventTimeSelected, map[string]string{conversation.KeySelectedSlot: slots[idx]}) {
		return
	}
	e.machine.ResetErrorCount(ctx, t.key)

	// A customer who already booked in this conversation is not asked again.
	if name := st.Get(conversation.KeyCustomerName); name != "" {
		if !e.dispatch(ctx, t, conversation.EventCustomerInfoProvided, map[string]string{conversation.KeyCustomerName: name}) {
			return
		}
		cur, _ := e.machine.Get(t.key)
		t.say(e.confirmText(cur, name))
		return
	}
	t.say(e.msgs.AskName)
}

func (e *Engine) provideName(ctx context.Context, t *turn, st conversation.ConversationState) {
	name, ok := cleanName(t.text)
	if !ok {
		e.invalid(ctx, t, e.msgs.InvalidName)
		return
	}
	if !e.dispatch(ctx, t, conversation.EventCustomerInfoProvided, map[string]string{conversation.KeyCustomerName: name}) {
		return
	}
	e.machine.ResetErrorCount(ctx, t.key)
	t.say(e.confirmText(st, name))
}

func (e *Engine) confirm(ctx context.Context, t *turn, st conversation.ConversationState) {
	switch {
	case isYes(t.norm):
		e.book(ctx, t, st)
	case isNo(t.norm):
		e.restart(ctx, t, conversation.EventRejected, e.msgs.Restart)
	default:
		e.invalid(ctx, t, e.msgs.Invalid+"\n"+e.confirmText(st, st.Get(conversation.KeyCustomerName)))
	}
}

func (e *Engine) book(ctx context.Context, t *turn, st conversation.ConversationState) {
	start, err := time.Parse(time.RFC3339, st.Get(conversation.KeySelectedSlot))
	if err != nil {
		e.fail(ctx, t, models.Wrap(err, models.CodeInvalidInput, "invalid stored slot"))
		return
	}
	draft := models.BookingDraft{
		TenantID:      t.key.TenantID,
		ServiceID:     st.Get(conversation.KeySelectedService),
		ServiceName:   st.Get(conversation.KeySelectedServiceName),
		Start:         start,
		CustomerName:  st.Get(conversation.KeyCustomerName),
		CustomerPhone: t.phone,
	}

	var appt models.Appointment
	err = e.call(ctx, t, "create_appointment", func(ctx context.Context) error {
		var err error
		appt, err = e.booking.CreateAppointment(ctx, draft)
		return err
	})
	if errors.Is(err, models.ErrConflict) {
		slog.Info("Flow slot taken, offering other times", "tenant", t.key.TenantID, "chat", t.key.ChatID, "start", start)
		day := st.Get(conversation.KeyChosenDay)
		slotList, serr := e.slots(ctx, t, draft.ServiceID, day)
		if serr != nil {
			e.fail(ctx, t, serr)
			return
		}
		if len(slotList) == 0 {
			t.say(render(e.msgs.NoSlots, "day", e.dayLabel(day)))
			e.restart(ctx, t, conversation.EventStart, "")
			return
		}
		if e.dispatch(ctx, t, conversation.EventSlotConflict, map[string]string{conversation.KeySlotSet: conversation.EncodeList(slotList)}) {
			t.say(e.msgs.SlotTaken + "\n" + e.slotLines(slotList))
		}
		return
	}
	if err != nil {
		e.fail(ctx, t, err)
		return
	}

	if !e.dispatch(ctx, t, conversation.EventConfirmed, map[string]string{conversation.KeyAppointmentID: appt.ID}) {
		return
	}
	e.machine.ResetErrorCount(ctx, t.key)
	slog.Info("Flow booking confirmed", "tenant", t.key.TenantID, "chat", t.key.ChatID, "appointment", appt.ID)
	local := appt.Start.In(e.cfg.Location)
	t.say(render(e.msgs.Booked,
		"service", draft.ServiceName,
		"day", e.dayLabel(local.Format(dayLayout)),
		"time", local.Format("15:04"),
	))
}

func (e *Engine) afterBooking(ctx context.Context, t *turn) {
	switch {
	case isYes(t.norm):
		e.restart(ctx, t, conversation.EventAddMore, "")
	case isNo(t.norm):
		e.finish(ctx, t)
	default:
		e.invalid(ctx, t, e.msgs.Invalid+" (*sim* / *não*)")
	}
}

func (e *Engine) finish(ctx context.Context, t *turn) {
	if !e.dispatch(ctx, t, conversation.EventFinish, nil) {
		return
	}
	e.gate.Deactivate(t.gkey)
	t.say(e.msgs.Goodbye)
}

func (e *Engine) appointments(ctx context.Context, t *turn) ([]bookingOption, error) {
	var list []models.Appointment
	err := e.call(ctx, t, "list_appointments", func(ctx context.Context) error {
		var err error
		list, err = e.booking.ListAppointments(ctx, t.key.TenantID, t.phone)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]bookingOption, len(list))
	for i, a := range list {
		out[i] = bookingOption{ID: a.ID, Service: a.ServiceName, Start: a.Start}
	}
	return out, nil
}

func (e *Engine) showBookings(ctx context.Context, t *turn, event conversation.Event, header string) {
	opts, err := e.appointments(ctx, t)
	if err != nil {
		e.fail(ctx, t, err)
		return
	}
	if !e.dispatch(ctx, t, event, map[string]string{conversation.KeyBookingSet: conversation.EncodeList(opts)}) {
		return
	}
	t.say(header, e.bookingList(opts))
}

func (e *Engine) manageBookings(ctx context.Context, t *turn, st conversation.ConversationState) {
	var opts []bookingOption
	st.GetList(conversation.KeyBookingSet, &opts)
	if len(opts) == 0 || isNo(t.norm) {
		e.start(ctx, t, false)
		return
	}
	idx, ok := choose(t.norm, len(opts))
	if !ok {
		e.invalid(ctx, t, e.msgs.Invalid+"\n"+e.bookingList(opts))
		return
	}
	target := opts[idx]
	err := e.call(ctx, t, "cancel_appointment", func(ctx context.Context) error {
		return e.booking.CancelAppointment(ctx, t.key.TenantID, target.ID)
	})
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		e.fail(ctx, t, err)
		return
	}
	e.machine.ResetErrorCount(ctx, t.key)
	slog.Info("Flow appointment cancelled", "tenant", t.key.TenantID, "chat", t.key.ChatID, "appointment", target.ID)
	e.showBookings(ctx, t, conversation.EventBookingCancelled, e.msgs.Cancelled)
}
