// Package conversation implements the per-chat booking dialogue state machine.
package conversation

import (
	"encoding/json"
	"time"
)

// State is a step of the booking dialogue.
type State string

const (
	StateInitial                 State = "INITIAL"
	StateWaitingServiceSelection State = "WAITING_SERVICE_SELECTION"
	StateWaitingDaySelection     State = "WAITING_DAY_SELECTION"
	StateWaitingTimeSelection    State = "WAITING_TIME_SELECTION"
	StateWaitingCustomerInfo     State = "WAITING_CUSTOMER_INFO"
	StateWaitingConfirmation     State = "WAITING_CONFIRMATION"
	StateBookingConfirmed        State = "BOOKING_CONFIRMED"
	StateWaitingAddMore          State = "WAITING_ADD_MORE"
	StateViewingBookings         State = "VIEWING_BOOKINGS"
	StateHelpRequested           State = "HELP_REQUESTED"
	StateError                   State = "ERROR_STATE"
)

// IsValid reports whether s is one of the enumerated states.
func (s State) IsValid() bool {
	switch s {
	case StateInitial, StateWaitingServiceSelection, StateWaitingDaySelection,
		StateWaitingTimeSelection, StateWaitingCustomerInfo, StateWaitingConfirmation,
		StateBookingConfirmed, StateWaitingAddMore, StateViewingBookings,
		StateHelpRequested, StateError:
		return true
	default:
		return false
	}
}

// Event drives a transition.
type Event string

const (
	EventStart                Event = "start"
	EventServiceSelected      Event = "service_selected"
	EventDaySelected          Event = "day_selected"
	EventTimeSelected         Event = "time_selected"
	EventCustomerInfoProvided Event = "customer_info_provided"
	EventConfirmed            Event = "confirmed"
	EventRejected             Event = "rejected"
	EventSlotConflict         Event = "slot_conflict"
	EventAddMore              Event = "add_more"
	EventFinish               Event = "finish"
	EventViewBookings         Event = "view_bookings"
	EventBookingCancelled     Event = "booking_cancelled"
	EventHelp                 Event = "help"
	EventError                Event = "error"
	EventRecover              Event = "recover"
)

type transitionKey struct {
	from  State
	event Event
}

// Events accepted in every state.
var globalTransitions = map[Event]State{
	EventStart:        StateWaitingServiceSelection,
	EventViewBookings: StateViewingBookings,
	EventHelp:         StateHelpRequested,
	EventError:        StateError,
}

var transitions = map[transitionKey]State{
	{StateWaitingServiceSelection, EventServiceSelected}:  StateWaitingDaySelection,
	{StateWaitingDaySelection, EventDaySelected}:          StateWaitingTimeSelection,
	{StateWaitingTimeSelection, EventTimeSelected}:        StateWaitingCustomerInfo,
	{StateWaitingCustomerInfo, EventCustomerInfoProvided}: StateWaitingConfirmation,
	{StateWaitingConfirmation, EventConfirmed}:            StateBookingConfirmed,
	{StateWaitingConfirmation, EventRejected}:             StateWaitingServiceSelection,
	{StateWaitingConfirmation, EventSlotConflict}:         StateWaitingTimeSelection,
	{StateBookingConfirmed, EventAddMore}:                 StateWaitingAddMore,
	{StateBookingConfirmed, EventFinish}:                  StateInitial,
	{StateWaitingAddMore, EventServiceSelected}:           StateWaitingDaySelection,
	{StateWaitingAddMore, EventFinish}:                    StateInitial,
	{StateViewingBookings, EventBookingCancelled}:         StateViewingBookings,
	{StateViewingBookings, EventFinish}:                   StateInitial,
	{StateHelpRequested, EventRecover}:                    StateWaitingServiceSelection,
	{StateError, EventRecover}:                            StateWaitingServiceSelection,
}

// Next returns the state reached from `from` on `event`.
func Next(from State, event Event) (State, bool) {
	if to, ok := transitions[transitionKey{from, event}]; ok {
		return to, true
	}
	to, ok := globalTransitions[event]
	return to, ok
}

// Scratch keys written by the booking flow.
const (
	KeySelectedService     = "selectedService"
	KeySelectedServiceName = "selectedServiceName"
	KeyChosenDay           = "chosenDay"
	KeySelectedSlot        = "selectedSlot"
	KeyCustomerName        = "customerName"
	KeyAppointmentID       = "appointmentId"

	// Option lists shown to the user. Only the list belonging to the current
	// state is ever used to resolve a numeric reply.
	KeyServiceSet = "serviceSet"
	KeyDaySet     = "daySet"
	KeySlotSet    = "slotSet"
	KeyBookingSet = "bookingSet"
)

// Keys dropped when a state is entered, so a stale list can never be read as
// the current one.
var clearOnEnter = map[State][]string{
	StateWaitingServiceSelection: {KeyDaySet, KeySlotSet, KeyBookingSet},
	StateWaitingDaySelection:     {KeyServiceSet, KeySlotSet, KeyBookingSet},
	StateWaitingTimeSelection:    {KeyServiceSet, KeyDaySet, KeyBookingSet},
	StateWaitingCustomerInfo:     {KeyServiceSet, KeyDaySet, KeySlotSet},
	StateWaitingConfirmation:     {KeyServiceSet, KeyDaySet, KeySlotSet},
	StateWaitingAddMore:          {KeyDaySet, KeySlotSet, KeyBookingSet},
	StateViewingBookings:         {KeyServiceSet, KeyDaySet, KeySlotSet},
}

// ListKey returns the scratch key holding the options a numeric reply refers
// to in state s, or "" when s takes no numeric choice.
func ListKey(s State) string {
	switch s {
	case StateWaitingServiceSelection, StateWaitingAddMore:
		return KeyServiceSet
	case StateWaitingDaySelection:
		return KeyDaySet
	case StateWaitingTimeSelection:
		return KeySlotSet
	case StateViewingBookings:
		return KeyBookingSet
	default:
		return ""
	}
}

// Entry is one navigation stack frame.
type Entry struct {
	State State             `json:"state"`
	Data  map[string]string `json:"data,omitempty"`
}

// Key identifies a chat within a tenant.
type Key struct {
	TenantID string `json:"tenant_id"`
	ChatID   string `json:"chat_id"`
}

// ConversationState is the dialogue state of one chat.
type ConversationState struct {
	Key           Key               `json:"key"`
	CurrentState  State             `json:"current_state"`
	PreviousState State             `json:"previous_state,omitempty"`
	LastAction    string            `json:"last_action,omitempty"`
	MessageCount  int               `json:"message_count"`
	ErrorCount    int               `json:"error_count"`
	CreatedAt     time.Time         `json:"created_at"`
	LastActivity  time.Time         `json:"last_activity"`
	Scratch       map[string]string `json:"scratch"`
	Stack         []Entry           `json:"stack"`
}

func newState(key Key, now time.Time) *ConversationState {
	return &ConversationState{
		Key:          key,
		CurrentState: StateInitial,
		CreatedAt:    now,
		LastActivity: now,
		Scratch:      map[string]string{},
		Stack:        []Entry{{State: StateInitial}},
	}
}

// Clone returns a deep copy.
func (c *ConversationState) Clone() ConversationState {
	out := *c
	out.Scratch = cloneData(c.Scratch)
	if out.Scratch == nil {
		out.Scratch = map[string]string{}
	}
	out.Stack = make([]Entry, len(c.Stack))
	for i, e := range c.Stack {
		out.Stack[i] = Entry{State: e.State, Data: cloneData(e.Data)}
	}
	return out
}

// Get returns a scratch value.
func (c *ConversationState) Get(key string) string {
	return c.Scratch[key]
}

// GetList decodes a JSON list stored in scratch.
func (c *ConversationState) GetList(key string, out any) bool {
	raw, ok := c.Scratch[key]
	if !ok || raw == "" {
		return false
	}
	return json.Unmarshal([]byte(raw), out) == nil
}

// EncodeList encodes a list for storage in scratch.
func EncodeList(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func cloneData(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
