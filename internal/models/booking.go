package models

import (
	"fmt"
	"time"
)

// Service is a bookable offering of a tenant (e.g. a haircut).
type Service struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id"`
	Name            string `json:"name"`
	DurationMinutes int    `json:"duration_minutes"`
	PriceCents      int64  `json:"price_cents"`
}

// Price renders the price in reais.
func (s Service) Price() string {
	return fmt.Sprintf("R$ %d,%02d", s.PriceCents/100, s.PriceCents%100)
}

// Slot is a free start time on a given day.
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Label renders the slot start as HH:MM.
func (s Slot) Label() string {
	return s.Start.Format("15:04")
}

// DateRange is an inclusive range of days.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// BookingDraft holds what has been collected for an appointment so far.
type BookingDraft struct {
	TenantID      string    `json:"tenant_id"`
	ServiceID     string    `json:"service_id"`
	ServiceName   string    `json:"service_name,omitempty"`
	Start         time.Time `json:"start"`
	CustomerName  string    `json:"customer_name"`
	CustomerPhone string    `json:"customer_phone"`
}

// Complete reports whether every field required to book is present.
func (d BookingDraft) Complete() bool {
	return d.TenantID != "" && d.ServiceID != "" && !d.Start.IsZero() &&
		d.CustomerName != "" && d.CustomerPhone != ""
}

// AppointmentStatus is the lifecycle state of an appointment.
type AppointmentStatus string

const (
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// Appointment is a booked slot.
type Appointment struct {
	ID            string            `json:"id"`
	TenantID      string            `json:"tenant_id"`
	ServiceID     string            `json:"service_id"`
	ServiceName   string            `json:"service_name,omitempty"`
	CustomerName  string            `json:"customer_name"`
	CustomerPhone string            `json:"customer_phone"`
	Start         time.Time         `json:"start"`
	End           time.Time         `json:"end"`
	Status        AppointmentStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}
