package domain

import "time"

// DateLayout is the wire format of booking dates.
const DateLayout = "2006-01-02"

// Listing is the bookable unit. The core only reads it.
type Listing struct {
	ID          string `json:"id"`
	HostID      string `json:"hostId"`
	AgencyID    string `json:"agencyId,omitempty"`
	NightlyRate int64  `json:"nightlyRate"`
	Active      bool   `json:"active"`
}

// ReservationStatus is the booking lifecycle state.
type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "PENDING"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationPaid      ReservationStatus = "PAID"
	ReservationCheckedIn ReservationStatus = "CHECKED_IN"
	ReservationCompleted ReservationStatus = "COMPLETED"
	ReservationCancelled ReservationStatus = "CANCELLED"
)

// HoldingStatuses are the statuses that occupy a listing's dates.
var HoldingStatuses = []ReservationStatus{ReservationConfirmed, ReservationPaid, ReservationCheckedIn}

// HoldsDates reports whether a reservation in this status blocks its range.
func (s ReservationStatus) HoldsDates() bool {
	switch s {
	case ReservationConfirmed, ReservationPaid, ReservationCheckedIn:
		return true
	}
	return false
}

// Reservation is a guest's claim on [StartDate, EndDate) of a listing.
type Reservation struct {
	ID          string            `json:"id"`
	ListingID   string            `json:"listingId"`
	GuestID     string            `json:"guestId"`
	StartDate   time.Time         `json:"startDate"`
	EndDate     time.Time         `json:"endDate"`
	Status      ReservationStatus `json:"status"`
	Nights      int               `json:"nights"`
	NightlyRate int64             `json:"nightlyRate"`
	FeeAmount   int64             `json:"feeAmount"`
	TotalPrice  int64             `json:"totalPrice"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Overlaps is the half-open interval test: existing.start < newEnd AND existing.end > newStart.
func (r *Reservation) Overlaps(start, end time.Time) bool {
	return r.StartDate.Before(end) && r.EndDate.After(start)
}

// NormalizeDate truncates t to midnight UTC.
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date for the given field.
func ParseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, Invalid(field, "must be a YYYY-MM-DD date")
	}
	return t.UTC(), nil
}

// Nights counts the nights in [start, end).
func Nights(start, end time.Time) int {
	return int(NormalizeDate(end).Sub(NormalizeDate(start)).Hours() / 24)
}
