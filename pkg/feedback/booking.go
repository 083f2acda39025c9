package feedback

import (
	"context"

	"feedback-agent/pkg/errors"
)

// Booking holds the guest and stay details used to place and
// personalize a feedback call
type Booking struct {
	ID         string `json:"id"`
	GuestName  string `json:"guest_name"`
	Phone      string `json:"phone"`
	HostelName string `json:"hostel_name"`
	CheckIn    string `json:"check_in"`
	CheckOut   string `json:"check_out"`
	RoomNumber string `json:"room_number"`
}

// BookingLookup resolves booking IDs to stay details
type BookingLookup interface {
	GetBooking(ctx context.Context, bookingID string) (*Booking, error)
}

// StaticBookingLookup serves a fixed set of bookings. It stands in for
// the property-management system in demos and tests.
type StaticBookingLookup struct {
	bookings map[string]*Booking
}

// NewStaticBookingLookup returns a lookup preloaded with demo bookings
func NewStaticBookingLookup() *StaticBookingLookup {
	return &StaticBookingLookup{
		bookings: map[string]*Booking{
			"BK-2024-001": {
				ID:         "BK-2024-001",
				GuestName:  "Rohil Pal",
				Phone:      "+919373806498",
				HostelName: "City Center Hostel",
				CheckIn:    "2024-01-15",
				CheckOut:   "2024-01-20",
				RoomNumber: "204",
			},
			"BK-2024-002": {
				ID:         "BK-2024-002",
				GuestName:  "Jane Smith",
				Phone:      "+0987654321",
				HostelName: "City Center Hostel",
				CheckIn:    "2024-01-18",
				CheckOut:   "2024-01-22",
				RoomNumber: "108",
			},
		},
	}
}

// GetBooking returns the booking or ErrBookingNotFound
func (l *StaticBookingLookup) GetBooking(ctx context.Context, bookingID string) (*Booking, error) {
	booking, ok := l.bookings[bookingID]
	if !ok {
		return nil, errors.Wrap(errors.ErrBookingNotFound, "unknown booking", map[string]interface{}{
			"booking_id": bookingID,
		})
	}
	b := *booking
	return &b, nil
}
