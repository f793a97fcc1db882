// Package notify turns engine events into recipient-addressed
// notifications and delivers them outside the engine's locks. Routing
// is pure; delivery failures are logged and retried here and never
// reach queue state.
package notify

import (
	"fmt"
	"time"

	"github.com/korjavin/officehours/pkg/models"
)

// RecipientKind distinguishes student and staff recipients
type RecipientKind string

const (
	// ToStudent addresses the notification to a student
	ToStudent RecipientKind = "student"
	// ToStaff addresses the notification to a staff member
	ToStaff RecipientKind = "staff"
)

// Recipient is one addressee of a notification
type Recipient struct {
	Kind RecipientKind
	Key  string
}

// Notification is one outbound message ready for delivery
type Notification struct {
	Recipient Recipient
	Text      string
	Event     models.Event
}

// Route maps engine events to notifications. One event can address
// several recipients; events that need no delivery produce none.
func Route(events []models.Event) []Notification {
	var out []Notification
	for _, ev := range events {
		switch ev.Type {
		case models.EventJoined:
			out = append(out, toStudent(ev,
				fmt.Sprintf("✅ You're in line for %s at position %d. I'll ping you when it's your turn.", ev.SectionID, ev.Position)))

		case models.EventPositionUpdate:
			out = append(out, toStudent(ev,
				fmt.Sprintf("📋 Queue update for %s: you're now at position %d.", ev.SectionID, ev.Position)))

		case models.EventClaimed:
			out = append(out, toStudent(ev,
				fmt.Sprintf("🎉 You're up! A staff member is ready for you in %s.", ev.SectionID)))

		case models.EventNowServing:
			out = append(out, toStaff(ev,
				fmt.Sprintf("👩‍🏫 Now serving the next student in %s. Use /done when you finish.", ev.SectionID)))

		case models.EventSessionComplete:
			out = append(out,
				toStudent(ev, fmt.Sprintf("🙏 Thanks for coming to office hours for %s! How did it go? Rate your session below.", ev.SectionID)),
				toStaff(ev, fmt.Sprintf("✅ Session finished (%s). Use /claim for the next student or /break to step away.", ev.ServedFor.Round(time.Second))))

		case models.EventEmptyQueue:
			out = append(out, toStaff(ev,
				fmt.Sprintf("😌 The queue for %s is empty. You'll stay open for new students.", ev.SectionID)))

		case models.EventLeft:
			out = append(out, toStudent(ev,
				fmt.Sprintf("👋 You left the queue for %s. Rejoin within a couple of minutes to keep your spot.", ev.SectionID)))

		case models.EventReturnedToQueue:
			out = append(out, toStudent(ev,
				fmt.Sprintf("↩️ Your staff member had to leave. You're back at the front of the %s queue (position %d).", ev.SectionID, ev.Position)))

		case models.EventBreakEnded:
			out = append(out, toStaff(ev,
				fmt.Sprintf("⏰ Your break in %s is over, you're open again. Use /claim to take the next student.", ev.SectionID)))
		}
	}
	return out
}

func toStudent(ev models.Event, text string) Notification {
	return Notification{
		Recipient: Recipient{Kind: ToStudent, Key: ev.StudentKey},
		Text:      text,
		Event:     ev,
	}
}

func toStaff(ev models.Event, text string) Notification {
	return Notification{
		Recipient: Recipient{Kind: ToStaff, Key: ev.StaffKey},
		Text:      text,
		Event:     ev,
	}
}
