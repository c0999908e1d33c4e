package entitycache

import "time"

// Descriptor defines one synced entity type: the Odoo model behind it,
// the fields fetched, and its cache and paging tuning.
type Descriptor struct {
	Name            string
	Model           string
	Domain          []any
	Fields          []string
	MaxAge          time.Duration
	SufficientCount int
	PageSize        int
	BulkLimit       int
}

// The built-in entity set. Field lists mirror what the mobile surfaces
// actually render; narrow lists keep bulk fetches under the server's
// response ceiling.
var (
	Contacts = Descriptor{
		Name:            "contacts",
		Model:           "res.partner",
		Fields:          []string{"name", "email", "phone", "mobile", "city", "function", "parent_id", "is_company", "write_date"},
		MaxAge:          15 * time.Minute,
		SufficientCount: 100,
		PageSize:        80,
		BulkLimit:       5000,
	}

	Channels = Descriptor{
		Name:            "channels",
		Model:           "discuss.channel",
		Fields:          []string{"name", "channel_type", "description", "member_count", "write_date"},
		MaxAge:          5 * time.Minute,
		SufficientCount: 20,
		PageSize:        80,
		BulkLimit:       2000,
	}

	Messages = Descriptor{
		Name:            "messages",
		Model:           "mail.message",
		Fields:          []string{"subject", "body", "author_id", "res_id", "model", "message_type", "date", "write_date"},
		MaxAge:          2 * time.Minute,
		SufficientCount: 100,
		PageSize:        80,
		BulkLimit:       2000,
	}

	Tickets = Descriptor{
		Name:            "tickets",
		Model:           "helpdesk.ticket",
		Fields:          []string{"name", "description", "partner_id", "user_id", "stage_id", "priority", "kanban_state", "write_date"},
		MaxAge:          10 * time.Minute,
		SufficientCount: 50,
		PageSize:        80,
		BulkLimit:       5000,
	}
)

// DefaultDescriptors returns the entity set in sync priority order:
// small, user-facing sets first.
func DefaultDescriptors() []Descriptor {
	return []Descriptor{Channels, Contacts, Tickets, Messages}
}
