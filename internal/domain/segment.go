package domain

import "time"

// Segment is a named outreach audience defined by a CEL expression over
// refill rows, e.g. `status == "Likely Lost" && lifetime_value > 1000.0`.
type Segment struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`

	// CEL expression; must evaluate to bool
	Expression string `json:"expression" yaml:"expression"`

	// Whether the reload worker publishes outreach events for it
	Outreach bool `json:"outreach" yaml:"outreach"`

	Enabled   bool      `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"-"`
}
