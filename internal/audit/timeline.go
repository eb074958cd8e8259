package audit

import "time"

// TimelineFilters narrows the audit timeline.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Entity   string
	Action   string
	Page     int
	PageSize int
}

func (f TimelineFilters) matches(row TimelineRow) bool {
	if !f.From.IsZero() && row.At.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && row.At.After(f.To) {
		return false
	}
	if f.Actor != "" && row.Actor != f.Actor {
		return false
	}
	if f.Entity != "" && row.Entity != f.Entity {
		return false
	}
	if f.Action != "" && row.Action != f.Action {
		return false
	}
	return true
}

// TimelineRow is one audit record.
type TimelineRow struct {
	At       time.Time      `json:"at"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entity_id"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// PagingInfo holds simple pagination metadata.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"has_next"`
	PageSize int  `json:"page_size"`
	PrevPage int  `json:"prev_page,omitempty"`
	NextPage int  `json:"next_page,omitempty"`
}

// Result wraps a timeline page.
type Result struct {
	Rows   []TimelineRow `json:"rows"`
	Paging PagingInfo    `json:"paging"`
}
