package models

import "time"

// Ticket is a single truck visit. Per-stage timestamps are set exactly once
// when the corresponding transition fires; they are never rewritten by later
// transitions (the category loop clears, not rewrites).
type Ticket struct {
	TicketID     string `json:"ticket_id"`
	TicketNumber string `json:"ticket_number"`
	SiteID       string `json:"site_id"`
	RequestID    string `json:"request_id,omitempty"`

	LicensePlate string `json:"license_plate"`
	DriverName   string `json:"driver_name,omitempty"`
	DriverPhone  string `json:"driver_phone,omitempty"`
	CompanyName  string `json:"company_name,omitempty"`
	SalesPerson  string `json:"sales_person,omitempty"`
	OrderRef     string `json:"order_ref,omitempty"`

	Categories    []string `json:"categories"`
	CategoryIndex int      `json:"category_index"`

	Status         string `json:"status"`
	Priority       string `json:"priority"`
	PriorityReason string `json:"priority_reason,omitempty"`
	CallZone       string `json:"call_zone,omitempty"`
	CalledBy       string `json:"called_by,omitempty"`
	LoadedProducts string `json:"loaded_products,omitempty"`
	Notes          string `json:"notes,omitempty"`

	WeightIn        *float64 `json:"weight_in,omitempty"`
	WeightOut       *float64 `json:"weight_out,omitempty"`
	NetWeight       *float64 `json:"net_weight,omitempty"`
	WeightInManual  bool     `json:"weight_in_manual,omitempty"`
	WeightOutManual bool     `json:"weight_out_manual,omitempty"`

	CreatedAt         time.Time  `json:"created_at"`
	ArrivedAt         time.Time  `json:"arrived_at"`
	WeighedInAt       *time.Time `json:"weighed_in_at,omitempty"`
	CalledAt          *time.Time `json:"called_at,omitempty"`
	LoadingStartedAt  *time.Time `json:"loading_started_at,omitempty"`
	LoadingFinishedAt *time.Time `json:"loading_finished_at,omitempty"`
	WeighedOutAt      *time.Time `json:"weighed_out_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ExitedAt          *time.Time `json:"exited_at,omitempty"`

	PrintedCount int `json:"printed_count"`

	// Version guards read-modify-write cycles; the store rejects updates
	// carrying a stale version.
	Version int64 `json:"version"`
}

const (
	StatusWaiting     = "waiting"
	StatusWeighedIn   = "weighed_in"
	StatusOnSale      = "on_sale"
	StatusCalled      = "called"
	StatusLoading     = "loading"
	StatusLoadingDone = "loading_done"
	StatusBLIssued    = "bl_issued"
	StatusWeighedOut  = "weighed_out"
	StatusDone        = "done"
	StatusCancelled   = "cancelled"
)

const (
	PriorityNormal   = "normal"
	PriorityUrgent   = "urgent"
	PriorityCritique = "critique"
)

// FallbackCategory groups tickets whose category list is empty or whose
// index points outside it on the queue board.
const FallbackCategory = "GEN"

// PriorityRank orders priorities on the queue board; lower serves first.
func PriorityRank(priority string) int {
	switch priority {
	case PriorityCritique:
		return 0
	case PriorityUrgent:
		return 1
	default:
		return 2
	}
}

func ValidPriority(priority string) bool {
	switch priority {
	case PriorityNormal, PriorityUrgent, PriorityCritique:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func Terminal(status string) bool {
	return status == StatusDone || status == StatusCancelled
}

// CurrentCategory resolves the category code for the active leg.
func (t Ticket) CurrentCategory() string {
	if t.CategoryIndex < 0 || t.CategoryIndex >= len(t.Categories) {
		return FallbackCategory
	}
	return t.Categories[t.CategoryIndex]
}
