package models

// Category is one product family a truck can load. Prefix feeds the ticket
// number; EstimatedDurationMinutes feeds wait estimates on the queue board.
type Category struct {
	Code                     string `json:"code"`
	SiteID                   string `json:"site_id"`
	Name                     string `json:"name"`
	Prefix                   string `json:"prefix"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes"`
}
