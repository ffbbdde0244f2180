package store

import "yms/yard-service/internal/models"

// transitionMap is the closed edge table of the ticket lifecycle. A ticket
// may only move along these edges; done and cancelled are terminal. The
// loading_done -> waiting edge is the multi-category loop and the
// loading_done -> done edge is the fast path for trucks that skip the
// BL/weigh-out leg.
var transitionMap = map[string][]string{
	models.StatusWaiting:     {models.StatusWeighedIn, models.StatusCancelled},
	models.StatusWeighedIn:   {models.StatusOnSale, models.StatusCancelled},
	models.StatusOnSale:      {models.StatusCalled, models.StatusCancelled},
	models.StatusCalled:      {models.StatusLoading, models.StatusCancelled},
	models.StatusLoading:     {models.StatusLoadingDone, models.StatusCancelled},
	models.StatusLoadingDone: {models.StatusDone, models.StatusBLIssued, models.StatusWaiting, models.StatusCancelled},
	models.StatusBLIssued:    {models.StatusDone, models.StatusWeighedOut, models.StatusCancelled},
	models.StatusWeighedOut:  {models.StatusDone, models.StatusCancelled},
}

// ValidTransition reports whether a ticket may move from one status to
// another. A no-op (to == from) is always valid for known statuses.
func ValidTransition(from, to string) bool {
	targets, ok := transitionMap[from]
	if !ok {
		return false
	}
	if to == from {
		return true
	}
	for _, target := range targets {
		if target == to {
			return true
		}
	}
	return false
}

// KnownStatus reports whether the status belongs to the lifecycle state set.
func KnownStatus(status string) bool {
	if _, ok := transitionMap[status]; ok {
		return true
	}
	return models.Terminal(status)
}
