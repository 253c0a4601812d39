package session

import "errors"

var (
	ErrConnectivity = errors.New("connectivity_lost")
	ErrNoRoom       = errors.New("no_room")
	ErrNotSeated    = errors.New("not_seated")
	ErrNotPlaying   = errors.New("not_playing")
	ErrDiscarded    = errors.New("local_state_discarded")
	ErrRateLimited  = errors.New("rate_limited")
	ErrNoDrawOffer  = errors.New("no_draw_offer")
	ErrDrawPending  = errors.New("draw_offer_pending")
	ErrEmptyMessage = errors.New("empty_message")
)
