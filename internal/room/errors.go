package room

import "errors"

// errFullQueue is returned by a peer's send function when its outbound
// queue is saturated; callers log and drop, per spec section 7's
// "log and drop the single frame; never close the socket" policy for
// signaling-layer errors.
var errFullQueue = errors.New("room: peer send queue full")
