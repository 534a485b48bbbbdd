package presence

import "sync"

// Status is the agent presence state with its backend wire code.
type Status int

const (
	StatusInit    Status = 0
	StatusOffline Status = 1
	StatusIdle    Status = 2
	StatusBusy    Status = 3
	StatusResting Status = 4
	StatusDialing Status = 5
	StatusWrapUp  Status = 6
	// StatusPostCall is the short idle window right after wrap-up clears.
	StatusPostCall Status = 7
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "init"
	case StatusOffline:
		return "offline"
	case StatusIdle:
		return "idle"
	case StatusBusy:
		return "busy"
	case StatusResting:
		return "resting"
	case StatusDialing:
		return "dialing"
	case StatusWrapUp:
		return "wrap_up"
	case StatusPostCall:
		return "post_call"
	default:
		return "unknown"
	}
}

// CanDial reports whether an outbound call may be placed in this status.
func (s Status) CanDial() bool {
	switch s {
	case StatusIdle, StatusWrapUp, StatusPostCall:
		return true
	default:
		return false
	}
}

// Cache is the last-known presence status and routing identifier. It is
// updated only from inbound status frames or confirmed backend responses,
// never optimistically.
type Cache struct {
	mu        sync.RWMutex
	status    Status
	routingID string
}

// NewCache creates a cache in the initial status.
func NewCache() *Cache {
	return &Cache{status: StatusInit}
}

// Status returns the last-known agent status.
func (c *Cache) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// SetStatus records a backend-confirmed status.
func (c *Cache) SetStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// RoutingID returns the backend-assigned routing identifier.
func (c *Cache) RoutingID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.routingID
}

// SetRoutingID records the routing identifier from an auth frame.
func (c *Cache) SetRoutingID(id string) {
	c.mu.Lock()
	c.routingID = id
	c.mu.Unlock()
}

// Reset returns the cache to the initial state.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.status = StatusInit
	c.routingID = ""
	c.mu.Unlock()
}
