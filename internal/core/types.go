package core

import (
	"strings"
	"time"
)

// Status describes who holds the key.
type Status string

const (
	// StatusPresent means the key is on its hook.
	StatusPresent Status = "present"
	// StatusTaken means the key is out but not yet overdue.
	StatusTaken Status = "taken"
	// StatusMissing means the key has been out longer than the missing timeout.
	StatusMissing Status = "missing"
)

// QueueEntry is one reservation in the FIFO queue. Only the head may carry an
// expiry, and only while the key is present.
type QueueEntry struct {
	ClientID       string
	ExpiresAt      time.Time
	ExpiryDuration time.Duration
}

// HasExpiry reports whether the entry holds an active expiry.
func (e QueueEntry) HasExpiry() bool {
	return !e.ExpiresAt.IsZero()
}

// QueueItem is the wire form of a queue entry. Times are unix milliseconds.
type QueueItem struct {
	ClientID   string `json:"clientId"`
	Expires    int64  `json:"expires,omitempty"`
	ExpiryTime int64  `json:"expiryTime,omitempty"`
	ExpiresIn  *int64 `json:"expiresIn,omitempty"`
}

// Snapshot is an immutable copy of the resource state handed to observers and
// collaborators.
type Snapshot struct {
	KeyPresent      bool        `json:"keyPresent"`
	KeyMissing      bool        `json:"keyMissing"`
	KeyTakenOn      *time.Time  `json:"keyTakenOn,omitempty"`
	KeyMissingSince *time.Time  `json:"keyMissingSince,omitempty"`
	DebugMode       bool        `json:"debugMode,omitempty"`
	Queue           []QueueItem `json:"queue"`
}

// Status derives the custody status from the snapshot flags.
func (s Snapshot) Status() Status {
	switch {
	case s.KeyPresent:
		return StatusPresent
	case s.KeyMissing:
		return StatusMissing
	default:
		return StatusTaken
	}
}

// Head returns the first queue entry when the queue is non-empty.
func (s Snapshot) Head() (QueueItem, bool) {
	if len(s.Queue) == 0 {
		return QueueItem{}, false
	}
	return s.Queue[0], true
}

// Position returns the zero-based queue position of clientID, or -1.
func (s Snapshot) Position(clientID string) int {
	for i, item := range s.Queue {
		if item.ClientID == clientID {
			return i
		}
	}
	return -1
}

// EventType names a broadcast message.
type EventType string

const (
	EventHello              EventType = "HELLO"
	EventKeyTaken           EventType = "EV_KEY_TAKEN"
	EventKeyReturned        EventType = "EV_KEY_RETURNED"
	EventKeyWentMissing     EventType = "EV_KEY_WENT_MISSING"
	EventReservationQueued  EventType = "EV_RESERVATION_QUEUED"
	EventReservationRemoved EventType = "EV_RESERVATION_REMOVED"
)

// Event is the outbound message delivered to observers.
type Event struct {
	Type     EventType `json:"type"`
	State    Snapshot  `json:"state"`
	ClientID string    `json:"clientId,omitempty"`
	Success  *bool     `json:"success,omitempty"`
}

// Request types accepted from clients.
const (
	RequestEnqueue    = "REQ_ENQUEUE"
	RequestLeaveQueue = "REQ_LEAVE_QUEUE"
)

// Reply is the human readable status returned to a requesting client.
type Reply string

const (
	replyDone = "DONE!"
	replyFail = "FAIL!"
)

func replyDoneFor(clientID string) Reply {
	return Reply(replyDone + clientID)
}

func replyEnqueueFailed(clientID string) Reply {
	return Reply(replyFail + " maybe already enqueued, client " + clientID)
}

// OK reports whether the reply signals success.
func (r Reply) OK() bool {
	return strings.HasPrefix(string(r), replyDone)
}

func (r Reply) String() string {
	return string(r)
}
