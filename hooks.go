package main

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/horgh/irc"
	log "github.com/sirupsen/logrus"
)

// Cancelable is embedded in every hook event. A handler sets Cancel to stop
// the handlers and pipeline stages after it.
type Cancelable struct {
	Cancel bool
}

func (c *Cancelable) canceled() bool { return c.Cancel }

type canceler interface {
	canceled() bool
}

// Hook is a named list of handlers for one kind of event.
type Hook[E canceler] struct {
	name     string
	mutex    sync.RWMutex
	handlers []hookHandler[E]
}

type hookHandler[E canceler] struct {
	id string
	fn func(E) error
}

// Subscription identifies one handler on one hook.
type Subscription struct {
	ID          string
	unsubscribe func()
}

// Unsubscribe removes the handler. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.unsubscribe == nil {
		return
	}
	s.unsubscribe()
	s.unsubscribe = nil
}

// Subscriptions is a set of handlers to drop together.
type Subscriptions []*Subscription

// UnsubscribeAll removes every handler and empties the set.
func (ss *Subscriptions) UnsubscribeAll() {
	for _, s := range *ss {
		s.Unsubscribe()
	}
	*ss = nil
}

func newHook[E canceler](name string) *Hook[E] {
	return &Hook[E]{name: name}
}

// Subscribe adds fn to the end of the handler list.
func (h *Hook[E]) Subscribe(fn func(E) error) *Subscription {
	id := uuid.NewString()

	h.mutex.Lock()
	h.handlers = append(h.handlers, hookHandler[E]{id: id, fn: fn})
	h.mutex.Unlock()

	return &Subscription{
		ID:          id,
		unsubscribe: func() { h.remove(id) },
	}
}

func (h *Hook[E]) remove(id string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for i, hh := range h.handlers {
		if hh.id == id {
			h.handlers = append(h.handlers[:i:i], h.handlers[i+1:]...)
			return
		}
	}
}

// Len is the number of handlers.
func (h *Hook[E]) Len() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.handlers)
}

// Fire calls each handler in order. It returns false if a handler canceled
// the event.
//
// A handler's error or panic is logged and the next handler still runs.
func (h *Hook[E]) Fire(ev E) bool {
	h.mutex.RLock()
	handlers := make([]hookHandler[E], len(h.handlers))
	copy(handlers, h.handlers)
	h.mutex.RUnlock()

	for _, hh := range handlers {
		if err := h.call(hh, ev); err != nil {
			log.Warnf("Hook %s: Handler %s failed: %s", h.name, hh.id, err)
		}
		if ev.canceled() {
			return false
		}
	}

	return true
}

func (h *Hook[E]) call(hh hookHandler[E], ev E) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return hh.fn(ev)
}

// MessageEvent carries one inbound line.
type MessageEvent struct {
	Cancelable
	Conn    *Connection
	Message irc.Message
}

// ConnectionEvent is about a connection attaching to or leaving a session.
type ConnectionEvent struct {
	Cancelable
	Conn *Connection
}

// SessionEvent is a session lifecycle event.
type SessionEvent struct {
	Cancelable
	Session *Session
}

// StatusesEvent is a batch of statuses from one timeline poll.
type StatusesEvent struct {
	Cancelable
	Statuses    []*Status
	IsFirstTime bool
}

// StatusEvent follows one status through the delivery pipeline. Handlers may
// change Text and IRCMessageType.
type StatusEvent struct {
	Cancelable
	Status         *Status
	Text           string
	IRCMessageType string
	IsFirstTime    bool
}

// StatusRoutedEvent holds the targets picked for a status. Handlers may edit
// Routed.
type StatusRoutedEvent struct {
	Cancelable
	Status *Status
	Text   string
	Routed []RoutedGroup
}

// StatusGroupEvent is delivery of a status to one group.
type StatusGroupEvent struct {
	Cancelable
	Status         *Status
	Text           string
	IRCMessageType string
	Group          *Group
}

// UpdateStatusEvent is an outbound post from the user.
type UpdateStatusEvent struct {
	Cancelable
	Receiver    string
	Text        string
	InReplyToID int64
	Created     *Status
}

// SessionHooks are the extension points of a session.
type SessionHooks struct {
	PreMessageReceived  *Hook[*MessageEvent]
	MessageReceived     *Hook[*MessageEvent]
	PostMessageReceived *Hook[*MessageEvent]

	ConnectionAttached *Hook[*ConnectionEvent]
	ConnectionDetached *Hook[*ConnectionEvent]

	SessionStarted      *Hook[*SessionEvent]
	SessionEnded        *Hook[*SessionEvent]
	ConfigChanged       *Hook[*SessionEvent]
	AddInsLoadCompleted *Hook[*SessionEvent]

	PreProcessTimelineStatuses  *Hook[*StatusesEvent]
	PostProcessTimelineStatuses *Hook[*StatusesEvent]

	PreProcessTimelineStatus           *Hook[*StatusEvent]
	PreFilterProcessTimelineStatus     *Hook[*StatusEvent]
	PostFilterProcessTimelineStatus    *Hook[*StatusEvent]
	PreSendMessageTimelineStatus       *Hook[*StatusEvent]
	MessageRoutedTimelineStatus        *Hook[*StatusRoutedEvent]
	PreSendGroupMessageTimelineStatus  *Hook[*StatusGroupEvent]
	PostSendGroupMessageTimelineStatus *Hook[*StatusGroupEvent]
	PostSendMessageTimelineStatus      *Hook[*StatusEvent]
	PostProcessTimelineStatus          *Hook[*StatusEvent]

	UpdateStatusRequestReceived *Hook[*UpdateStatusEvent]
	PreSendUpdateStatus         *Hook[*UpdateStatusEvent]
	PostSendUpdateStatus        *Hook[*UpdateStatusEvent]
	UpdateStatusRequestCommited *Hook[*UpdateStatusEvent]
}

func newSessionHooks() *SessionHooks {
	return &SessionHooks{
		PreMessageReceived:  newHook[*MessageEvent]("PreMessageReceived"),
		MessageReceived:     newHook[*MessageEvent]("MessageReceived"),
		PostMessageReceived: newHook[*MessageEvent]("PostMessageReceived"),

		ConnectionAttached: newHook[*ConnectionEvent]("ConnectionAttached"),
		ConnectionDetached: newHook[*ConnectionEvent]("ConnectionDetached"),

		SessionStarted:      newHook[*SessionEvent]("SessionStarted"),
		SessionEnded:        newHook[*SessionEvent]("SessionEnded"),
		ConfigChanged:       newHook[*SessionEvent]("ConfigChanged"),
		AddInsLoadCompleted: newHook[*SessionEvent]("AddInsLoadCompleted"),

		PreProcessTimelineStatuses: newHook[*StatusesEvent](
			"PreProcessTimelineStatuses"),
		PostProcessTimelineStatuses: newHook[*StatusesEvent](
			"PostProcessTimelineStatuses"),

		PreProcessTimelineStatus: newHook[*StatusEvent](
			"PreProcessTimelineStatus"),
		PreFilterProcessTimelineStatus: newHook[*StatusEvent](
			"PreFilterProcessTimelineStatus"),
		PostFilterProcessTimelineStatus: newHook[*StatusEvent](
			"PostFilterProcessTimelineStatus"),
		PreSendMessageTimelineStatus: newHook[*StatusEvent](
			"PreSendMessageTimelineStatus"),
		MessageRoutedTimelineStatus: newHook[*StatusRoutedEvent](
			"MessageRoutedTimelineStatus"),
		PreSendGroupMessageTimelineStatus: newHook[*StatusGroupEvent](
			"PreSendGroupMessageTimelineStatus"),
		PostSendGroupMessageTimelineStatus: newHook[*StatusGroupEvent](
			"PostSendGroupMessageTimelineStatus"),
		PostSendMessageTimelineStatus: newHook[*StatusEvent](
			"PostSendMessageTimelineStatus"),
		PostProcessTimelineStatus: newHook[*StatusEvent](
			"PostProcessTimelineStatus"),

		UpdateStatusRequestReceived: newHook[*UpdateStatusEvent](
			"UpdateStatusRequestReceived"),
		PreSendUpdateStatus: newHook[*UpdateStatusEvent]("PreSendUpdateStatus"),
		PostSendUpdateStatus: newHook[*UpdateStatusEvent](
			"PostSendUpdateStatus"),
		UpdateStatusRequestCommited: newHook[*UpdateStatusEvent](
			"UpdateStatusRequestCommited"),
	}
}
