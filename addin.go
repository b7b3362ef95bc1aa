package main

import (
	"fmt"
	"strings"
	"time"
)

// AddIn extends a session through its hooks.
//
// Each session gets its own instance. Uninitialize must drop every
// subscription Initialize made.
type AddIn interface {
	Name() string
	Initialize(s *Session) error
	Uninitialize()
}

// builtinAddIns are the add-ins every session loads.
func builtinAddIns() []func() AddIn {
	return []func() AddIn{
		func() AddIn { return &consoleAddIn{} },
		func() AddIn { return &undoAddIn{} },
		func() AddIn { return &clientMessageWaitAddIn{} },
	}
}

// undoKeep is how many posted ids undo remembers.
const undoKeep = 10

// undoAddIn takes back the user's last post when they say "undo" in a
// channel. A post still waiting to be sent is canceled. Otherwise the last
// posted status is deleted.
type undoAddIn struct {
	session *Session
	subs    Subscriptions
	posted  *idRing
}

func (a *undoAddIn) Name() string { return "undo" }

func (a *undoAddIn) Initialize(s *Session) error {
	a.session = s
	a.posted = newIDRing(undoKeep)
	a.subs = Subscriptions{
		s.UpdateStatusRequestReceived.Subscribe(a.onUpdateRequest),
		s.PostSendUpdateStatus.Subscribe(a.onPosted),
	}
	return nil
}

func (a *undoAddIn) Uninitialize() {
	a.subs.UnsubscribeAll()
}

func (a *undoAddIn) onPosted(ev *UpdateStatusEvent) error {
	if ev.Created != nil {
		a.posted.Add(ev.Created.ID)
	}
	return nil
}

func (a *undoAddIn) onUpdateRequest(ev *UpdateStatusEvent) error {
	if !strings.HasPrefix(ev.Receiver, "#") {
		return nil
	}
	if strings.TrimSpace(ev.Text) != "undo" {
		return nil
	}

	ev.Cancel = true
	a.undo(ev.Receiver)
	return nil
}

func (a *undoAddIn) undo(receiver string) {
	s := a.session

	notify := func(text string) {
		s.SendChannelMessage(receiver, ServerNick, text, true, false, false, true)
	}

	if s.tryCancelDeferredUpdate() {
		notify("update canceled")
		return
	}

	id, ok := a.posted.Last()
	if !ok {
		notify("nothing to undo")
		return
	}

	ctx, cancel := s.apiContext()
	st, err := s.svc.DestroyStatus(ctx, id)
	cancel()
	if err != nil {
		notify(fmt.Sprintf("undo failed (%s)", err))
		return
	}

	a.posted.Remove(id)

	text := ""
	if st != nil {
		text = st.Text
	} else if cached, found := s.statuses.Get(id); found {
		text = cached.Text
	}
	notify("status deleted: " + text)
}

// clientMessageWaitAddIn pauses after each delivered status so slow clients
// are not flooded.
type clientMessageWaitAddIn struct {
	session *Session
	sub     *Subscription
}

func (a *clientMessageWaitAddIn) Name() string { return "client-message-wait" }

func (a *clientMessageWaitAddIn) Initialize(s *Session) error {
	a.session = s
	a.sub = s.PostSendMessageTimelineStatus.Subscribe(
		func(*StatusEvent) error {
			if wait := s.Config().ClientMessageWait; wait > 0 {
				time.Sleep(time.Duration(wait) * time.Millisecond)
			}
			return nil
		})
	return nil
}

func (a *clientMessageWaitAddIn) Uninitialize() {
	a.sub.Unsubscribe()
}
