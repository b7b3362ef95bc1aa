package main

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/horgh/irc"
	log "github.com/sirupsen/logrus"
)

// ConnState is where a connection is in its lifecycle.
type ConnState int

// Connection states, in the order a connection moves through them.
const (
	StateConnecting ConnState = iota
	StateAwaitingAuth
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateAwaitingAuth:
		return "AwaitingAuth"
	case StateAuthenticated:
		return "Authenticated"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return fmt.Sprintf("ConnState(%d)", int(s))
	}
}

// UserInfo is what a client told us about itself while registering.
type UserInfo struct {
	Nick     string
	Username string
	RealName string
	Password string
	Host     string
}

// ClientHost is the nick!user@host prefix of the client.
func (u UserInfo) ClientHost() string {
	return Sender{Nick: u.Nick, User: u.Username, Host: u.Host}.String()
}

// Connection is one client socket.
type Connection struct {
	// Locally unique identifier.
	ID uint64

	server *Server

	// conn is nil for connections not backed by a socket.
	conn *Conn

	// WriteChan is the channel to send to to write to the client.
	WriteChan chan irc.Message

	closeChan chan struct{}
	closeOnce sync.Once

	// Unix nanoseconds of the last line read.
	lastActivity atomic.Int64
	// Only touched by the server's event loop.
	lastPingTime time.Time

	// Protects the fields after it.
	mutex             sync.Mutex
	state             ConnState
	info              UserInfo
	session           *Session
	sendQueueExceeded bool

	PreMessageReceived  *Hook[*MessageEvent]
	MessageReceived     *Hook[*MessageEvent]
	PostMessageReceived *Hook[*MessageEvent]

	preAuth Subscriptions
}

// NewConnection creates a Connection and registers its built in handlers.
//
// conn may be nil.
func NewConnection(s *Server, id uint64, conn *Conn) *Connection {
	c := &Connection{
		ID:     id,
		server: s,
		conn:   conn,

		// Buffered channel. We don't want to block sending to the client from a
		// session. The client may be stuck. Make the buffer large enough that it
		// should only max out in case of connection issues.
		WriteChan: make(chan irc.Message, 32768),
		closeChan: make(chan struct{}),

		state: StateAwaitingAuth,

		PreMessageReceived:  newHook[*MessageEvent]("PreMessageReceived"),
		MessageReceived:     newHook[*MessageEvent]("MessageReceived"),
		PostMessageReceived: newHook[*MessageEvent]("PostMessageReceived"),
	}

	if conn != nil {
		c.info.Host = conn.Host
	}
	c.touch()

	c.preAuth = Subscriptions{
		c.MessageReceived.Subscribe(onCommand("USER", c.handleUSER)),
		c.MessageReceived.Subscribe(onCommand("NICK", c.handleNICK)),
		c.MessageReceived.Subscribe(onCommand("PASS", c.handlePASS)),
	}

	c.MessageReceived.Subscribe(onCommand("QUIT", c.handleQUIT))
	c.MessageReceived.Subscribe(onCommand("PING", c.handlePING))
	c.MessageReceived.Subscribe(onCommand("CAP", c.handleCAP))

	return c
}

// onCommand wraps fn so it only sees one command.
func onCommand(
	command string,
	fn func(*MessageEvent) error,
) func(*MessageEvent) error {
	return func(ev *MessageEvent) error {
		if ev.Message.Command != command {
			return nil
		}
		return fn(ev)
	}
}

func (c *Connection) String() string {
	if c.conn == nil {
		return fmt.Sprintf("%d", c.ID)
	}
	return fmt.Sprintf("%d %s", c.ID, c.conn.RemoteAddr())
}

func (c *Connection) serverName() string { return c.server.Config.ServerName }

// State returns the current state.
func (c *Connection) State() ConnState {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mutex.Lock()
	c.state = s
	c.mutex.Unlock()
}

// Info returns a copy of the client's details.
func (c *Connection) Info() UserInfo {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.info
}

// Nick is the client's current nick.
func (c *Connection) Nick() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.info.Nick
}

func (c *Connection) setNick(nick string) {
	c.mutex.Lock()
	c.info.Nick = nick
	c.mutex.Unlock()
}

// ClientHost is the client's nick!user@host.
func (c *Connection) ClientHost() string {
	return c.Info().ClientHost()
}

// Session is the session the connection is attached to, if any.
func (c *Connection) Session() *Session {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.session
}

func (c *Connection) setSession(s *Session) {
	c.mutex.Lock()
	c.session = s
	c.mutex.Unlock()

	if s != nil && c.conn != nil {
		c.conn.AddLogFields(log.Fields{"session": s.ID()})
	}
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity is when we last read a line.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// readLoop endlessly reads from the client's connection. It parses each IRC
// protocol message and runs it through the message pipeline.
func (c *Connection) readLoop() {
	defer c.server.WG.Done()

	for {
		if c.isClosing() {
			break
		}

		message, err := c.conn.ReadMessage()
		if err != nil {
			if _, ok := err.(*ProtocolError); ok {
				c.touch()
				continue
			}
			log.Printf("Client %s: %s", c, err)
			c.quit(fmt.Sprintf("Closing Link: %s (%s)", c.Info().Host,
				c.errorToQuitMessage(err)))
			break
		}

		c.touch()

		c.handleMessage(message)
	}

	log.Debugf("Client %s: Reader shutting down.", c)
}

// errorToQuitMessage turns a read error into something to tell the client.
func (c *Connection) errorToQuitMessage(err error) string {
	if err == nil || err.Error() == "" {
		return "I/O error"
	}

	msg := err.Error()
	if strings.Contains(msg, "i/o timeout") {
		return fmt.Sprintf("Ping timeout: %d seconds",
			int(c.server.Config.DeadTime.Seconds()))
	}
	if strings.Contains(msg, "connection reset by peer") {
		return "Connection reset by peer"
	}
	return msg
}

// writeLoop endlessly reads from the client's channel, encodes each message,
// and writes it to the client's connection.
//
// Once the connection is closing we write what is already queued and then
// close the socket.
func (c *Connection) writeLoop() {
	defer c.server.WG.Done()

Loop:
	for {
		select {
		case message := <-c.WriteChan:
			if err := c.writeMessage(message); err != nil {
				log.Printf("Client %s: %s", c, err)
				c.Close()
				break Loop
			}
		case <-c.closeChan:
			break Loop
		}
	}

Drain:
	for {
		select {
		case message := <-c.WriteChan:
			if err := c.writeMessage(message); err != nil {
				break Drain
			}
		default:
			break Drain
		}
	}

	if err := c.conn.Close(); err != nil {
		log.Debugf("Client %s: Problem closing connection: %s", c, err)
	}

	c.setState(StateClosed)
	log.Debugf("Client %s: Writer shutting down.", c)
}

func (c *Connection) writeMessage(m irc.Message) error {
	err := c.conn.WriteMessage(m)
	if encErr, ok := err.(*EncodeError); ok {
		log.Printf("Client %s: %s", c, encErr)
		return nil
	}
	return err
}

// handleMessage runs a message through the three stages. Any stage may
// cancel the ones after it.
func (c *Connection) handleMessage(m irc.Message) {
	if c.isClosing() {
		return
	}

	log.Debugf("Client %s: Message: %s", c, m)

	ev := &MessageEvent{Conn: c, Message: m}
	if !c.PreMessageReceived.Fire(ev) {
		return
	}
	if !c.MessageReceived.Fire(ev) {
		return
	}
	c.PostMessageReceived.Fire(ev)
}

func (c *Connection) isClosing() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

// Close shuts the connection and detaches it from its session. It is safe to
// call more than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		close(c.closeChan)

		if c.conn == nil {
			c.setState(StateClosed)
		}

		if s := c.Session(); s != nil {
			s.Detach(c)
		}

		if c.server != nil {
			c.server.connectionClosed(c)
		}
	})
}

// quit tells the client why it is being dropped and closes it.
func (c *Connection) quit(msg string) {
	c.Send(irc.Message{Command: "ERROR", Params: []string{msg}})
	c.Close()
}

// Send queues a message as is.
//
// This function won't block. If the client's queue is full, we close it.
func (c *Connection) Send(m irc.Message) {
	if c.isClosing() {
		return
	}

	select {
	case c.WriteChan <- m:
	default:
		c.mutex.Lock()
		exceeded := c.sendQueueExceeded
		c.sendQueueExceeded = true
		c.mutex.Unlock()
		if !exceeded {
			log.Printf("Client %s: Send queue exceeded", c)
			go c.Close()
		}
	}
}

// SendServer sends a message that appears to come from the client itself.
func (c *Connection) SendServer(m irc.Message) {
	m.Prefix = c.ClientHost()
	c.Send(m)
}

// SendServerMessage sends a message from the server.
func (c *Connection) SendServerMessage(m irc.Message) {
	m.Prefix = c.serverName()
	c.Send(m)
}

// SendGatewayServerMessage sends a notice from the gateway itself.
func (c *Connection) SendGatewayServerMessage(text string) {
	text = strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(text)
	c.Send(newNotice("", c.Nick(), text))
}

// SendNumericReply sends a numeric addressed to the client's nick.
func (c *Connection) SendNumericReply(code string, params ...string) {
	c.Send(numericReply(c.serverName(), c.Nick(), code, params...))
}

func (c *Connection) handleUSER(ev *MessageEvent) error {
	if len(ev.Message.Params) < 4 {
		c.SendNumericReply(errNeedMoreParams, "USER", "Not enough parameters")
		return nil
	}

	c.mutex.Lock()
	c.info.Username = ev.Message.Params[0]
	c.info.RealName = ev.Message.Params[3]
	c.mutex.Unlock()

	c.tryAuthenticate()
	return nil
}

func (c *Connection) handleNICK(ev *MessageEvent) error {
	if len(ev.Message.Params) < 1 || ev.Message.Params[0] == "" {
		c.SendNumericReply(errNoNicknameGiven, "No nickname given")
		return nil
	}

	c.setNick(ev.Message.Params[0])

	c.tryAuthenticate()
	return nil
}

func (c *Connection) handlePASS(ev *MessageEvent) error {
	if len(ev.Message.Params) < 1 {
		c.SendNumericReply(errNeedMoreParams, "PASS", "Not enough parameters")
		return nil
	}

	c.mutex.Lock()
	c.info.Password = ev.Message.Params[0]
	c.mutex.Unlock()
	return nil
}

func (c *Connection) handleQUIT(ev *MessageEvent) error {
	msg := "Client Quit"
	if len(ev.Message.Params) > 0 && ev.Message.Params[0] != "" {
		msg = ev.Message.Params[0]
	}
	c.quit(fmt.Sprintf("Closing Link: %s (%s)", c.Info().Host, msg))
	return nil
}

func (c *Connection) handlePING(ev *MessageEvent) error {
	token := c.serverName()
	if len(ev.Message.Params) > 0 {
		token = ev.Message.Params[0]
	}
	c.Send(newPong(c.serverName(), token))
	return nil
}

// handleCAP answers capability negotiation. We offer no capabilities.
func (c *Connection) handleCAP(ev *MessageEvent) error {
	if len(ev.Message.Params) == 0 {
		return nil
	}

	nick := c.Nick()
	if nick == "" {
		nick = "*"
	}

	switch strings.ToUpper(ev.Message.Params[0]) {
	case "LS", "LIST":
		c.SendServerMessage(irc.Message{
			Command: "CAP",
			Params:  []string{nick, strings.ToUpper(ev.Message.Params[0]), ""},
		})
	case "REQ":
		requested := ""
		if len(ev.Message.Params) > 1 {
			requested = ev.Message.Params[1]
		}
		c.SendServerMessage(irc.Message{
			Command: "CAP",
			Params:  []string{nick, "NAK", requested},
		})
	}
	return nil
}

// tryAuthenticate authenticates once we have both nick and user.
func (c *Connection) tryAuthenticate() {
	c.mutex.Lock()
	ready := c.state == StateAwaitingAuth && c.info.Nick != "" &&
		c.info.Username != ""
	c.mutex.Unlock()

	if !ready {
		return
	}

	c.server.authenticate(c)
}

// authenticateSucceeded finishes registration and hands the connection to
// the account's session.
func (c *Connection) authenticateSucceeded(user *User, svc Service) {
	c.setState(StateAuthenticated)

	info := c.Info()
	c.SendNumericReply(rplWelcome,
		"Welcome to the Internet Relay Network "+info.ClientHost())
	c.SendNumericReply(rplYourHost,
		fmt.Sprintf("Your host is %s, running version %s", c.serverName(),
			c.server.Config.Version))
	c.SendNumericReply(rplCreated,
		"This server was created "+c.server.StartTime.Format(time.RFC1123))
	c.SendNumericReply(rplMyInfo, c.serverName(), c.server.Config.Version, "i",
		"imnpst")
	c.sendMOTD()

	c.preAuth.UnsubscribeAll()

	log.Printf("Client %s: Authenticated as %s", c, info.ClientHost())

	c.server.attachSession(c, user, svc)
}

// sendMOTD ends the welcome burst. Clients wait for 376 or 422 before they
// consider themselves registered.
func (c *Connection) sendMOTD() {
	motd := c.server.Config.MOTD
	if motd == "" {
		c.SendNumericReply(errNoMOTD, "MOTD File is missing")
		return
	}

	c.SendNumericReply(rplMOTDStart,
		fmt.Sprintf("- %s Message of the day - ", c.serverName()))
	c.SendNumericReply(rplMOTD, "- "+motd)
	c.SendNumericReply(rplEndOfMOTD, "End of MOTD command")
}

// authenticateFailed tells the client and closes it after a delay.
func (c *Connection) authenticateFailed(err *AuthenticationError) {
	c.setState(StateClosing)

	log.Printf("Client %s: Authentication failed: %s", c, err)

	c.SendNumericReply(err.Numeric, err.Reason)

	delay := c.server.Config.AuthFailDelay
	go func() {
		select {
		case <-time.After(delay):
		case <-c.closeChan:
		}
		c.Close()
	}()
}

// AuthenticationError means the credentials were refused.
type AuthenticationError struct {
	Numeric string
	Reason  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s %s", e.Numeric, e.Reason)
}
