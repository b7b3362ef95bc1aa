package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// ServerNick is the nick the gateway itself talks as.
const ServerNick = "$TweetIrcGatewayServer$"

// Server holds the state for the gateway.
// I put everything global to a server in an instance of struct rather than
// have global variables.
type Server struct {
	Config *Config

	// When we close this channel, this indicates that we're shutting down.
	// Other goroutines can check if this channel is closed.
	ShutdownChan chan struct{}

	// Tell the server something on this channel.
	ToServerChan chan Event

	// TCP listener.
	Listener net.Listener

	// WaitGroup to ensure all goroutines clean up before we end.
	WG sync.WaitGroup

	StartTime time.Time

	// Builds a Service for a set of credentials.
	ServiceFactory ServiceFactory

	Store Store

	// AddIns builds the add-ins each new session gets.
	AddIns []func() AddIn

	// Connection id to Connection. Only the event loop touches this.
	connections map[uint64]*Connection

	// Protects sessions.
	sessionsMutex sync.Mutex
	// Account id to Session.
	sessions map[int64]*Session

	shutdownOnce sync.Once
}

// Event holds a message containing something to tell the server.
type Event struct {
	Type EventType

	Conn *Connection
}

// EventType is a type of event we can tell the server about.
type EventType int

const (
	// NullEvent is a default event. This means the event was not populated.
	NullEvent EventType = iota

	// NewConnectionEvent means a new client connected.
	NewConnectionEvent

	// DeadConnectionEvent means a connection closed. Forget it.
	DeadConnectionEvent

	// WakeUpEvent means the server should wake up and do bookkeeping.
	WakeUpEvent

	// ShutdownEvent means we got a signal to stop.
	ShutdownEvent
)

func main() {
	args, err := getArgs()
	if err != nil {
		log.Fatal(err)
	}

	cfg, err := checkAndParseConfig(args.ConfigFile)
	if err != nil {
		log.Fatalf("Configuration problem: %s", err)
	}

	log.SetLevel(cfg.LogLevel)

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal(err)
	}

	server := newServer(cfg, newAPIClientFactory(cfg), store)

	if err := server.start(args.ListenFD); err != nil {
		log.Fatal(err)
	}

	log.Printf("Server shutdown cleanly.")
}

func newServer(cfg *Config, factory ServiceFactory, store Store) *Server {
	return &Server{
		Config: cfg,

		// shutdown() closes this channel.
		ShutdownChan: make(chan struct{}),

		// We never manually close this channel.
		ToServerChan: make(chan Event),

		StartTime:      time.Now(),
		ServiceFactory: factory,
		Store:          store,
		AddIns:         builtinAddIns(),

		connections: make(map[uint64]*Connection),
		sessions:    make(map[int64]*Session),
	}
}

// start starts up the server.
//
// We open the TCP port, start goroutines, and then receive messages on our
// channels.
func (s *Server) start(listenFD int) error {
	ln, err := s.listen(listenFD)
	if err != nil {
		return err
	}
	s.Listener = ln

	// acceptConnections accepts connections on the TCP listener.
	s.WG.Add(1)
	go s.acceptConnections()

	// Alarm is a goroutine to wake up this one periodically so we can do things
	// like ping clients.
	s.WG.Add(1)
	go s.alarm()

	s.WG.Add(1)
	go s.signalHandler()

	log.Printf("ircgateway started")

	s.eventLoop()

	s.WG.Wait()

	if err := s.Store.Close(); err != nil {
		log.Printf("Problem closing store: %s", err)
	}

	return nil
}

// listen opens the listener. If we were handed one as a file descriptor we
// use it.
func (s *Server) listen(listenFD int) (net.Listener, error) {
	var ln net.Listener
	if listenFD != -1 {
		f := os.NewFile(uintptr(listenFD), "<listener fd>")
		l, err := net.FileListener(f)
		if err != nil {
			return nil, errors.Wrap(err, "unable to use listener fd")
		}
		_ = f.Close()
		ln = l
	} else {
		l, err := net.Listen("tcp", net.JoinHostPort(s.Config.ListenHost,
			s.Config.ListenPort))
		if err != nil {
			return nil, errors.Wrap(err, "unable to listen")
		}
		ln = l
	}

	if s.Config.TLSCert == "" {
		return ln, nil
	}

	cert, err := tls.LoadX509KeyPair(s.Config.TLSCert, s.Config.TLSKey)
	if err != nil {
		_ = ln.Close()
		return nil, errors.Wrap(err, "unable to load TLS certificate")
	}

	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// eventLoop processes events on the server's channel.
//
// It continues until the shutdown channel closes, indicating shutdown.
func (s *Server) eventLoop() {
	for {
		select {
		case evt := <-s.ToServerChan:
			switch evt.Type {
			case NewConnectionEvent:
				log.Printf("New client connection: %s", evt.Conn)
				s.connections[evt.Conn.ID] = evt.Conn
			case DeadConnectionEvent:
				delete(s.connections, evt.Conn.ID)
			case WakeUpEvent:
				s.checkAndPingClients()
			case ShutdownEvent:
				s.shutdown()
			default:
				log.Errorf("Unexpected event: %d", evt.Type)
			}

		case <-s.ShutdownChan:
			return
		}
	}
}

// shutdown starts server shutdown.
func (s *Server) shutdown() {
	s.shutdownOnce.Do(func() {
		log.Printf("Server shutdown initiated.")

		// Closing ShutdownChan indicates to other goroutines that we're shutting
		// down.
		close(s.ShutdownChan)

		if s.Listener != nil {
			if err := s.Listener.Close(); err != nil {
				log.Printf("Problem closing TCP listener: %s", err)
			}
		}

		for _, session := range s.Sessions() {
			session.Close()
		}

		// Connections not attached to a session yet.
		for _, conn := range s.connections {
			conn.quit("Server shutting down")
		}
	})
}

// acceptConnections accepts TCP connections and tells the main server loop
// through a channel. It sets up separate goroutines for reading/writing to
// and from the client.
func (s *Server) acceptConnections() {
	defer s.WG.Done()

	id := uint64(0)

	for {
		if s.isShuttingDown() {
			break
		}

		conn, err := s.Listener.Accept()
		if err != nil {
			if s.isShuttingDown() {
				break
			}
			log.Printf("Failed to accept connection: %s", err)
			continue
		}

		c := NewConnection(s, id, NewConn(conn, s.Config.DeadTime))

		id++

		// ToServerChan is synchronous. We want to make sure server knows about the
		// connection before it can hear that it died.
		s.newEvent(Event{Type: NewConnectionEvent, Conn: c})

		s.WG.Add(1)
		go c.readLoop()
		s.WG.Add(1)
		go c.writeLoop()
	}

	log.Printf("Connection accepter shutting down.")
}

// Return true if the server is shutting down.
func (s *Server) isShuttingDown() bool {
	// No messages get sent to this channel, so if we receive a message on it,
	// then we know the channel was closed.
	select {
	case <-s.ShutdownChan:
		return true
	default:
		return false
	}
}

// Alarm sends a message to the server goroutine to wake it up.
// It sleeps and then repeats.
func (s *Server) alarm() {
	defer s.WG.Done()

	for {
		select {
		case <-time.After(s.Config.WakeupTime):
			s.newEvent(Event{Type: WakeUpEvent})
		case <-s.ShutdownChan:
			log.Printf("Alarm shutting down.")
			return
		}
	}
}

func (s *Server) signalHandler() {
	defer s.WG.Done()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(ch)

	select {
	case sig := <-ch:
		log.Printf("Received signal: %s", sig)
		s.newEvent(Event{Type: ShutdownEvent})
	case <-s.ShutdownChan:
	}
}

// checkAndPingClients looks at each connection.
//
// If they've been idle a short time, we send them a PING (if they're
// authenticated).
//
// If they've been idle a long time, we kill their connection.
func (s *Server) checkAndPingClients() {
	now := time.Now()

	for _, c := range s.connections {
		timeIdle := now.Sub(c.LastActivity())

		if timeIdle > s.Config.DeadTime {
			c.quit(fmt.Sprintf("Ping timeout: %d seconds",
				int(timeIdle.Seconds())))
			continue
		}

		if c.State() != StateAuthenticated {
			continue
		}

		// Was it active recently enough that we don't need to do anything?
		if timeIdle < s.Config.PingTime {
			continue
		}

		// Should we ping it? We might have pinged it recently.
		if now.Sub(c.lastPingTime) < s.Config.PingTime {
			continue
		}

		c.Send(newPing(s.Config.ServerName))
		c.lastPingTime = now
	}
}

// newEvent tells the server something happens.
//
// Any goroutine can call this function.
//
// It will not block on shutdown as we select on the shutdown channel which we
// close when shutting down the server.
func (s *Server) newEvent(evt Event) {
	select {
	case s.ToServerChan <- evt:
	case <-s.ShutdownChan:
	}
}

// connectionClosed is called once per closed connection.
//
// The event loop itself closes connections, so we must not block here.
func (s *Server) connectionClosed(c *Connection) {
	go s.newEvent(Event{Type: DeadConnectionEvent, Conn: c})
}

// authenticate verifies the connection's credentials against the remote
// service. On success the connection is attached to the account's session.
func (s *Server) authenticate(c *Connection) {
	info := c.Info()

	if info.Password == "" {
		c.authenticateFailed(&AuthenticationError{
			Numeric: errPasswdMismatch,
			Reason:  "Password Incorrect",
		})
		return
	}

	svc := s.ServiceFactory(info.Username, info.Password)

	ctx, cancel := context.WithTimeout(context.Background(),
		s.Config.APITimeout)
	user, err := svc.VerifyCredentials(ctx)
	cancel()
	if err != nil {
		if isTransportError(err) {
			c.SendGatewayServerMessage(
				fmt.Sprintf("Unable to reach the service: %s", err))
		} else if !isAuthFailure(err) {
			log.Printf("Client %s: Verifying credentials: %s", c, err)
		}
		c.authenticateFailed(&AuthenticationError{
			Numeric: errPasswdMismatch,
			Reason:  "Password Incorrect",
		})
		return
	}

	c.authenticateSucceeded(user, svc)
}

// attachSession attaches c to the account's session. A session that began
// closing after we looked it up has already left the table, so we look again.
func (s *Server) attachSession(c *Connection, user *User, svc Service) {
	for {
		if s.getOrCreateSession(user, svc).Attach(c) {
			return
		}
	}
}

// getOrCreateSession returns the account's session, creating it if needed.
// A session that is closing is replaced.
func (s *Server) getOrCreateSession(user *User, svc Service) *Session {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	if session, exists := s.sessions[user.ID]; exists && !session.isClosing() {
		return session
	}

	session := newSession(s, user, svc)
	s.sessions[user.ID] = session
	log.WithFields(log.Fields{"session": user.ID}).
		Printf("Session created for %s", user.ScreenName)
	return session
}

// removeSession forgets a session that closed.
func (s *Server) removeSession(session *Session) {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	if s.sessions[session.ID()] == session {
		delete(s.sessions, session.ID())
	}
}

// Sessions returns a snapshot of the live sessions.
func (s *Server) Sessions() []*Session {
	s.sessionsMutex.Lock()
	defer s.sessionsMutex.Unlock()

	sessions := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		sessions = append(sessions, session)
	}
	return sessions
}
