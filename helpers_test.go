package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/horgh/irc"
)

// fakeService is an in memory Service.
type fakeService struct {
	mutex sync.Mutex

	user      *User
	verifyErr error

	timeline    []*Status
	timelineErr error

	// When set, HomeTimeline signals timelineCalled and waits until
	// timelineGate is closed.
	timelineGate   chan struct{}
	timelineCalled chan struct{}
	mentions    []*Status
	dms         []*DirectMessage

	friends         []*User
	friendsComplete bool
	friendsErr      error
	friendsCalls    int

	users    map[string]*User
	statuses map[int64]*Status

	// Returned by UpdateStatus in order, one per call. nil means success.
	updateErrs []error
	updates    []string
	replyTo    []int64
	nextID     int64

	destroyed []int64
	dmsSent   []string
	favorites []int64
	follows   []string
}

func newFakeService() *fakeService {
	return &fakeService{
		user:            &User{ID: 1, ScreenName: "me", Name: "Me"},
		friendsComplete: true,
		users:           map[string]*User{},
		statuses:        map[int64]*Status{},
		nextID:          1000,
	}
}

func (f *fakeService) VerifyCredentials(ctx context.Context) (*User, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	return f.user, nil
}

func (f *fakeService) HomeTimeline(ctx context.Context, sinceID int64,
	count int) ([]*Status, error) {
	f.mutex.Lock()
	gate, called := f.timelineGate, f.timelineCalled
	f.mutex.Unlock()

	if gate != nil {
		select {
		case called <- struct{}{}:
		default:
		}
		<-gate
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.timelineErr != nil {
		return nil, f.timelineErr
	}
	return f.timeline, nil
}

func (f *fakeService) Mentions(ctx context.Context, sinceID int64) ([]*Status,
	error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.mentions, nil
}

func (f *fakeService) DirectMessages(ctx context.Context,
	sinceID int64) ([]*DirectMessage, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.dms, nil
}

func (f *fakeService) UpdateStatus(ctx context.Context, text string,
	inReplyToID int64) (*Status, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return nil, err
		}
	}

	f.nextID++
	st := &Status{ID: f.nextID, Text: text, InReplyToID: inReplyToID,
		User: f.user, CreatedAt: time.Now()}
	f.updates = append(f.updates, text)
	f.replyTo = append(f.replyTo, inReplyToID)
	f.statuses[st.ID] = st
	return st, nil
}

func (f *fakeService) DestroyStatus(ctx context.Context, id int64) (*Status,
	error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.destroyed = append(f.destroyed, id)
	return f.statuses[id], nil
}

func (f *fakeService) SendDirectMessage(ctx context.Context, screenName,
	text string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.dmsSent = append(f.dmsSent, screenName+": "+text)
	return nil
}

func (f *fakeService) Friends(ctx context.Context, maxPages int) ([]*User,
	bool, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.friendsCalls++
	return f.friends, f.friendsComplete, f.friendsErr
}

func (f *fakeService) GetUser(ctx context.Context, screenName string) (*User,
	error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	u, ok := f.users[strings.ToLower(screenName)]
	if !ok {
		return nil, &ServiceError{Op: "users/show", StatusCode: 404}
	}
	return u, nil
}

func (f *fakeService) GetStatus(ctx context.Context, id int64) (*Status,
	error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	st, ok := f.statuses[id]
	if !ok {
		return nil, &ServiceError{Op: "statuses/show", StatusCode: 404}
	}
	return st, nil
}

func (f *fakeService) userAction(op, screenName string) (*User, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.follows = append(f.follows, op+" "+screenName)
	return &User{ScreenName: screenName}, nil
}

func (f *fakeService) CreateFriendship(ctx context.Context,
	screenName string) (*User, error) {
	return f.userAction("follow", screenName)
}

func (f *fakeService) DestroyFriendship(ctx context.Context,
	screenName string) (*User, error) {
	return f.userAction("unfollow", screenName)
}

func (f *fakeService) CreateBlock(ctx context.Context,
	screenName string) (*User, error) {
	return f.userAction("block", screenName)
}

func (f *fakeService) DestroyBlock(ctx context.Context,
	screenName string) (*User, error) {
	return f.userAction("unblock", screenName)
}

func (f *fakeService) CreateFavorite(ctx context.Context, id int64) (*Status,
	error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.favorites = append(f.favorites, id)
	return f.statuses[id], nil
}

func (f *fakeService) DestroyFavorite(ctx context.Context, id int64) (*Status,
	error) {
	return f.CreateFavorite(ctx, -id)
}

func (f *fakeService) Retweet(ctx context.Context, id int64) (*Status,
	error) {
	return f.CreateFavorite(ctx, id)
}

func (f *fakeService) updateCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return len(f.updates)
}

// memoryStore is a Store that keeps encoded records in a map.
type memoryStore struct {
	mutex   sync.Mutex
	records map[string][]byte
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string][]byte{}}
}

func (m *memoryStore) Load(identity, name string, v interface{}) (bool,
	error) {
	m.mutex.Lock()
	buf, ok := m.records[identity+"/"+name]
	m.mutex.Unlock()
	if !ok {
		return false, nil
	}
	return true, decodeRecord(buf, v)
}

func (m *memoryStore) Save(identity, name string, v interface{}) error {
	buf, err := encodeRecord(v)
	if err != nil {
		return err
	}
	m.mutex.Lock()
	m.records[identity+"/"+name] = buf
	m.mutex.Unlock()
	return nil
}

func (m *memoryStore) Close() error { return nil }

// newTestServer builds a Server with no listener. Every credential gets svc.
func newTestServer(t *testing.T, svc *fakeService) *Server {
	t.Helper()

	defaults := defaultUserConfig()
	defaults.UpdateDelayTime = 0

	cfg := &Config{
		ServerName:    "irc.example.org",
		Version:       "ircgateway-test",
		WakeupTime:    time.Second,
		PingTime:      30 * time.Second,
		DeadTime:      60 * time.Second,
		AuthFailDelay: 10 * time.Millisecond,
		APITimeout:    time.Second,
		WebURL:        "https://twitter.com",
		UserDefaults:  defaults,
	}

	s := newServer(cfg, func(username, password string) Service {
		if password != "secret" {
			return &rejectingService{svc}
		}
		return svc
	}, newMemoryStore())

	t.Cleanup(s.shutdown)
	return s
}

// rejectingService refuses every credential.
type rejectingService struct {
	*fakeService
}

func (r *rejectingService) VerifyCredentials(ctx context.Context) (*User,
	error) {
	return nil, &ServiceError{Op: "verify_credentials", StatusCode: 401}
}

var nextConnectionID uint64

// newTestConnection creates a connection with no socket. What it is sent
// collects on its WriteChan.
func newTestConnection(s *Server) *Connection {
	nextConnectionID++
	c := NewConnection(s, nextConnectionID, nil)
	c.info.Host = "127.0.0.1"
	return c
}

// registerConnection creates a connection and authenticates it as nick.
func registerConnection(t *testing.T, s *Server, nick string) *Connection {
	t.Helper()

	c := newTestConnection(s)
	sendLine(t, c, "PASS secret")
	sendLine(t, c, "NICK "+nick)
	sendLine(t, c, "USER "+nick+" 0 * :Real Name")

	if c.State() != StateAuthenticated {
		t.Fatalf("connection %s state = %s, wanted %s", nick, c.State(),
			StateAuthenticated)
	}
	return c
}

func sendLine(t *testing.T, c *Connection, line string) {
	t.Helper()

	m, err := parseMessage(line)
	if err != nil {
		t.Fatalf("parseMessage(%q) = error %s", line, err)
	}
	c.handleMessage(m)
}

// drain returns every message queued to c.
func drain(c *Connection) []irc.Message {
	var out []irc.Message
	for {
		select {
		case m := <-c.WriteChan:
			out = append(out, m)
		default:
			return out
		}
	}
}

// encoded is the wire form of each message, without CRLF.
func encoded(ms []irc.Message) []string {
	var out []string
	for _, m := range ms {
		buf, err := formatMessage(m)
		if err != nil {
			buf = fmt.Sprintf("unencodable %s: %s", m, err)
		}
		out = append(out, strings.TrimRight(buf, "\r\n"))
	}
	return out
}

// drainLines is drain and encoded together.
func drainLines(c *Connection) []string {
	return encoded(drain(c))
}

func containsLine(lines []string, want string) bool {
	for _, l := range lines {
		if l == want {
			return true
		}
	}
	return false
}

func containsSubstring(lines []string, want string) bool {
	for _, l := range lines {
		if strings.Contains(l, want) {
			return true
		}
	}
	return false
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
