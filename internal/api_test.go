package internal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// FakeAPI is a stand in for the remote service. It accepts the password
// "secret" for any username.
type FakeAPI struct {
	server *httptest.Server

	mutex    sync.Mutex
	nextID   int64
	accounts map[string]int64
	updates  []string
	timeline []map[string]interface{}
}

const fakeTimeLayout = "Mon Jan 02 15:04:05 -0700 2006"

// NewFakeAPI starts a FakeAPI.
func NewFakeAPI() *FakeAPI {
	a := &FakeAPI{nextID: 100, accounts: map[string]int64{}}

	mux := http.NewServeMux()
	mux.HandleFunc("/account/verify_credentials.json", a.verifyCredentials)
	mux.HandleFunc("/statuses/home_timeline.json", a.homeTimeline)
	mux.HandleFunc("/statuses/mentions_timeline.json", a.emptyList)
	mux.HandleFunc("/direct_messages.json", a.emptyList)
	mux.HandleFunc("/friends/list.json", a.friends)
	mux.HandleFunc("/statuses/update.json", a.update)

	a.server = httptest.NewServer(a.auth(mux))
	return a
}

// URL is the base URL of the API.
func (a *FakeAPI) URL() string { return a.server.URL }

// Close stops the server.
func (a *FakeAPI) Close() { a.server.Close() }

// Updates returns the statuses posted so far.
func (a *FakeAPI) Updates() []string {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]string(nil), a.updates...)
}

// AddStatus puts a status from screenName on the home timeline.
func (a *FakeAPI) AddStatus(screenName, text string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.nextID++
	a.timeline = append(a.timeline, map[string]interface{}{
		"id":         a.nextID,
		"text":       text,
		"created_at": time.Now().Format(fakeTimeLayout),
		"user": map[string]interface{}{
			"id":          a.accountID(screenName),
			"screen_name": screenName,
		},
	})
}

// accountID gives each screen name its own id. The caller holds mutex.
func (a *FakeAPI) accountID(screenName string) int64 {
	id, ok := a.accounts[screenName]
	if !ok {
		id = int64(len(a.accounts) + 1)
		a.accounts[screenName] = id
	}
	return id
}

func (a *FakeAPI) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			writeJSON(w, map[string]string{"error": "Could not authenticate you."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *FakeAPI) verifyCredentials(w http.ResponseWriter, r *http.Request) {
	user, _, _ := r.BasicAuth()

	a.mutex.Lock()
	id := a.accountID(user)
	a.mutex.Unlock()

	writeJSON(w, map[string]interface{}{"id": id, "screen_name": user})
}

func (a *FakeAPI) homeTimeline(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since_id"), 10, 64)

	a.mutex.Lock()
	var out []map[string]interface{}
	for _, s := range a.timeline {
		if s["id"].(int64) > since {
			out = append(out, s)
		}
	}
	a.mutex.Unlock()

	if out == nil {
		out = []map[string]interface{}{}
	}
	writeJSON(w, out)
}

func (a *FakeAPI) emptyList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, []interface{}{})
}

func (a *FakeAPI) friends(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"users": []map[string]interface{}{
			{"id": 2, "screen_name": "bob"},
		},
		"next_cursor": 0,
	})
}

func (a *FakeAPI) update(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	user, _, _ := r.BasicAuth()

	a.mutex.Lock()
	a.nextID++
	id := a.nextID
	text := r.PostForm.Get("status")
	a.updates = append(a.updates, text)
	userID := a.accountID(user)
	a.mutex.Unlock()

	writeJSON(w, map[string]interface{}{
		"id":   id,
		"text": text,
		"user": map[string]interface{}{"id": userID, "screen_name": user},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
