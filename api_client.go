package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// apiTimeLayout is how the service formats created_at.
const apiTimeLayout = time.RubyDate

// apiClient talks to the service's REST API using basic auth.
type apiClient struct {
	baseURL  string
	username string
	password string
	http     *http.Client
	limiter  *rate.Limiter
}

// newAPIClientFactory returns a ServiceFactory. Clients made by it share one
// rate limiter so the gateway as a whole stays under the configured rate.
func newAPIClientFactory(cfg *Config) ServiceFactory {
	limiter := rate.NewLimiter(rate.Limit(cfg.APIRate), cfg.APIBurst)
	httpClient := &http.Client{Timeout: cfg.APITimeout}

	return func(username, password string) Service {
		return &apiClient{
			baseURL:  strings.TrimRight(cfg.APIURL, "/"),
			username: username,
			password: password,
			http:     httpClient,
			limiter:  limiter,
		}
	}
}

type apiUser struct {
	ID          int64      `json:"id"`
	ScreenName  string     `json:"screen_name"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	URL         string     `json:"url"`
	Status      *apiStatus `json:"status"`
}

type apiStatus struct {
	ID          int64    `json:"id"`
	Text        string   `json:"text"`
	CreatedAt   string   `json:"created_at"`
	InReplyToID int64    `json:"in_reply_to_status_id"`
	User        *apiUser `json:"user"`
}

type apiDirectMessage struct {
	ID               int64  `json:"id"`
	Text             string `json:"text"`
	SenderScreenName string `json:"sender_screen_name"`
	CreatedAt        string `json:"created_at"`
}

type apiCursorUsers struct {
	Users      []*apiUser `json:"users"`
	NextCursor int64      `json:"next_cursor"`
}

type apiErrors struct {
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
	Error string `json:"error"`
}

func parseAPITime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(apiTimeLayout, s)
	if err != nil {
		log.Debugf("Unable to parse time %q: %s", s, err)
		return time.Time{}
	}
	return t
}

func (u *apiUser) toUser() *User {
	if u == nil {
		return nil
	}
	user := &User{
		ID:          u.ID,
		ScreenName:  u.ScreenName,
		Name:        u.Name,
		Description: u.Description,
		URL:         u.URL,
	}
	if u.Status != nil {
		user.Status = u.Status.toStatus()
	}
	return user
}

func (s *apiStatus) toStatus() *Status {
	if s == nil {
		return nil
	}
	return &Status{
		ID:          s.ID,
		Text:        s.Text,
		CreatedAt:   parseAPITime(s.CreatedAt),
		InReplyToID: s.InReplyToID,
		User:        s.User.toUser(),
	}
}

func toStatuses(in []*apiStatus) []*Status {
	out := make([]*Status, 0, len(in))
	for _, s := range in {
		if s == nil {
			continue
		}
		out = append(out, s.toStatus())
	}
	return out
}

// do performs one request and decodes a JSON body into out.
//
// values go in the body of a POST or on the URL of a GET.
func (c *apiClient) do(
	ctx context.Context,
	op string,
	method string,
	path string,
	values url.Values,
	out interface{},
) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return &TransportError{Op: op, Err: err}
	}

	u := c.baseURL + path
	var body io.Reader
	if method == http.MethodGet {
		if len(values) > 0 {
			u += "?" + values.Encode()
		}
	} else {
		body = strings.NewReader(values.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return errors.Wrap(err, "error building request")
	}
	req.SetBasicAuth(c.username, c.password)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: op, Err: errors.Wrap(err, "error reading body")}
	}

	if resp.StatusCode == http.StatusNotModified {
		return ErrNotModified
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ServiceError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    errorMessage(buf),
		}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(buf, out); err != nil {
		return &ServiceError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("malformed response: %s", err),
		}
	}

	return nil
}

func errorMessage(buf []byte) string {
	var e apiErrors
	if err := json.Unmarshal(buf, &e); err != nil {
		return strings.TrimSpace(string(buf))
	}
	if len(e.Errors) > 0 {
		return e.Errors[0].Message
	}
	return e.Error
}

func sinceValues(sinceID int64) url.Values {
	v := url.Values{}
	if sinceID > 0 {
		v.Set("since_id", strconv.FormatInt(sinceID, 10))
	}
	return v
}

func (c *apiClient) VerifyCredentials(ctx context.Context) (*User, error) {
	var u apiUser
	if err := c.do(ctx, "verify credentials", http.MethodGet,
		"/account/verify_credentials.json", nil, &u); err != nil {
		return nil, err
	}
	return u.toUser(), nil
}

func (c *apiClient) HomeTimeline(
	ctx context.Context,
	sinceID int64,
	count int,
) ([]*Status, error) {
	v := sinceValues(sinceID)
	if count > 0 {
		v.Set("count", strconv.Itoa(count))
	}
	var statuses []*apiStatus
	if err := c.do(ctx, "home timeline", http.MethodGet,
		"/statuses/home_timeline.json", v, &statuses); err != nil {
		return nil, err
	}
	return toStatuses(statuses), nil
}

func (c *apiClient) Mentions(ctx context.Context, sinceID int64) ([]*Status,
	error) {
	var statuses []*apiStatus
	if err := c.do(ctx, "mentions", http.MethodGet,
		"/statuses/mentions_timeline.json", sinceValues(sinceID),
		&statuses); err != nil {
		return nil, err
	}
	return toStatuses(statuses), nil
}

func (c *apiClient) DirectMessages(
	ctx context.Context,
	sinceID int64,
) ([]*DirectMessage, error) {
	var dms []*apiDirectMessage
	if err := c.do(ctx, "direct messages", http.MethodGet,
		"/direct_messages.json", sinceValues(sinceID), &dms); err != nil {
		return nil, err
	}
	out := make([]*DirectMessage, 0, len(dms))
	for _, dm := range dms {
		if dm == nil {
			continue
		}
		out = append(out, &DirectMessage{
			ID:               dm.ID,
			Text:             dm.Text,
			SenderScreenName: dm.SenderScreenName,
			CreatedAt:        parseAPITime(dm.CreatedAt),
		})
	}
	return out, nil
}

func (c *apiClient) UpdateStatus(
	ctx context.Context,
	text string,
	inReplyToID int64,
) (*Status, error) {
	v := url.Values{}
	v.Set("status", text)
	if inReplyToID != 0 {
		v.Set("in_reply_to_status_id", strconv.FormatInt(inReplyToID, 10))
	}
	var s apiStatus
	if err := c.do(ctx, "update status", http.MethodPost,
		"/statuses/update.json", v, &s); err != nil {
		return nil, err
	}
	return s.toStatus(), nil
}

func (c *apiClient) statusAction(
	ctx context.Context,
	op, path string,
	v url.Values,
) (*Status, error) {
	var s apiStatus
	if err := c.do(ctx, op, http.MethodPost, path, v, &s); err != nil {
		return nil, err
	}
	return s.toStatus(), nil
}

func (c *apiClient) DestroyStatus(ctx context.Context, id int64) (*Status,
	error) {
	return c.statusAction(ctx, "destroy status",
		fmt.Sprintf("/statuses/destroy/%d.json", id), nil)
}

func (c *apiClient) SendDirectMessage(
	ctx context.Context,
	screenName, text string,
) error {
	v := url.Values{}
	v.Set("user", screenName)
	v.Set("text", text)
	return c.do(ctx, "send direct message", http.MethodPost,
		"/direct_messages/new.json", v, nil)
}

func (c *apiClient) Friends(
	ctx context.Context,
	maxPages int,
) ([]*User, bool, error) {
	var users []*User
	cursor := int64(-1)

	for page := 0; page < maxPages; page++ {
		v := url.Values{}
		v.Set("cursor", strconv.FormatInt(cursor, 10))

		var res apiCursorUsers
		if err := c.do(ctx, "friends", http.MethodGet, "/friends/list.json", v,
			&res); err != nil {
			return nil, false, err
		}

		for _, u := range res.Users {
			if u == nil {
				continue
			}
			users = append(users, u.toUser())
		}

		if res.NextCursor == 0 {
			return users, true, nil
		}
		cursor = res.NextCursor
	}

	return users, false, nil
}

func (c *apiClient) GetUser(ctx context.Context, screenName string) (*User,
	error) {
	v := url.Values{}
	v.Set("screen_name", screenName)
	var u apiUser
	if err := c.do(ctx, "get user", http.MethodGet, "/users/show.json", v,
		&u); err != nil {
		return nil, err
	}
	return u.toUser(), nil
}

func (c *apiClient) GetStatus(ctx context.Context, id int64) (*Status, error) {
	var s apiStatus
	if err := c.do(ctx, "get status", http.MethodGet,
		fmt.Sprintf("/statuses/show/%d.json", id), nil, &s); err != nil {
		return nil, err
	}
	return s.toStatus(), nil
}

func (c *apiClient) userAction(
	ctx context.Context,
	op, path, screenName string,
) (*User, error) {
	v := url.Values{}
	v.Set("screen_name", screenName)
	var u apiUser
	if err := c.do(ctx, op, http.MethodPost, path, v, &u); err != nil {
		return nil, err
	}
	return u.toUser(), nil
}

func (c *apiClient) CreateFriendship(ctx context.Context, screenName string) (
	*User, error) {
	return c.userAction(ctx, "follow", "/friendships/create.json", screenName)
}

func (c *apiClient) DestroyFriendship(ctx context.Context, screenName string) (
	*User, error) {
	return c.userAction(ctx, "unfollow", "/friendships/destroy.json",
		screenName)
}

func (c *apiClient) CreateBlock(ctx context.Context, screenName string) (*User,
	error) {
	return c.userAction(ctx, "block", "/blocks/create.json", screenName)
}

func (c *apiClient) DestroyBlock(ctx context.Context, screenName string) (
	*User, error) {
	return c.userAction(ctx, "unblock", "/blocks/destroy.json", screenName)
}

func idValues(id int64) url.Values {
	v := url.Values{}
	v.Set("id", strconv.FormatInt(id, 10))
	return v
}

func (c *apiClient) CreateFavorite(ctx context.Context, id int64) (*Status,
	error) {
	return c.statusAction(ctx, "favorite", "/favorites/create.json",
		idValues(id))
}

func (c *apiClient) DestroyFavorite(ctx context.Context, id int64) (*Status,
	error) {
	return c.statusAction(ctx, "unfavorite", "/favorites/destroy.json",
		idValues(id))
}

func (c *apiClient) Retweet(ctx context.Context, id int64) (*Status, error) {
	return c.statusAction(ctx, "retweet",
		fmt.Sprintf("/statuses/retweet/%d.json", id), nil)
}
