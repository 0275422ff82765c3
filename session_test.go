package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pogpog/mash-game/internal/backend"
	"github.com/pogpog/mash-game/internal/mash"
)

const testGameID = "TestGame"

type fakeBackend struct {
	mu sync.Mutex

	magicCalls    int
	generateCalls int
	playCalls     int

	lastGenerate backend.GenerateRequest
	lastPlay     backend.PlayRequest

	magic    func() (int, error)
	generate func() ([]string, error)
	play     func() (mash.Results, error)
}

func (f *fakeBackend) MagicNumber(ctx context.Context) (int, error) {
	f.mu.Lock()
	f.magicCalls++
	fn := f.magic
	f.mu.Unlock()

	if fn == nil {
		return 0, errors.New("no magic configured")
	}
	return fn()
}

func (f *fakeBackend) GenerateOptions(ctx context.Context, req backend.GenerateRequest) ([]string, error) {
	f.mu.Lock()
	f.generateCalls++
	f.lastGenerate = req
	fn := f.generate
	f.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no generate configured")
	}
	return fn()
}

func (f *fakeBackend) Play(ctx context.Context, req backend.PlayRequest) (mash.Results, error) {
	f.mu.Lock()
	f.playCalls++
	f.lastPlay = req
	fn := f.play
	f.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no play configured")
	}
	return fn()
}

func (f *fakeBackend) calls() (magic, generate, play int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.magicCalls, f.generateCalls, f.playCalls
}

func ptr[T any](v T) *T {
	return &v
}

func newTestGame(t *testing.T, api Backend) (*httptest.Server, *SessionManager) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	cfg := &Config{defaultPlatform: mash.PlatformHuggingFace}
	mux := httprouter.New()
	errs := make(chan error, 64)
	sm := registerMashGame(ctx, cfg, "/mash", api, mux, errs)

	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})

	return ts, sm
}

func dial(t *testing.T, ts *httptest.Server, gameID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/mash/" + gameID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg ClientMessage) {
	t.Helper()

	require.NoError(t, conn.WriteJSON(msg))
}

func next(t *testing.T, conn *websocket.Conn) (string, []byte) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var env struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(data, &env))

	return env.Type, data
}

// waitState reads until a state snapshot matches pred. Any alert fails the
// test.
func waitState(t *testing.T, conn *websocket.Conn, pred func(StateMessage) bool) StateMessage {
	t.Helper()

	for {
		typ, data := next(t, conn)
		switch typ {
		case "alert":
			t.Fatalf("unexpected alert: %s", data)
		case "state":
			var st StateMessage
			require.NoError(t, json.Unmarshal(data, &st))
			if pred(st) {
				return st
			}
		}
	}
}

func waitAlert(t *testing.T, conn *websocket.Conn) AlertMessage {
	t.Helper()

	for {
		typ, data := next(t, conn)
		if typ == "alert" {
			var a AlertMessage
			require.NoError(t, json.Unmarshal(data, &a))
			return a
		}
	}
}

func categoryNames(st StateMessage) []string {
	names := make([]string, 0, len(st.Categories))
	for _, c := range st.Categories {
		names = append(names, c.Name)
	}
	return names
}

// settle sends a harmless action and waits for its snapshot, so every action
// sent before it has been applied.
func settle(t *testing.T, conn *websocket.Conn, marker string) StateMessage {
	t.Helper()

	send(t, conn, ClientMessage{Type: actionSetTheme, Theme: marker})
	return waitState(t, conn, func(st StateMessage) bool { return st.Theme == marker })
}

func fillAll(t *testing.T, conn *websocket.Conn, categories int) {
	t.Helper()

	for i := 0; i < categories; i++ {
		for j := 0; j < mash.OptionsPerCategory; j++ {
			send(t, conn, ClientMessage{Type: actionEditOption, Category: ptr(i), Option: ptr(j), Value: "opt"})
		}
	}
}

func TestSession_InitialState(t *testing.T) {
	ts, _ := newTestGame(t, &fakeBackend{})
	conn := dial(t, ts, testGameID)

	st := waitState(t, conn, func(StateMessage) bool { return true })

	assert.False(t, st.Classic)
	assert.Empty(t, st.Categories)
	assert.Equal(t, mash.PlatformHuggingFace, st.Platform)
	assert.Nil(t, st.MagicNumber)
	assert.Nil(t, st.Results)
	assert.True(t, st.CanFetchMagicNumber)
	assert.False(t, st.CanPlay)
}

func TestSession_ToggleMode(t *testing.T) {
	ts, _ := newTestGame(t, &fakeBackend{})
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	st := waitState(t, conn, func(st StateMessage) bool { return st.Classic })

	assert.Equal(t, []string{"Spouse", "Number of kids", "Job", "Car"}, categoryNames(st))
	for _, c := range st.Categories {
		assert.Equal(t, []string{"", "", ""}, c.Options)
	}

	send(t, conn, ClientMessage{Type: actionSetMode, Classic: ptr(false)})
	st = waitState(t, conn, func(st StateMessage) bool { return !st.Classic })
	assert.Empty(t, st.Categories)
}

func TestSession_EditOption(t *testing.T) {
	ts, _ := newTestGame(t, &fakeBackend{})
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	send(t, conn, ClientMessage{Type: actionEditOption, Category: ptr(1), Option: ptr(2), Value: "Three"})
	send(t, conn, ClientMessage{Type: actionEditOption, Category: ptr(9), Option: ptr(0), Value: "nope"})
	send(t, conn, ClientMessage{Type: actionEditOption, Category: ptr(0)})

	st := settle(t, conn, "after edits")

	for i, c := range st.Categories {
		for j, o := range c.Options {
			if i == 1 && j == 2 {
				assert.Equal(t, "Three", o)
				continue
			}
			assert.Equal(t, "", o, "category %d option %d", i, j)
		}
	}
}

func TestSession_UnknownPlatformIgnored(t *testing.T) {
	ts, _ := newTestGame(t, &fakeBackend{})
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetPlatform, Platform: "groq"})
	send(t, conn, ClientMessage{Type: actionSetPlatform, Platform: "skynet"})
	send(t, conn, ClientMessage{Type: "not_a_thing"})

	st := settle(t, conn, "sync")
	assert.Equal(t, mash.PlatformGroq, st.Platform)
}

func TestSession_GenerateWithEmptyThemeSendsNothing(t *testing.T) {
	api := &fakeBackend{}
	ts, _ := newTestGame(t, api)
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	send(t, conn, ClientMessage{Type: actionGenerate})
	st := settle(t, conn, "sync")

	_, generateCalls, _ := api.calls()
	assert.Zero(t, generateCalls)
	assert.Len(t, st.Categories, 4)
}

func TestSession_GenerateSuccess(t *testing.T) {
	api := &fakeBackend{
		generate: func() ([]string, error) { return []string{"A", "B"}, nil },
	}
	ts, _ := newTestGame(t, api)
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetPlatform, Platform: "groq"})
	send(t, conn, ClientMessage{Type: actionSetAPIKey, APIKey: "k"})
	send(t, conn, ClientMessage{Type: actionSetTheme, Theme: "letters"})
	send(t, conn, ClientMessage{Type: actionGenerate})

	st := waitState(t, conn, func(st StateMessage) bool { return len(st.Categories) == 2 })

	assert.Equal(t, []mash.Category{
		{Name: "A", Options: []string{"", "", ""}},
		{Name: "B", Options: []string{"", "", ""}},
	}, st.Categories)
	assert.Equal(t, "", st.Theme)

	api.mu.Lock()
	assert.Equal(t, backend.GenerateRequest{Theme: "letters", Platform: mash.PlatformGroq, APIKey: "k"}, api.lastGenerate)
	api.mu.Unlock()
}

func TestSession_GenerateFailureAlertsRequesterOnly(t *testing.T) {
	api := &fakeBackend{
		generate: func() ([]string, error) {
			return nil, &backend.APIError{Status: http.StatusBadRequest, Detail: "bad key"}
		},
	}
	ts, _ := newTestGame(t, api)
	requester := dial(t, ts, testGameID)
	other := dial(t, ts, testGameID)

	send(t, requester, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	send(t, requester, ClientMessage{Type: actionSetTheme, Theme: "pirates"})
	send(t, requester, ClientMessage{Type: actionGenerate})

	alert := waitAlert(t, requester)
	assert.Contains(t, alert.Message, "bad key")

	send(t, requester, ClientMessage{Type: actionSetPlatform, Platform: "groq"})

	st := waitState(t, other, func(st StateMessage) bool { return st.Platform == mash.PlatformGroq })
	assert.Equal(t, []string{"Spouse", "Number of kids", "Job", "Car"}, categoryNames(st))
	assert.Equal(t, "pirates", st.Theme, "theme is only cleared on success")
}

func TestSession_GenerateTransportFailureAlerts(t *testing.T) {
	api := &fakeBackend{
		generate: func() ([]string, error) { return nil, errors.New("connection refused") },
	}
	ts, _ := newTestGame(t, api)
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetTheme, Theme: "pirates"})
	send(t, conn, ClientMessage{Type: actionGenerate})

	alert := waitAlert(t, conn)
	assert.Equal(t, "Error: connection refused", alert.Message)
}

func TestSession_MagicNumberFetchedOnce(t *testing.T) {
	api := &fakeBackend{
		magic: func() (int, error) { return 7, nil },
	}
	ts, _ := newTestGame(t, api)
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionFetchMagicNumber})
	st := waitState(t, conn, func(st StateMessage) bool { return st.MagicNumber != nil })
	assert.Equal(t, 7, *st.MagicNumber)
	assert.False(t, st.CanFetchMagicNumber)

	send(t, conn, ClientMessage{Type: actionFetchMagicNumber})
	st = settle(t, conn, "sync")

	magicCalls, _, _ := api.calls()
	assert.Equal(t, 1, magicCalls)
	assert.Equal(t, 7, *st.MagicNumber)
}

func TestSession_MagicNumberFailureIsSilent(t *testing.T) {
	api := &fakeBackend{
		magic: func() (int, error) { return 0, errors.New("backend down") },
	}
	ts, _ := newTestGame(t, api)
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionFetchMagicNumber})
	require.Eventually(t, func() bool {
		magicCalls, _, _ := api.calls()
		return magicCalls == 1
	}, 5*time.Second, 10*time.Millisecond)

	st := settle(t, conn, "sync")
	assert.Nil(t, st.MagicNumber)
	assert.True(t, st.CanFetchMagicNumber)
}

func TestSession_Play(t *testing.T) {
	want := mash.Results{
		{Category: "MASH", Option: "Shack"},
		{Category: "Spouse", Option: "opt"},
		{Category: "Number of kids", Option: "opt"},
		{Category: "Job", Option: "opt"},
		{Category: "Car", Option: "opt"},
	}
	api := &fakeBackend{
		magic: func() (int, error) { return 3, nil },
		play:  func() (mash.Results, error) { return want, nil },
	}
	ts, _ := newTestGame(t, api)
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	fillAll(t, conn, 4)

	send(t, conn, ClientMessage{Type: actionPlay})
	st := settle(t, conn, "sync")
	assert.False(t, st.CanPlay, "no magic number yet")

	send(t, conn, ClientMessage{Type: actionFetchMagicNumber})
	st = waitState(t, conn, func(st StateMessage) bool { return st.CanPlay })

	send(t, conn, ClientMessage{Type: actionPlay})
	st = waitState(t, conn, func(st StateMessage) bool { return st.Results != nil })
	assert.Equal(t, want, st.Results)

	_, _, playCalls := api.calls()
	assert.Equal(t, 1, playCalls)

	api.mu.Lock()
	assert.Equal(t, 3, api.lastPlay.MagicNumber)
	assert.Len(t, api.lastPlay.Categories, 4)
	api.mu.Unlock()
}

func TestSession_PlayDisabledWithBlankOption(t *testing.T) {
	api := &fakeBackend{
		magic: func() (int, error) { return 3, nil },
	}
	ts, _ := newTestGame(t, api)
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	fillAll(t, conn, 4)
	send(t, conn, ClientMessage{Type: actionEditOption, Category: ptr(2), Option: ptr(0), Value: ""})
	send(t, conn, ClientMessage{Type: actionFetchMagicNumber})
	waitState(t, conn, func(st StateMessage) bool { return st.MagicNumber != nil })

	send(t, conn, ClientMessage{Type: actionPlay})
	st := settle(t, conn, "sync")

	assert.False(t, st.CanPlay)
	_, _, playCalls := api.calls()
	assert.Zero(t, playCalls)
}

func TestSession_PlayFailureIsSilent(t *testing.T) {
	api := &fakeBackend{
		magic: func() (int, error) { return 3, nil },
		play:  func() (mash.Results, error) { return nil, errors.New("500") },
	}
	ts, _ := newTestGame(t, api)
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionFetchMagicNumber})
	waitState(t, conn, func(st StateMessage) bool { return st.CanPlay })

	send(t, conn, ClientMessage{Type: actionPlay})
	require.Eventually(t, func() bool {
		_, _, playCalls := api.calls()
		return playCalls == 1
	}, 5*time.Second, 10*time.Millisecond)

	st := settle(t, conn, "sync")
	assert.Nil(t, st.Results)
}

func TestSession_APIKeyNeverEchoed(t *testing.T) {
	ts, _ := newTestGame(t, &fakeBackend{})
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetAPIKey, APIKey: "sekrit-token"})

	for {
		typ, data := next(t, conn)
		if typ != "state" {
			continue
		}
		assert.NotContains(t, string(data), "sekrit-token")

		var st StateMessage
		require.NoError(t, json.Unmarshal(data, &st))
		if st.APIKeySet {
			break
		}
	}
}

func TestSession_SharedBetweenClients(t *testing.T) {
	ts, _ := newTestGame(t, &fakeBackend{})
	a := dial(t, ts, testGameID)
	b := dial(t, ts, testGameID)
	elsewhere := dial(t, ts, "OtherOne")

	send(t, a, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	send(t, a, ClientMessage{Type: actionEditOption, Category: ptr(3), Option: ptr(1), Value: "Van"})

	st := waitState(t, b, func(st StateMessage) bool {
		return len(st.Categories) == 4 && st.Categories[3].Options[1] == "Van"
	})
	assert.True(t, st.Classic)

	st = settle(t, elsewhere, "sync")
	assert.False(t, st.Classic)
	assert.Empty(t, st.Categories)
}

func TestSession_RepeatedModeKeepsEdits(t *testing.T) {
	ts, _ := newTestGame(t, &fakeBackend{})
	a := dial(t, ts, testGameID)
	b := dial(t, ts, testGameID)

	send(t, a, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	send(t, a, ClientMessage{Type: actionEditOption, Category: ptr(0), Option: ptr(0), Value: "X"})
	waitState(t, a, func(st StateMessage) bool {
		return len(st.Categories) == 4 && st.Categories[0].Options[0] == "X"
	})

	send(t, b, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	st := settle(t, b, "sync")

	assert.True(t, st.Classic)
	require.Len(t, st.Categories, 4)
	assert.Equal(t, "X", st.Categories[0].Options[0])
}

func TestSession_LastGenerateToResolveWins(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	t.Cleanup(func() { once.Do(func() { close(release) }) })

	var n atomic.Int32
	api := &fakeBackend{
		generate: func() ([]string, error) {
			if n.Add(1) == 1 {
				<-release
				return []string{"Slow"}, nil
			}
			return []string{"Fast"}, nil
		},
	}
	ts, _ := newTestGame(t, api)
	conn := dial(t, ts, testGameID)

	send(t, conn, ClientMessage{Type: actionSetTheme, Theme: "first"})
	send(t, conn, ClientMessage{Type: actionGenerate})
	require.Eventually(t, func() bool {
		_, generateCalls, _ := api.calls()
		return generateCalls == 1
	}, 5*time.Second, 10*time.Millisecond)

	send(t, conn, ClientMessage{Type: actionSetTheme, Theme: "second"})
	send(t, conn, ClientMessage{Type: actionGenerate})
	waitState(t, conn, func(st StateMessage) bool {
		return len(st.Categories) == 1 && st.Categories[0].Name == "Fast"
	})

	send(t, conn, ClientMessage{Type: actionSetMode, Classic: ptr(true)})
	waitState(t, conn, func(st StateMessage) bool { return len(st.Categories) == 4 })

	once.Do(func() { close(release) })

	st := waitState(t, conn, func(st StateMessage) bool {
		return len(st.Categories) == 1 && st.Categories[0].Name == "Slow"
	})
	assert.Equal(t, []string{"", "", ""}, st.Categories[0].Options)
	assert.Equal(t, "", st.Theme)
}

func TestSession_FullQueueDropsOnlyThatClient(t *testing.T) {
	s := newSession(context.Background(), testGameID, &fakeBackend{}, mash.PlatformHuggingFace)
	t.Cleanup(s.stop)

	slow := &Client{send: make(chan any, 1), playerID: "slow"}
	fast := &Client{send: make(chan any, clientQueueSize), playerID: "fast"}
	s.clients[slow] = true
	s.clients[fast] = true

	s.update(s.state.SetTheme("one"))
	s.update(s.state.SetTheme("two"))
	s.update(s.state.SetTheme("three"))

	assert.NotContains(t, s.clients, slow)
	assert.Contains(t, s.clients, fast)

	first, ok := <-slow.send
	require.True(t, ok)
	assert.Equal(t, "one", first.(StateMessage).Theme)
	_, ok = <-slow.send
	assert.False(t, ok, "dropped client's queue is closed")

	require.Len(t, fast.send, 3)
	for _, want := range []string{"one", "two", "three"} {
		assert.Equal(t, want, (<-fast.send).(StateMessage).Theme)
	}
}

func TestSession_WebsocketSetsPlayerCookie(t *testing.T) {
	ts, _ := newTestGame(t, &fakeBackend{})
	target := "ws" + strings.TrimPrefix(ts.URL, "http") + "/mash/" + testGameID + "/ws"

	conn, resp, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	_ = conn.Close()

	var id string
	for _, c := range resp.Cookies() {
		if c.Name == playerCookieName {
			id = c.Value
		}
	}
	require.NotEmpty(t, id, "upgrade response carries the player cookie")

	header := http.Header{"Cookie": {playerCookieName + "=" + id}}
	conn, resp, err = websocket.DefaultDialer.Dial(target, header)
	require.NoError(t, err)
	_ = conn.Close()

	assert.Empty(t, resp.Header.Get("Set-Cookie"), "known player keeps its cookie")
}

func TestSessionManager_Reap(t *testing.T) {
	_, sm := newTestGame(t, &fakeBackend{})

	s := sm.get("AAAAAAAA")
	assert.Same(t, s, sm.get("AAAAAAAA"))
	assert.Equal(t, 1, sm.count())

	sm.reap(time.Now().Add(-time.Hour))
	assert.Equal(t, 1, sm.count(), "fresh session must survive")

	sm.reap(time.Now().Add(time.Hour))
	assert.Equal(t, 0, sm.count())

	select {
	case <-s.ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("reaped session was not stopped")
	}

	assert.NotSame(t, s, sm.get("AAAAAAAA"), "reaped game id starts fresh")
}

func TestSessionManager_NewGameID(t *testing.T) {
	_, sm := newTestGame(t, &fakeBackend{})

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := sm.newGameID()
		require.NoError(t, err)
		assert.True(t, validGameID(id), id)
		seen[id] = true
	}
	assert.Greater(t, len(seen), 90)
}

func TestValidGameID(t *testing.T) {
	assert.True(t, validGameID("abcXYZ09"))
	assert.False(t, validGameID("short"))
	assert.False(t, validGameID("toolong123"))
	assert.False(t, validGameID("abc-XYZ0"))
	assert.False(t, validGameID(""))
}
