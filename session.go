// MASH game view
//
// Every game lives at $prefix/mash/:gameid and owns one Session. The browser
// page is a thin renderer: it sends user actions over a websocket and draws
// whatever state snapshot the session pushes back.
//
// Features:
// - One goroutine per session applies actions and backend responses in
//   arrival order; no locks guard the game state itself
// - Backend calls run in their own goroutine and post their outcome back to
//   the session, so a slow LLM never blocks typing
// - Several devices can join the same game; everyone sees the same board
// - In-browser QR code to share the current game, backed by go-qrcode
// - Sessions are reaped after a configurable idle timeout

package main

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/pogpog/mash-game/internal/backend"
	"github.com/pogpog/mash-game/internal/mash"
)

// Backend is the game api as seen by a session.
type Backend interface {
	MagicNumber(ctx context.Context) (int, error)
	GenerateOptions(ctx context.Context, req backend.GenerateRequest) ([]string, error)
	Play(ctx context.Context, req backend.PlayRequest) (mash.Results, error)
}

// Edits arrive one keystroke at a time, so leave room for bursts.
const clientQueueSize = 64

type Client struct {
	conn     *websocket.Conn
	send     chan any
	playerID string
}

type actionRequest struct {
	client *Client
	msg    ClientMessage
}

type magicNumberOutcome struct {
	number int
	err    error
}

type generateOutcome struct {
	client *Client
	names  []string
	err    error
}

type playOutcome struct {
	results mash.Results
	err     error
}

type Session struct {
	id      string
	api     Backend
	clients map[*Client]bool
	state   mash.State

	register chan *Client
	unreg    chan *Client
	actions  chan actionRequest
	outcomes chan any

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	createdAt  time.Time
	lastActive time.Time
}

func newSession(ctx context.Context, id string, api Backend, platform mash.Platform) *Session {
	ctx, cancel := context.WithCancel(ctx)
	now := time.Now()

	return &Session{
		id:         id,
		api:        api,
		clients:    make(map[*Client]bool),
		state:      mash.New(platform),
		register:   make(chan *Client),
		unreg:      make(chan *Client),
		actions:    make(chan actionRequest),
		outcomes:   make(chan any),
		ctx:        ctx,
		cancel:     cancel,
		createdAt:  now,
		lastActive: now,
	}
}

func (s *Session) run() {
	defer s.disconnectAll()

	for {
		select {
		case <-s.ctx.Done():
			return

		case c := <-s.register:
			s.touch()
			s.clients[c] = true
			s.sendTo(c, newStateMessage(s.state))

			log.Debug().Str("game", s.id).Str("player", c.playerID).Int("clients", len(s.clients)).Msg("client joined")

		case c := <-s.unreg:
			s.touch()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
			}

			log.Debug().Str("game", s.id).Str("player", c.playerID).Int("clients", len(s.clients)).Msg("client left")

		case a := <-s.actions:
			s.touch()
			s.handleAction(a)

		case o := <-s.outcomes:
			s.handleOutcome(o)
		}
	}
}

func (s *Session) stop() {
	s.cancel()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActive = time.Now()
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.lastActive
}

func (s *Session) disconnectAll() {
	for c := range s.clients {
		close(c.send)
		_ = c.conn.Close()
		delete(s.clients, c)
	}
}

// sendTo queues msg for a single client, dropping the client if its queue
// is full.
func (s *Session) sendTo(c *Client, msg any) {
	if !s.clients[c] {
		return
	}

	select {
	case c.send <- msg:
	default:
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Session) update(next mash.State) {
	s.state = next

	msg := newStateMessage(s.state)
	for c := range s.clients {
		s.sendTo(c, msg)
	}
}

func (s *Session) handleAction(a actionRequest) {
	msg := a.msg

	switch msg.Type {
	case actionSetMode:
		if msg.Classic == nil {
			return
		}
		s.update(s.state.SetMode(*msg.Classic))

	case actionEditOption:
		if msg.Category == nil || msg.Option == nil {
			return
		}
		next, err := s.state.EditOption(*msg.Category, *msg.Option, msg.Value)
		if err != nil {
			log.Debug().Str("game", s.id).Err(err).Msg("ignoring edit")
			return
		}
		s.update(next)

	case actionSetTheme:
		s.update(s.state.SetTheme(msg.Theme))

	case actionSetPlatform:
		p, err := mash.ParsePlatform(msg.Platform)
		if err != nil {
			log.Debug().Str("game", s.id).Err(err).Msg("ignoring platform change")
			return
		}
		s.update(s.state.SetPlatform(p))

	case actionSetAPIKey:
		s.update(s.state.SetAPIKey(msg.APIKey))

	case actionFetchMagicNumber:
		if !s.state.CanFetchMagicNumber() {
			return
		}
		go s.fetchMagicNumber()

	case actionGenerate:
		if !s.state.CanGenerate() {
			return
		}
		req := backend.GenerateRequest{
			Theme:    s.state.Theme,
			Platform: s.state.Platform,
			APIKey:   s.state.APIKey,
		}
		go s.generate(a.client, req)

	case actionPlay:
		if !s.state.CanPlay() {
			return
		}
		req := backend.PlayRequest{
			Categories:  s.state.Clone().Categories,
			MagicNumber: *s.state.MagicNumber,
		}
		go s.play(req)
	}
}

func (s *Session) handleOutcome(o any) {
	switch o := o.(type) {
	case magicNumberOutcome:
		if o.err != nil {
			log.Warn().Str("game", s.id).Err(o.err).Msg("fetching magic number failed")
			return
		}
		s.update(s.state.WithMagicNumber(o.number))

	case generateOutcome:
		if o.err != nil {
			log.Error().Str("game", s.id).Err(o.err).Msg("generating categories failed")
			s.sendTo(o.client, AlertMessage{
				Type:    "alert",
				Message: "Error: " + alertText(o.err),
			})
			return
		}
		s.update(s.state.WithGenerated(o.names))

	case playOutcome:
		if o.err != nil {
			log.Warn().Str("game", s.id).Err(o.err).Msg("playing game failed")
			return
		}
		s.update(s.state.WithResults(o.results))
	}
}

func alertText(err error) string {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Detail
	}

	return err.Error()
}

// deliver hands a backend outcome to the session goroutine, or drops it if
// the session has ended.
func (s *Session) deliver(o any) {
	select {
	case s.outcomes <- o:
	case <-s.ctx.Done():
	}
}

func (s *Session) fetchMagicNumber() {
	n, err := s.api.MagicNumber(s.ctx)
	s.deliver(magicNumberOutcome{number: n, err: err})
}

func (s *Session) generate(c *Client, req backend.GenerateRequest) {
	names, err := s.api.GenerateOptions(s.ctx, req)
	s.deliver(generateOutcome{client: c, names: names, err: err})
}

func (s *Session) play(req backend.PlayRequest) {
	results, err := s.api.Play(s.ctx, req)
	s.deliver(playOutcome{results: results, err: err})
}

const playerCookieName = "mash_id"

// playerID returns the request's player ID, plus a cookie to set when the
// request carried none.
func playerID(r *http.Request) (string, *http.Cookie) {
	if c, err := r.Cookie(playerCookieName); err == nil && c.Value != "" {
		return c.Value, nil
	}

	c := &http.Cookie{
		Name:     playerCookieName,
		Value:    uuid.NewString(),
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	return c.Value, c
}

func getOrSetPlayerID(w http.ResponseWriter, r *http.Request) string {
	id, c := playerID(r)
	if c != nil {
		http.SetCookie(w, c)
	}

	return id
}

const (
	gameIDLength  = 8
	gameIDLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

func validGameID(id string) bool {
	if len(id) != gameIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !strings.ContainsRune(gameIDLetters, rune(id[i])) {
			return false
		}
	}
	return true
}

// SessionManager holds a set of sessions keyed by game ID, so each
// $path/$gameid is its own isolated game.
type SessionManager struct {
	ctx         context.Context
	api         Backend
	platform    mash.Platform
	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
}

func newSessionManager(ctx context.Context, api Backend, platform mash.Platform, idleTimeout time.Duration) *SessionManager {
	sm := &SessionManager{
		ctx:         ctx,
		api:         api,
		platform:    platform,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*Session),
	}
	if idleTimeout > 0 {
		go sm.reaperLoop()
	}
	return sm
}

func (sm *SessionManager) get(gameID string) *Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if s, ok := sm.sessions[gameID]; ok {
		return s
	}

	s := newSession(sm.ctx, gameID, sm.api, sm.platform)
	sm.sessions[gameID] = s
	go s.run()
	return s
}

func (sm *SessionManager) count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	return len(sm.sessions)
}

// newGameID generates a crypto-random game ID that doesn't collide with
// any live game.
func (sm *SessionManager) newGameID() (string, error) {
	for {
		buf := make([]byte, gameIDLength)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		out := make([]byte, gameIDLength)
		for i := range out {
			out[i] = gameIDLetters[int(buf[i])%len(gameIDLetters)]
		}
		id := string(out)

		sm.mu.Lock()
		_, exists := sm.sessions[id]
		sm.mu.Unlock()

		if !exists {
			return id, nil
		}
	}
}

// reap ends every session idle since before cutoff.
func (sm *SessionManager) reap(cutoff time.Time) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for id, s := range sm.sessions {
		if s.idleSince().Before(cutoff) {
			delete(sm.sessions, id)
			s.stop()

			log.Debug().Str("game", id).Dur("age", time.Since(s.createdAt).Round(time.Second)).Msg("reaped idle game")
		}
	}
}

func (sm *SessionManager) reaperLoop() {
	ticker := time.NewTicker(sm.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-sm.ctx.Done():
			return
		case <-ticker.C:
			sm.reap(time.Now().Add(-sm.idleTimeout))
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func serveWS(sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		gameID := ps.ByName("gameid")
		if !validGameID(gameID) {
			http.Error(w, "invalid game id", http.StatusBadRequest)
			return
		}

		// The upgrader writes its own handshake, so the cookie has to ride
		// in its response header.
		id, cookie := playerID(r)
		var header http.Header
		if cookie != nil {
			header = http.Header{"Set-Cookie": {cookie.String()}}
		}

		s := sm.get(gameID)

		conn, err := upgrader.Upgrade(w, r, header)
		if err != nil {
			log.Debug().Err(err).Str("game", gameID).Msg("websocket upgrade failed")
			return
		}

		client := &Client{
			conn:     conn,
			send:     make(chan any, clientQueueSize),
			playerID: id,
		}

		select {
		case s.register <- client:
		case <-s.ctx.Done():
			_ = conn.Close()
			return
		}

		go client.writePump()
		client.readPump(s)
	}
}

func (c *Client) readPump(s *Session) {
	defer func() {
		select {
		case s.unreg <- c:
		case <-s.ctx.Done():
		}
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		select {
		case s.actions <- actionRequest{client: c, msg: msg}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

// qrHandler renders a PNG QR code pointing at the current game.
func qrHandler(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !validGameID(ps.ByName("gameid")) {
			http.Error(w, "invalid game id", http.StatusBadRequest)
			return
		}

		scheme := cfg.scheme()
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}

		url := scheme + "://" + r.Host + strings.TrimSuffix(r.URL.Path, "/qr")

		const qrSize = 320
		png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
		if err != nil {
			http.Error(w, "qr generation failed", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		securityHeaders(cfg, w)
		_, _ = w.Write(png)
	}
}

func serveIndex(cfg *Config, errs chan<- error) httprouter.Handle {
	page, err := assets.ReadFile("assets/mash/index.html")
	if err != nil {
		panic("missing embedded page: " + err.Error())
	}

	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !validGameID(ps.ByName("gameid")) {
			http.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "no-store")
		securityHeaders(cfg, w)

		_ = getOrSetPlayerID(w, r)

		if _, err := w.Write(page); err != nil {
			errs <- err
		}
	}
}

// redirectNewGame generates a new random game ID and redirects to it.
func redirectNewGame(cfg *Config, path string, sm *SessionManager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		gameID, err := sm.newGameID()
		if err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		log.Debug().Str("game", gameID).Str("client", realIP(r)).Msg("created game")
		http.Redirect(w, r, cfg.prefix+path+"/"+gameID, http.StatusTemporaryRedirect)
	}
}

// registerMashGame sets up routes so that:
//   - /  and $path           → redirect to a new random game
//   - $path/:gameid          → HTML client
//   - $path/:gameid/ws       → websocket for that game
//   - $path/:gameid/qr       → PNG QR code for that game URL
func registerMashGame(ctx context.Context, cfg *Config, path string, api Backend, mux *httprouter.Router, errs chan<- error) *SessionManager {
	sm := newSessionManager(ctx, api, cfg.defaultPlatform, cfg.sessionTimeout)

	mux.GET(cfg.prefix+"/", redirectNewGame(cfg, path, sm))
	mux.GET(cfg.prefix+path, redirectNewGame(cfg, path, sm))
	mux.GET(cfg.prefix+path+"/:gameid", serveIndex(cfg, errs))
	mux.GET(cfg.prefix+path+"/:gameid/ws", serveWS(sm))
	mux.GET(cfg.prefix+path+"/:gameid/qr", qrHandler(cfg))

	return sm
}
