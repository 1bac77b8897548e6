// Package status serves stream statistics over HTTP
package status

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/cyclopcam/producer/pkg/www"
	"github.com/cyclopcam/producer/server/stream"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

// Per-IP request limit on each endpoint
const (
	requestLimit = 60
	windowLength = time.Minute
)

// Update interval of the live websocket feed
const (
	defaultLiveInterval = time.Second
	minLiveInterval     = 10 * time.Millisecond
)

type Server struct {
	Log logs.Log

	lock    sync.Mutex
	streams map[string]*stream.Stream

	router     *httprouter.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	closing    chan struct{} // Closed by Shutdown, to stop live feeds
	closeOnce  sync.Once
}

type streamSummary struct {
	Name string `json:"name"`
}

// Sent on the live websocket
type liveMessage struct {
	Stats stream.Stats        `json:"stats"`
	Drops []stream.DropReport `json:"drops"` // Drops since the previous message. The first message has our whole history.
}

func New(log logs.Log) *Server {
	s := &Server{
		Log:     log,
		streams: map[string]*stream.Stream{},
		router:  httprouter.New(),
		closing: make(chan struct{}),
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	www.HandleRateLimited(log, s.router, "GET", "/api/streams", s.httpStreams, requestLimit, windowLength)
	www.HandleRateLimited(log, s.router, "GET", "/api/streams/:name/stats", s.httpStats, requestLimit, windowLength)
	www.HandleRateLimited(log, s.router, "GET", "/api/streams/:name/drops", s.httpDrops, requestLimit, windowLength)
	www.HandleRateLimited(log, s.router, "GET", "/api/streams/:name/live", s.httpLive, requestLimit, windowLength)
	return s
}

func (s *Server) AddStream(st *stream.Stream) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.streams[st.Name()] = st
}

// Handler returns the router, for embedding or testing
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe blocks until Shutdown is called
func (s *Server) ListenAndServe(addr string) error {
	s.Log.Infof("Status server listening on %v", addr)
	s.lock.Lock()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	srv := s.httpServer
	s.lock.Unlock()
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })
	s.lock.Lock()
	srv := s.httpServer
	s.lock.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) getStream(params httprouter.Params) *stream.Stream {
	name := params.ByName("name")
	s.lock.Lock()
	defer s.lock.Unlock()
	st := s.streams[name]
	if st == nil {
		www.PanicNotFoundf("Stream '%v' not found", name)
	}
	return st
}

func (s *Server) httpStreams(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.lock.Lock()
	list := []streamSummary{}
	for name := range s.streams {
		list = append(list, streamSummary{Name: name})
	}
	s.lock.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	www.CacheNever(w)
	www.SendJSON(w, list)
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	st := s.getStream(params)
	www.CacheNever(w)
	www.SendJSONOpt(w, st.Stats(), www.QueryValue(r, "pretty") == "1")
}

// Returns the most recent drops, newest last. ?limit=N returns only the last N.
func (s *Server) httpDrops(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	st := s.getStream(params)
	limit := www.QueryInt(r, "limit")
	if limit < 0 {
		www.PanicBadRequestf("limit must not be negative")
	}
	drops := st.RecentDrops()
	if limit != 0 && limit < len(drops) {
		drops = drops[len(drops)-limit:]
	}
	www.CacheNever(w)
	www.SendJSON(w, drops)
}

// Upgrade to a websocket, and push stats and drops every ?interval=N milliseconds
func (s *Server) httpLive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	st := s.getStream(params)
	interval := time.Duration(www.QueryInt(r, "interval")) * time.Millisecond
	if interval == 0 {
		interval = defaultLiveInterval
	} else if interval < minLiveInterval {
		www.PanicBadRequestf("interval must be at least %v milliseconds", minLiveInterval.Milliseconds())
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already sent an error response
		s.Log.Errorf("Live feed for %v failed to upgrade websocket: %v", st.Name(), err)
		return
	}
	defer conn.Close()
	s.runLiveFeed(conn, st, interval)
}

func (s *Server) runLiveFeed(conn *websocket.Conn, st *stream.Stream, interval time.Duration) {
	// We don't expect anything from the client, but we must read to notice when it goes away
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	seq := int64(0)
	for {
		msg := liveMessage{}
		msg.Drops, seq = st.DropsSince(seq)
		msg.Stats = st.Stats()
		if err := conn.WriteJSON(msg); err != nil {
			s.Log.Infof("Live feed for %v closed: %v", st.Name(), err)
			return
		}
		select {
		case <-clientGone:
			return
		case <-s.closing:
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
			return
		case <-ticker.C:
		}
	}
}
