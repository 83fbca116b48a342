// Copyright (c) 2025 Sumner Evans
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package relay implements the HTTP rendezvous relay that the rendezvous
// package's client talks to. Sessions are kept in memory: a relay holds at
// most one small payload per session for a few minutes, so there is nothing
// worth persisting.
package relay

import (
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	// DefaultSessionTTL is how long a session lives without being written to.
	DefaultSessionTTL = 1 * time.Minute
	// DefaultLongPollTimeout is how long a GET is held open waiting for new
	// data before responding with 304.
	DefaultLongPollTimeout = 30 * time.Second

	maxPayloadSize = 8 * 1024
)

type session struct {
	data      []byte
	seq       int
	expiresAt time.Time
	// changed is closed and replaced whenever data is written, waking up
	// any held GETs.
	changed chan struct{}
}

func (s *session) etag() string {
	return strconv.Itoa(s.seq)
}

// Relay is an in-memory rendezvous relay.
type Relay struct {
	log  zerolog.Logger
	lock sync.Mutex
	// sessions is lazily pruned: expired entries are dropped whenever they
	// are looked up or a new session is created.
	sessions map[string]*session

	// SessionTTL overrides DefaultSessionTTL when positive.
	SessionTTL time.Duration
	// LongPollTimeout overrides DefaultLongPollTimeout when positive.
	LongPollTimeout time.Duration
}

func New(log zerolog.Logger) *Relay {
	return &Relay{
		log:      log,
		sessions: make(map[string]*session),
	}
}

func (r *Relay) ttl() time.Duration {
	if r.SessionTTL > 0 {
		return r.SessionTTL
	}
	return DefaultSessionTTL
}

func (r *Relay) longPollTimeout() time.Duration {
	if r.LongPollTimeout > 0 {
		return r.LongPollTimeout
	}
	return DefaultLongPollTimeout
}

// Router returns the HTTP routes of the relay: POST / to create a session,
// then GET, PUT and DELETE on /{session_id}.
func (r *Relay) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/", r.createSession).Methods(http.MethodPost)
	router.HandleFunc("/{sessionID}", r.getSession).Methods(http.MethodGet)
	router.HandleFunc("/{sessionID}", r.updateSession).Methods(http.MethodPut)
	router.HandleFunc("/{sessionID}", r.deleteSession).Methods(http.MethodDelete)
	return router
}

func readPayload(w http.ResponseWriter, req *http.Request) ([]byte, bool) {
	data, err := io.ReadAll(io.LimitReader(req.Body, maxPayloadSize+1))
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return nil, false
	}
	if len(data) > maxPayloadSize {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return data, true
}

// getLocked returns the live session with the given ID, pruning it if it has
// expired. Callers must hold r.lock.
func (r *Relay) getLocked(sessionID string) *session {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	if time.Now().After(sess.expiresAt) {
		delete(r.sessions, sessionID)
		return nil
	}
	return sess
}

func (r *Relay) createSession(w http.ResponseWriter, req *http.Request) {
	data, ok := readPayload(w, req)
	if !ok {
		return
	}
	sessionID := xid.New().String()
	sess := &session{
		data:      data,
		seq:       1,
		expiresAt: time.Now().Add(r.ttl()),
		changed:   make(chan struct{}),
	}
	r.lock.Lock()
	r.sessions[sessionID] = sess
	r.lock.Unlock()
	r.log.Debug().Str("session_id", sessionID).Msg("Created session")

	w.Header().Set("Location", sessionID)
	w.Header().Set("ETag", sess.etag())
	w.Header().Set("Expires", sess.expiresAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusCreated)
}

func (r *Relay) getSession(w http.ResponseWriter, req *http.Request) {
	sessionID := mux.Vars(req)["sessionID"]
	deadline := time.NewTimer(r.longPollTimeout())
	defer deadline.Stop()

	for {
		r.lock.Lock()
		sess := r.getLocked(sessionID)
		if sess == nil {
			r.lock.Unlock()
			w.WriteHeader(http.StatusNotFound)
			return
		}
		etag := sess.etag()
		data := sess.data
		expiresAt := sess.expiresAt
		changed := sess.changed
		r.lock.Unlock()

		w.Header().Set("ETag", etag)
		w.Header().Set("Expires", expiresAt.UTC().Format(http.TimeFormat))
		if req.Header.Get("If-None-Match") != etag {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(data)
			return
		}

		// Hold the request open until someone writes, the hold times out,
		// or the client goes away.
		select {
		case <-changed:
		case <-deadline.C:
			w.WriteHeader(http.StatusNotModified)
			return
		case <-req.Context().Done():
			return
		}
	}
}

func (r *Relay) updateSession(w http.ResponseWriter, req *http.Request) {
	sessionID := mux.Vars(req)["sessionID"]
	data, ok := readPayload(w, req)
	if !ok {
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	sess := r.getLocked(sessionID)
	if sess == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	// An If-Match with a stale token means the writer hasn't seen the
	// latest payload: let it poll first instead of overwriting. A missing
	// If-Match is the peer's very first write into a session it attached to
	// out of band, which is always allowed.
	if ifMatch := req.Header.Get("If-Match"); ifMatch != "" && ifMatch != sess.etag() {
		w.WriteHeader(http.StatusPreconditionFailed)
		return
	}
	sess.data = data
	sess.seq++
	sess.expiresAt = time.Now().Add(r.ttl())
	close(sess.changed)
	sess.changed = make(chan struct{})

	w.Header().Set("ETag", sess.etag())
	w.Header().Set("Expires", sess.expiresAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusAccepted)
}

func (r *Relay) deleteSession(w http.ResponseWriter, req *http.Request) {
	sessionID := mux.Vars(req)["sessionID"]
	r.lock.Lock()
	sess := r.getLocked(sessionID)
	if sess != nil {
		delete(r.sessions, sessionID)
		// Wake up held polls so they see the session is gone.
		close(sess.changed)
	}
	r.lock.Unlock()
	if sess == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	r.log.Debug().Str("session_id", sessionID).Msg("Deleted session")
	w.WriteHeader(http.StatusNoContent)
}
