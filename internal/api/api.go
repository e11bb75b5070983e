// Copyright 2014 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package api is the HTTP control plane that routes requests onto a
// Session's command channel. It is deliberately thin: the core's command
// alphabet and reply kinds are defined by package session; this package
// only does request decoding, dispatch, and response encoding.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/team-worm/spice-sub000/internal/session"
	"github.com/team-worm/spice-sub000/internal/typedvalue"
)

// Server exposes one Session over HTTP.
type Server struct {
	log *slog.Logger
	sess *session.Session
}

// New returns a Server that forwards requests to sess.
func New(log *slog.Logger, sess *session.Session) *Server {
	return &Server{log: log, sess: sess}
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/functions", s.handleListFunctions)
	mux.HandleFunc("/functions/describe", s.handleDescribeFunction)
	mux.HandleFunc("/breakpoints", s.handleBreakpoints)
	mux.HandleFunc("/breakpoints/set", s.handleSetBreakpoint)
	mux.HandleFunc("/breakpoints/clear", s.handleClearBreakpoint)
	mux.HandleFunc("/continue", s.handleContinue)
	mux.HandleFunc("/call", s.handleCallFunction)
	mux.HandleFunc("/trace", s.handleTrace)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/quit", s.handleQuit)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, msg string) {
	w.WriteHeader(http.StatusBadRequest)
	s.writeJSON(w, map[string]string{"error": msg})
}

func (s *Server) send(w http.ResponseWriter, cmd session.Command) (session.Reply, bool) {
	reply := s.sess.Send(cmd)
	if reply.Kind == session.ReplyError {
		s.writeError(w, reply.Message)
		return reply, false
	}
	return reply, true
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	reply, ok := s.send(w, session.Command{Kind: session.CmdListFunctions})
	if !ok {
		return
	}
	s.writeJSON(w, reply.Functions)
}

func (s *Server) handleDescribeFunction(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	reply, ok := s.send(w, session.Command{Kind: session.CmdDescribeFunction, Addr: name})
	if !ok {
		return
	}
	s.writeJSON(w, reply.Function)
}

func (s *Server) handleBreakpoints(w http.ResponseWriter, r *http.Request) {
	reply, ok := s.send(w, session.Command{Kind: session.CmdListBreakpoints})
	if !ok {
		return
	}
	s.writeJSON(w, reply.Breakpoints)
}

func parseAddr(r *http.Request) (uint64, error) {
	return strconv.ParseUint(r.URL.Query().Get("addr"), 0, 64)
}

func (s *Server) handleSetBreakpoint(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(r)
	if err != nil {
		s.writeError(w, err.Error())
		return
	}
	if _, ok := s.send(w, session.Command{Kind: session.CmdSetBreakpoint, Address: addr}); !ok {
		return
	}
	s.writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleClearBreakpoint(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddr(r)
	if err != nil {
		s.writeError(w, err.Error())
		return
	}
	if _, ok := s.send(w, session.Command{Kind: session.CmdClearBreakpoint, Address: addr}); !ok {
		return
	}
	s.writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.send(w, session.Command{Kind: session.CmdContinue}); !ok {
		return
	}
	s.writeJSON(w, map[string]bool{"ok": true})
}

// callFunctionRequest is the JSON body of POST /call.
type callFunctionRequest struct {
	Address uint64                                    `json:"address"`
	Args    map[string]typedvalue.StructuredValueJSON `json:"args"`
}

func (s *Server) handleCallFunction(w http.ResponseWriter, r *http.Request) {
	var req callFunctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, err.Error())
		return
	}
	args, err := typedvalue.DecodeArgsJSON(req.Args)
	if err != nil {
		s.writeError(w, err.Error())
		return
	}
	reply, ok := s.send(w, session.Command{Kind: session.CmdCallFunction, Address: req.Address, Args: args})
	if !ok {
		return
	}
	s.writeJSON(w, reply.Records)
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	reply, ok := s.send(w, session.Command{Kind: session.CmdTrace})
	if !ok {
		return
	}
	s.writeJSON(w, reply.Records)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.send(w, session.Command{Kind: session.CmdStop}); !ok {
		return
	}
	s.writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleQuit(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.send(w, session.Command{Kind: session.CmdQuit}); !ok {
		return
	}
	s.writeJSON(w, map[string]bool{"ok": true})
}
