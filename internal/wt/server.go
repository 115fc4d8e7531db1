// Package wt serves the relay protocol over WebTransport. A client opens one
// bidirectional stream and exchanges newline-delimited JSON envelopes.
package wt

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"chatrelay/internal/metrics"
	"chatrelay/internal/protocol"
	"chatrelay/internal/relay"
)

const writeTimeout = 5 * time.Second

// Stream is the part of a WebTransport stream the relay uses.
type Stream interface {
	io.ReadWriteCloser
	SetWriteDeadline(time.Time) error
}

// Server holds the WebTransport listener.
type Server struct {
	addr      string
	tlsConfig *tls.Config
	engine    *relay.Engine
	wt        *webtransport.Server
}

// NewServer returns a server that will listen on addr (UDP).
func NewServer(addr string, tlsConfig *tls.Config, engine *relay.Engine) *Server {
	return &Server{
		addr:      addr,
		tlsConfig: tlsConfig,
		engine:    engine,
	}
}

// Run starts the WebTransport server and blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	s.wt = &webtransport.Server{
		H3: &http3.Server{
			Addr:      s.addr,
			TLSConfig: s.tlsConfig,
			Handler:   mux,
		},
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	webtransport.ConfigureHTTP3Server(s.wt.H3)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		name, err := protocol.NormalizeDisplayName(r.URL.Query().Get("name"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sess, err := s.wt.Upgrade(w, r)
		if err != nil {
			slog.Warn("webtransport upgrade failed", "remote", r.RemoteAddr, "err", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		s.handleSession(ctx, sess, name)
	})

	slog.Info("webtransport listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		_ = s.wt.Close()
	}()

	err := s.wt.ListenAndServe()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (s *Server) handleSession(ctx context.Context, sess *webtransport.Session, name string) {
	defer sess.CloseWithError(0, "bye")

	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		slog.Debug("webtransport accept stream failed", "err", err)
		return
	}
	if err := ServeStream(ctx, s.engine, stream, name); err != nil {
		slog.Debug("webtransport stream ended", "err", err)
	}
}

// ServeStream registers a session named name and serves it over stream
// until the stream fails or ctx ends. The session is removed on return.
func ServeStream(ctx context.Context, engine *relay.Engine, stream Stream, name string) error {
	defer stream.Close()

	session, err := engine.Connect(name)
	if err != nil {
		return err
	}
	defer engine.Disconnect(session.ID)
	log := slog.With("session_id", session.ID, "transport", "webtransport")
	log.Info("webtransport connected", "name", session.DisplayName)

	go func() {
		enc := json.NewEncoder(stream)
		for out := range session.Send {
			_ = stream.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := enc.Encode(out); err != nil {
				log.Debug("webtransport write failed", "err", err)
				_ = stream.Close()
				return
			}
		}
	}()

	stop := context.AfterFunc(ctx, func() { _ = stream.Close() })
	defer stop()

	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 0, 4096), protocol.MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(line, &env); err != nil || env.Event == "" {
			metrics.InvalidEvents.WithLabelValues("malformed").Inc()
			log.Debug("malformed frame dropped", "bytes", len(line), "err", err)
			continue
		}
		_ = engine.Dispatch(ctx, session.ID, env)
	}

	err = scanner.Err()
	log.Info("webtransport disconnected")
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
