package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/tmaxmax/go-sse"

	"github.com/Klingon-tech/localchain/internal/broadcast"
	"github.com/Klingon-tech/localchain/internal/metrics"
	"github.com/Klingon-tech/localchain/pkg/types"
)

func newEvent(event, data string) *sse.Message {
	m := &sse.Message{}
	if event != "" {
		m.Type = sse.Type(event)
	}
	m.AppendData(data)
	return m
}

// startStream upgrades the response to an event stream and sends the
// headers right away.
func startStream(w http.ResponseWriter, r *http.Request) (*sse.Session, error) {
	h := w.Header()
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		return nil, err
	}
	return sess, sess.Flush()
}

func send(sess *sse.Session, m *sse.Message) error {
	if err := sess.Send(m); err != nil {
		return err
	}
	return sess.Flush()
}

// streamNotFound answers a stream request for an unknown chain with a
// single terminal error event.
func (s *Server) streamNotFound(w http.ResponseWriter, r *http.Request) {
	sess, err := startStream(w, r)
	if err != nil {
		s.logger.Debug().Err(err).Msg("Event stream upgrade failed")
		return
	}
	_ = send(sess, newEvent("error", "not found"))
}

// serveStream relays sub to the client until the client goes away or the
// chain is deleted. A subscriber that fell behind is told so with a ping
// event before the next item.
func serveStream[T any](s *Server, w http.ResponseWriter, r *http.Request, stream string, sub *broadcast.Subscription[T], encode func(T) (string, error)) {
	defer sub.Close()

	sess, err := startStream(w, r)
	if err != nil {
		s.logger.Debug().Err(err).Str("stream", stream).Msg("Event stream upgrade failed")
		return
	}

	gauge := metrics.StreamSubscribers.WithLabelValues(stream, "sse")
	gauge.Inc()
	defer gauge.Dec()

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	var dropped uint64
	for {
		select {
		case <-r.Context().Done():
			return

		case <-keepAlive.C:
			m := &sse.Message{}
			m.AppendComment("keep-alive")
			if send(sess, m) != nil {
				return
			}

		case v, ok := <-sub.C():
			if !ok {
				return
			}
			if d := sub.Dropped(); d != dropped {
				dropped = d
				if sess.Send(newEvent("ping", "")) != nil {
					return
				}
			}
			data, err := encode(v)
			if err != nil {
				s.logger.Warn().Err(err).Str("stream", stream).Msg("Failed to encode event")
				continue
			}
			if send(sess, newEvent("", data)) != nil {
				return
			}
		}
	}
}

func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := chainID(ps)
	if !ok {
		s.streamNotFound(w, r)
		return
	}
	sub, err := s.reg.SubscribeLogs(id)
	if err != nil {
		s.streamNotFound(w, r)
		return
	}
	serveStream(s, w, r, "logs", sub, func(l types.LogLine) (string, error) {
		return l.String(), nil
	})
}

func (s *Server) handleBlockStream(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id, ok := chainID(ps)
	if !ok {
		s.streamNotFound(w, r)
		return
	}
	sub, err := s.reg.SubscribeBlocks(id)
	if err != nil {
		s.streamNotFound(w, r)
		return
	}
	serveStream(s, w, r, "blocks", sub, func(b types.Block) (string, error) {
		data, err := json.Marshal(b)
		return string(data), err
	})
}
