package hubtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/agentmc-ai/supervisor/pkg/protocol"
)

const subscribeDeadline = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// socketFrame mirrors the channel wire protocol.
type socketFrame struct {
	Event    string          `json:"event"`
	Channel  string          `json:"channel,omitempty"`
	Auth     string          `json:"auth,omitempty"`
	SocketID string          `json:"socket_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// socketConn serializes writes to one subscriber.
type socketConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *socketConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// channelClaims is the signed grant for one socket/channel pair.
type channelClaims struct {
	Channel  string `json:"chan"`
	SocketID string `json:"sid"`
	jwt.RegisteredClaims
}

func (s *Server) signChannel(channel, socketID string) (string, error) {
	claims := channelClaims{
		Channel:  channel,
		SocketID: socketID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(2 * time.Minute)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

func (s *Server) verifyChannel(auth, channel, socketID string) error {
	claims := &channelClaims{}
	_, err := jwt.ParseWithClaims(auth, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return err
	}
	if claims.Channel != channel || claims.SocketID != socketID {
		return fmt.Errorf("auth grant does not match channel %q socket %q", channel, socketID)
	}
	return nil
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sc := &socketConn{conn: conn}

	_ = conn.SetReadDeadline(time.Now().Add(subscribeDeadline))
	var sub socketFrame
	if err := conn.ReadJSON(&sub); err != nil || sub.Event != "subscribe" {
		conn.Close()
		return
	}

	if st := s.takeFault(OpSubscribe); st != 0 {
		data, _ := json.Marshal(map[string]any{"status": st, "message": "injected fault"})
		_ = sc.writeJSON(socketFrame{Event: "error", Channel: sub.Channel, Data: data})
		conn.Close()
		return
	}
	if err := s.verifyChannel(sub.Auth, sub.Channel, sub.SocketID); err != nil {
		data, _ := json.Marshal(map[string]any{"status": 401, "message": err.Error()})
		_ = sc.writeJSON(socketFrame{Event: "error", Channel: sub.Channel, Data: data})
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	if err := sc.writeJSON(socketFrame{Event: "subscription_succeeded", Channel: sub.Channel}); err != nil {
		conn.Close()
		return
	}

	s.mu.Lock()
	s.subs[sub.Channel] = append(s.subs[sub.Channel], sc)
	s.mu.Unlock()

	// Drain until the client hangs up, then unregister.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.removeSub(sub.Channel, sc)
	conn.Close()
}

func (s *Server) removeSub(channel string, sc *socketConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.subs[channel]
	for i, c := range conns {
		if c == sc {
			s.subs[channel] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
}

func (s *Server) broadcast(channel string, sig protocol.Signal) {
	data, err := json.Marshal(sig)
	if err != nil {
		return
	}
	s.mu.Lock()
	conns := make([]*socketConn, len(s.subs[channel]))
	copy(conns, s.subs[channel])
	s.mu.Unlock()

	frame := socketFrame{Event: "signal", Channel: channel, Data: data}
	for _, sc := range conns {
		_ = sc.writeJSON(frame)
	}
}

// DropSockets force-closes every live socket subscriber. Tests use it to
// exercise reconnect handling.
func (s *Server) DropSockets() {
	s.mu.Lock()
	var all []*socketConn
	for ch, conns := range s.subs {
		all = append(all, conns...)
		delete(s.subs, ch)
	}
	s.mu.Unlock()
	for _, sc := range all {
		sc.conn.Close()
	}
}
