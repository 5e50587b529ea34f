package realtime

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

const clientBuffer = 16

// Authorizer rejects a connection by returning an error.
type Authorizer func(r *http.Request) error

// session is the part of sockjs.Session the handler uses.
type session interface {
	Request() *http.Request
	Recv() (string, error)
	Send(string) error
	Close(status uint32, reason string) error
}

type ack struct {
	Type     string `json:"type"`
	DoctorID string `json:"doctor_id,omitempty"`
}

// NewHandler serves the SockJS endpoint under prefix. Clients send
// {"action":"subscribe","doctor_id":"..."} to start receiving that doctor's
// queue updates, or pass doctor_id as a query parameter when connecting.
func NewHandler(prefix string, hub *Hub, authorize Authorizer, log zerolog.Logger) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(s sockjs.Session) {
		serve(s, hub, authorize, log)
	})
}

func serve(s session, hub *Hub, authorize Authorizer, log zerolog.Logger) {
	req := s.Request()
	if authorize != nil {
		if err := authorize(req); err != nil {
			_ = s.Close(4001, "unauthorized")
			return
		}
	}

	client := &Client{ID: uuid.NewString(), Send: make(chan []byte, clientBuffer)}
	if req != nil {
		if doctorID := strings.TrimSpace(req.URL.Query().Get("doctor_id")); doctorID != "" {
			client.Subscription = Subscription{DoctorID: doctorID}
		}
	}
	hub.Register(client)
	defer hub.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := s.Send(string(msg)); err != nil {
				log.Debug().Err(err).Str("client_id", client.ID).Msg("send failed")
			}
		}
	}()

	for {
		msg, err := s.Recv()
		if err != nil {
			return
		}
		parsed, ok := ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			hub.UpdateSubscription(client, Subscription{})
			reply(hub, client, ack{Type: "unsubscribed"})
			continue
		}
		hub.UpdateSubscription(client, Subscription{DoctorID: parsed.DoctorID})
		reply(hub, client, ack{Type: "subscribed", DoctorID: parsed.DoctorID})
	}
}

func reply(hub *Hub, client *Client, msg ack) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if _, ok := hub.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
	}
}
