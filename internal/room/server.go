package room

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server is RS's HTTP surface: the /ws upgrade endpoint and the two
// password-lifecycle endpoints from spec section 6.
type Server struct {
	registry *Registry
}

func NewServer(registry *Registry) *Server {
	return &Server{registry: registry}
}

// Router builds the chi mux for RS, matching the endpoint shapes in spec
// section 6 exactly.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/ws", s.handleWS)
	r.Post("/api/room/set-password", s.handleSetPassword)
	r.Get("/api/room/check-password", s.handleCheckPassword)
	return r
}

type setPasswordRequest struct {
	PasswordHash string `json:"passwordHash"`
}

type setPasswordResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	code := NormalizeCode(r.URL.Query().Get("room"))
	if !ValidCode(code) {
		writeJSON(w, http.StatusBadRequest, setPasswordResponse{Error: "invalid room code"})
		return
	}
	var body setPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.PasswordHash == "" {
		writeJSON(w, http.StatusBadRequest, setPasswordResponse{Error: "passwordHash required"})
		return
	}
	if !s.registry.Passwords.SetIfAbsent(code, body.PasswordHash) {
		writeJSON(w, http.StatusOK, setPasswordResponse{Success: false, Error: "password already set"})
		return
	}
	writeJSON(w, http.StatusOK, setPasswordResponse{Success: true})
}

type checkPasswordResponse struct {
	HasPassword bool `json:"hasPassword"`
}

func (s *Server) handleCheckPassword(w http.ResponseWriter, r *http.Request) {
	code := NormalizeCode(r.URL.Query().Get("room"))
	_, has := s.registry.Passwords.Get(code)
	writeJSON(w, http.StatusOK, checkPasswordResponse{HasPassword: has})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	code := NormalizeCode(r.URL.Query().Get("room"))
	if code == "" {
		code = AssignCode(r.RemoteAddr)
	}
	if !ValidCode(code) {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}

	presentedHash := r.URL.Query().Get("passwordHash")
	if wantHash, has := s.registry.Passwords.Get(code); has {
		if presentedHash == "" || !constantTimeEqual(presentedHash, wantHash) {
			s.rejectUpgrade(w, r, code, presentedHash)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[room] upgrade failed: %v", err)
		return
	}
	s.serveConn(conn, code)
}

// rejectUpgrade upgrades just far enough to deliver the error frame and
// close code from spec section 4.1, then tears the socket down.
func (s *Server) rejectUpgrade(w http.ResponseWriter, r *http.Request, code, presentedHash string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	reason := ErrPasswordIncorrect
	closeCode := CloseCodePasswordIncorrect
	if presentedHash == "" {
		reason = ErrPasswordRequired
		closeCode = CloseCodePasswordRequired
	}

	_ = conn.WriteJSON(Message{Type: TypeError, Data: ErrorData{Error: reason}})
	closeMsg := websocket.FormatCloseMessage(closeCode, reason)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, closeMsg)
}

func (s *Server) serveConn(conn *websocket.Conn, code string) {
	defer conn.Close()

	sendCh := make(chan Message, 32)
	stopWriter := make(chan struct{})
	go writePump(conn, sendCh, stopWriter)
	defer close(stopWriter)

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var peerID string
	var joinedRoom *Room

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			break
		}

		switch msg.Type {
		case TypeJoin:
			if joinedRoom != nil {
				continue // already joined; a second join is a protocol error we simply ignore
			}
			var data JoinData
			if !decodeInto(msg.Data, &data) {
				continue
			}
			peerID = uuid.NewString()
			r := s.registry.GetOrCreate(code)
			joinedRoom = r
			others := r.Join(peerID, data, func(m Message) error {
				select {
				case sendCh <- m:
					return nil
				default:
					return errFullQueue
				}
			})
			sendCh <- Message{Type: TypeJoined, Data: JoinedData{PeerID: peerID, RoomCode: code, Peers: others}}

		case TypeNameChanged:
			if joinedRoom == nil {
				continue
			}
			var data JoinData
			if decodeInto(msg.Data, &data) {
				joinedRoom.Rename(peerID, data.Name)
			}

		default:
			if joinedRoom != nil {
				joinedRoom.Forward(peerID, msg)
			}
		}
	}

	if joinedRoom != nil {
		s.registry.Leave(code, peerID)
	}
}

// writePump serializes writes to the connection (gorilla/websocket
// forbids concurrent writers) and drives the ping ticker that realizes
// "RS advertises a ping/pong auto-response pair for liveness" from spec
// section 4.1.
func writePump(conn *websocket.Conn, sendCh <-chan Message, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-sendCh:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func decodeInto(data interface{}, out interface{}) bool {
	raw, err := json.Marshal(data)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
