// Command clouddrop is the peer process: it joins a room on RS, drives
// PCM's perfect-negotiation and TE's request/accept/stream pipeline, and
// exposes a minimal line-oriented console for sending text and files.
//
// The original system's PCM and TE run inside a browser tab; this
// process is their Go-native host, speaking the same RS wire protocol
// (spec sections 4 and 6) so a real browser client could interoperate
// with it unmodified.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/waterslowdown/clouddrop/internal/pcm"
	"github.com/waterslowdown/clouddrop/internal/room"
	"github.com/waterslowdown/clouddrop/internal/rsclient"
	"github.com/waterslowdown/clouddrop/internal/transfer"
)

func main() {
	serverURL := flag.String("server", getEnv("SERVER_URL", "ws://localhost:8080"), "RS base URL")
	roomCode := flag.String("room", getEnv("ROOM_CODE", ""), "room code to join (empty: RS assigns one)")
	password := flag.String("password", getEnv("ROOM_PASSWORD", ""), "room password, if the room requires one")
	name := flag.String("name", getEnv("PEER_NAME", ""), "display name (default: hostname)")
	device := flag.String("device", getEnv("DEVICE_TYPE", string(room.DeviceDesktop)), "desktop | mobile | tablet")
	downloadDir := flag.String("download-dir", getEnv("DOWNLOAD_DIR", "./downloads"), "directory received files are written to")
	trustStorePath := flag.String("trust-store", getEnv("TRUST_STORE_PATH", defaultTrustStorePath()), "path to the persisted trust store")
	autoAccept := flag.Bool("auto-accept", getEnv("AUTO_ACCEPT", "") != "", "accept every incoming file without prompting")
	flag.Parse()

	if *name == "" {
		if h, err := os.Hostname(); err == nil {
			*name = h
		} else {
			*name = "clouddrop-peer"
		}
	}
	if err := os.MkdirAll(*downloadDir, 0o755); err != nil {
		log.Fatalf("[clouddrop] create download dir: %v", err)
	}

	trustStore := loadTrustStore(*trustStorePath)
	defer func() {
		if err := saveTrustStore(trustStore, *trustStorePath); err != nil {
			log.Printf("[clouddrop] save trust store: %v", err)
		}
	}()

	rc := rsclient.New(rsclient.Config{
		ServerURL: *serverURL,
		RoomCode:  strings.ToUpper(*roomCode),
		Password:  *password,
		Name:      *name,
		Device:    room.DeviceClass(*device),
		Browser:   "clouddrop-cli",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rc.Run(ctx)

	app := &app{
		rc:          rc,
		roster:      newRoster(),
		downloadDir: *downloadDir,
		autoAccept:  *autoAccept,
		pending:     make(map[string]string),
	}

	// PCM's politeness tie-break and every log line it emits are keyed by
	// the locally assigned peer id, which only exists once RS admits the
	// join -- so PCM and TE are not constructed until that first
	// Connected event arrives.
	connected := app.awaitFirstConnection(ctx)
	if connected == nil {
		return // ctx cancelled (e.g. Ctrl-C) before RS ever admitted the join
	}

	pcmMgr := pcm.NewManager(connected.PeerID, rc, pcm.DefaultConfig(), 64)
	engine := transfer.NewEngine(connected.PeerID, pcmDataSender{manager: pcmMgr}, rc, app.roster, pcmMgr, trustStore, 64)
	app.pcm = pcmMgr
	app.engine = engine

	go app.pumpRS(ctx)
	go app.pumpPCM(ctx)
	go app.pumpEngine(ctx)

	app.repl(ctx)
	cancel()
	pcmMgr.CloseAll()
	rc.Close()
}

// awaitFirstConnection blocks until RS admits the join, replaying any
// PasswordRejected/Disconnected status in the meantime, and returns nil
// if ctx is cancelled first.
func (a *app) awaitFirstConnection(ctx context.Context) *rsclient.Connected {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-a.rc.Events():
			switch e := ev.(type) {
			case rsclient.Connected:
				a.localID = e.PeerID
				a.roomCode = e.RoomCode
				a.roster.setAll(e.Peers)
				fmt.Printf("joined room %s as %s\n", e.RoomCode, e.PeerID)
				for _, p := range e.Peers {
					fmt.Printf("  already present: %s (%s) [%s]\n", p.Name, p.ID, p.DeviceType)
				}
				return &e
			case rsclient.PasswordRejected:
				if e.Required {
					fmt.Println("this room requires a password; enter it now:")
				} else {
					fmt.Println("incorrect password; enter the correct one now:")
				}
				a.promptForPassword()
			case rsclient.Disconnected:
				fmt.Printf("connecting to RS: %v\n", e.Err)
			}
		}
	}
}

func (a *app) promptForPassword() {
	scanner := bufio.NewScanner(os.Stdin)
	if scanner.Scan() {
		a.rc.SetPassword(strings.TrimSpace(scanner.Text()))
	}
}

type app struct {
	rc     *rsclient.Client
	pcm    *pcm.Manager
	engine *transfer.Engine
	roster *roster

	localID     string
	roomCode    string
	downloadDir string
	autoAccept  bool

	pendingMu sync.Mutex
	pending   map[string]string // fileID -> peerID, for prompts still awaiting a console decision
}

// pumpRS drains the RS client's events: Connected/Disconnected/
// PasswordRejected for status, roster maintenance from broadcast frames,
// and dispatch of the rest into PCM (signaling) or TE (control-plane).
func (a *app) pumpRS(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.rc.Events():
			switch e := ev.(type) {
			case rsclient.Connected:
				a.localID = e.PeerID
				a.roomCode = e.RoomCode
				a.roster.setAll(e.Peers)
				fmt.Printf("joined room %s as %s\n", e.RoomCode, e.PeerID)
				for _, p := range e.Peers {
					fmt.Printf("  already present: %s (%s) [%s]\n", p.Name, p.ID, p.DeviceType)
				}

			case rsclient.Disconnected:
				if e.Reconnecting {
					fmt.Printf("disconnected from RS, reconnecting: %v\n", e.Err)
				} else {
					fmt.Printf("disconnected from RS: %v\n", e.Err)
				}

			case rsclient.PasswordRejected:
				if e.Required {
					fmt.Println("this room requires a password (use: password <value>)")
				} else {
					fmt.Println("incorrect password (use: password <value>)")
				}

			case room.Message:
				a.handleRoomMessage(e)
			}
		}
	}
}

func (a *app) handleRoomMessage(msg room.Message) {
	switch msg.Type {
	case room.TypePeerJoined:
		var p room.PeerInfo
		if room.DecodeData(msg.Data, &p) == nil {
			a.roster.upsert(p)
			fmt.Printf("peer joined: %s (%s) [%s]\n", p.Name, p.ID, p.DeviceType)
		}

	case room.TypePeerLeft:
		var p room.PeerInfo
		if room.DecodeData(msg.Data, &p) == nil {
			a.roster.remove(p.ID)
			fmt.Printf("peer left: %s\n", p.ID)
			_ = a.pcm.Close(p.ID)
		}

	case room.TypeNameChanged:
		var p room.PeerInfo
		if room.DecodeData(msg.Data, &p) == nil {
			a.roster.upsert(p)
		}

	case room.TypeText:
		// RS-relayed quick text, delivered independent of PCM/TE state
		// (spec section 4.1's forwardable set lists `text` alongside the
		// PCM-signaling types) -- distinct from TE's own data-channel
		// FrameText, which SendText below drives once a stream exists.
		var d struct {
			Text string `json:"text"`
		}
		if room.DecodeData(msg.Data, &d) == nil {
			fmt.Printf("[%s] %s\n", msg.From, d.Text)
		}

	case room.TypeOffer, room.TypeAnswer, room.TypeICECandidate, room.TypeKeyExchange, room.TypeRelayData:
		a.pcm.HandleMessage(msg)

	case room.TypeFileRequest, room.TypeFileResponse, room.TypeFileCancel:
		a.engine.HandleControl(msg)
	}
}

// pumpPCM forwards inbound data-channel/relay payloads into TE and logs
// connection-state transitions.
func (a *app) pumpPCM(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.pcm.Events():
			switch e := ev.(type) {
			case pcm.StateChange:
				fmt.Printf("[pcm] %s -> %s\n", e.PeerID, e.State)
			case pcm.Received:
				a.engine.HandleData(e.PeerID, e.Data)
			}
		}
	}
}

// pumpEngine surfaces transfer-engine events to the console and writes
// completed receives to disk.
func (a *app) pumpEngine(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.engine.Events():
			switch e := ev.(type) {
			case transfer.FileRequested:
				if a.autoAccept {
					_ = a.engine.RespondToFileRequest(e.PeerID, e.FileID, true, false)
					continue
				}
				a.pendingMu.Lock()
				a.pending[e.FileID] = e.PeerID
				a.pendingMu.Unlock()
				fmt.Printf("incoming file %q (%d bytes) from %s [%s] -- accept %s / decline %s\n",
					e.Name, e.Size, e.PeerID, e.FileID, e.FileID, e.FileID)

			case transfer.TransferStarted:
				fmt.Printf("transfer %s started (%s, %s, %d bytes)\n", e.FileID, e.Direction, e.Name, e.Size)

			case transfer.Progress:
				fmt.Printf("\r%s: %d%% (%s)   ", e.FileID, e.Percent, e.Mode)

			case transfer.FileReceived:
				path := filepath.Join(a.downloadDir, sanitizeFilename(e.Name))
				if err := os.WriteFile(path, e.Data, 0o644); err != nil {
					fmt.Printf("\nfailed to save %s: %v\n", e.Name, err)
					continue
				}
				fmt.Printf("\nreceived %s -> %s\n", e.Name, path)

			case transfer.TransferCancelled:
				fmt.Printf("\ntransfer %s cancelled (%v)\n", e.FileID, e.Reason)

			case transfer.TransferFailed:
				fmt.Printf("\ntransfer %s failed: %s\n", e.FileID, e.Kind)

			case transfer.TextReceived:
				fmt.Printf("[%s] %s\n", e.PeerID, e.Text)
			}
		}
	}
}

// repl reads simple line commands from stdin until EOF or "quit".
func (a *app) repl(ctx context.Context) {
	fmt.Println("commands: peers | text <peer> <msg> | send <peer> <path> | accept <fileID> | decline <fileID> | trust <fileID> | cancel <fileID> | password <value> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 3)
		switch fields[0] {
		case "quit", "exit":
			return

		case "peers":
			for _, p := range a.roster.snapshot() {
				fmt.Printf("  %s (%s) [%s] state=%s\n", p.Name, p.ID, p.DeviceType, a.pcm.State(p.ID))
			}

		case "password":
			if len(fields) < 2 {
				continue
			}
			a.rc.SetPassword(fields[1])

		case "text":
			if len(fields) < 3 {
				fmt.Println("usage: text <peer> <message>")
				continue
			}
			if err := a.engine.SendText(fields[1], fields[2]); err != nil {
				fmt.Println("error:", err)
			}

		case "send":
			if len(fields) < 3 {
				fmt.Println("usage: send <peer> <path>")
				continue
			}
			a.sendFile(fields[1], fields[2])

		case "accept":
			if len(fields) < 2 {
				continue
			}
			if err := a.acceptByFileID(fields[1], true, false); err != nil {
				fmt.Println("error:", err)
			}

		case "trust":
			if len(fields) < 2 {
				continue
			}
			if err := a.acceptByFileID(fields[1], true, true); err != nil {
				fmt.Println("error:", err)
			}

		case "decline":
			if len(fields) < 2 {
				continue
			}
			if err := a.acceptByFileID(fields[1], false, false); err != nil {
				fmt.Println("error:", err)
			}

		case "cancel":
			if len(fields) < 2 {
				continue
			}
			a.engine.CancelSend(fields[1], transfer.CancelUser)
			a.engine.CancelRecv(fields[1], transfer.CancelUser)

		default:
			fmt.Println("unrecognized command")
		}
	}
}

func (a *app) sendFile(peerID, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fileID, err := a.engine.SendFile(peerID, filepath.Base(path), data)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("queued %s -> %s (%s)\n", path, peerID, fileID)
}

// acceptByFileID resolves a fileID against the peer it came from; TE's
// RespondToFileRequest needs peerID for the auto-trust lookup, but the
// console commands only pass a fileID, so this looks it up in the
// still-open prompt set the way a UI list-of-prompts would.
func (a *app) acceptByFileID(fileID string, accept, trustAfter bool) error {
	a.pendingMu.Lock()
	peerID, ok := a.pending[fileID]
	delete(a.pending, fileID)
	a.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("no pending request %s", fileID)
	}
	return a.engine.RespondToFileRequest(peerID, fileID, accept, trustAfter)
}

func sanitizeFilename(name string) string {
	name = filepath.Base(name)
	if name == "" || name == "." || name == ".." {
		return "download.bin"
	}
	return name
}

func defaultTrustStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./clouddrop-trust.json"
	}
	return filepath.Join(home, ".clouddrop", "trust.json")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
