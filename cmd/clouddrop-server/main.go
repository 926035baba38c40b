// Command clouddrop-server runs the Room Server: the per-room signaling
// broker, peer roster, and password gate from spec sections 3, 4.1, and 6.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/waterslowdown/clouddrop/internal/room"
)

func main() {
	port := flag.Int("port", 8080, "port to listen on")
	bindAddr := flag.String("bind-address", "", "address to bind to (default: all interfaces)")
	kvPath := flag.String("room-kv-path", "", "path to a password-hash store file; empty means in-memory only")
	flag.Parse()

	if v := getEnv("PORT", ""); v != "" {
		if n, err := fmt.Sscanf(v, "%d", port); err != nil || n != 1 {
			log.Fatalf("invalid PORT %q", v)
		}
	}
	bind := getEnv("BIND_ADDRESS", *bindAddr)
	kv := getEnv("ROOM_KV_PATH", *kvPath)

	var store room.PasswordStore
	if kv != "" {
		fileStore, err := room.NewFilePasswordStore(kv)
		if err != nil {
			log.Fatalf("open password store %s: %v", kv, err)
		}
		defer fileStore.Close()
		store = fileStore
		log.Printf("[clouddrop-server] password store: %s (durable)", kv)
	} else {
		store = room.NewMemoryPasswordStore()
		log.Printf("[clouddrop-server] password store: in-memory (non-durable)")
	}

	registry := room.NewRegistry(store)
	srv := room.NewServer(registry)

	addr := fmt.Sprintf("%s:%d", bind, *port)
	log.Printf("[clouddrop-server] listening on %s", addr)
	log.Printf("[clouddrop-server] websocket endpoint: ws://%s/ws?room=<code>", addr)
	if err := http.ListenAndServe(addr, srv.Router()); err != nil {
		log.Fatalf("[clouddrop-server] server failed: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
