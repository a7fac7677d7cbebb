package main

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"stackpad/controlplane/pkg/agent"
	"stackpad/controlplane/pkg/bridge"
	"stackpad/controlplane/pkg/config"
	"stackpad/controlplane/pkg/fsops"
	"stackpad/controlplane/pkg/hub"
	"stackpad/controlplane/pkg/nodes"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// sessionSet validates browser session IDs against the configured list.
// Stands in for the web framework's real session layer.
type sessionSet struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

func newSessionSet(ids []string) *sessionSet {
	s := &sessionSet{}
	s.replace(ids)
	return s
}

func (s *sessionSet) replace(ids []string) {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = struct{}{}
		}
	}
	s.mu.Lock()
	s.ids = set
	s.mu.Unlock()
}

func (s *sessionSet) Validate(sessionID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.ids[sessionID]; !ok {
		return errors.New("unknown session")
	}
	return nil
}

// resourceBinder maps applications and volumes to their nodes.
type resourceBinder struct {
	mu      sync.RWMutex
	apps    map[string]string
	volumes map[string]string
}

func newResourceBinder(apps, volumes map[string]string) *resourceBinder {
	b := &resourceBinder{}
	b.replace(apps, volumes)
	return b
}

func (b *resourceBinder) replace(apps, volumes map[string]string) {
	b.mu.Lock()
	b.apps = cloneMap(apps)
	b.volumes = cloneMap(volumes)
	b.mu.Unlock()
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (b *resourceBinder) NodeFor(applicationUUID, volumeName string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if applicationUUID != "" {
		if id, ok := b.apps[applicationUUID]; ok {
			return id, nil
		}
	}
	if volumeName != "" {
		if id, ok := b.volumes[volumeName]; ok {
			return id, nil
		}
	}
	return "", errors.New("no node for resource")
}

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/server.json", "server config file (json), priority: env > file > default")
	flag.Parse()

	setupLogging("server")

	cfg, err := config.LoadServerConfig(cfgPath)
	if err != nil {
		log.Printf("config load warning: %v", err)
		cfg, _ = config.LoadServerConfig("")
	}

	nodeToken := cfg.NodeToken
	if nodeToken == "" {
		plain, hashed, first, err := ensureTokenHash()
		if err != nil {
			log.Printf("token init error: %v", err)
		} else {
			nodeToken = hashed
			if first {
				log.Printf("[SECURITY] generated node token: %s", plain)
				log.Printf("store it now; only the hash is kept. Delete data/token and restart to reset.")
			}
		}
	}

	resolver := nodes.NewResolver(cfg.DNSServers)
	registry := nodes.NewRegistry(resolver)
	registry.Replace(cfg.Nodes)
	for _, n := range cfg.Nodes {
		if err := registry.Verify(n.ID); err != nil {
			log.Printf("node %s: address verification failed: %v", n.ID, err)
		}
	}

	var store bridge.Store
	if cfg.BridgeDB != "" {
		bs, err := bridge.OpenBolt(cfg.BridgeDB, 0)
		if err != nil {
			log.Fatalf("open bridge db: %v", err)
		}
		store = bs
	} else {
		store = bridge.NewMemoryStore(0)
	}
	defer store.Close()

	sessions := newSessionSet(cfg.Sessions)
	binder := newResourceBinder(cfg.Applications, cfg.Volumes)

	var br *bridge.Bridge
	h := hub.New(sessions, binder, registry, deferredBridge{&br})
	br = bridge.New(store, h, registry)

	srv := &http.Server{Addr: cfg.Addr, Handler: handler(h, br, registry, sessions, binder, nodeToken, cfg.StaticDir)}
	log.Printf("server listening on %s (tls=%v, bridge=%s)", cfg.Addr, cfg.TLS.Enable, storeKind(cfg.BridgeDB))

	if cfgPath != "" {
		go watchConfig(cfgPath, registry, sessions, binder)
	}

	if cfg.TLS.Enable {
		log.Fatal(srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile))
	} else {
		log.Fatal(srv.ListenAndServe())
	}
}

func storeKind(bridgeDB string) string {
	if bridgeDB != "" {
		return "bolt"
	}
	return "memory"
}

// deferredBridge breaks the hub<->bridge construction cycle.
type deferredBridge struct{ b **bridge.Bridge }

func (d deferredBridge) WriteReply(nodeID, requestID string, r bridge.Reply) error {
	return (*d.b).WriteReply(nodeID, requestID, r)
}

func handler(h *hub.Hub, br *bridge.Bridge, registry *nodes.Registry, sessions *sessionSet, binder *resourceBinder, nodeToken, staticDir string) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/channel", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// auth happens in-band via the handshake
		go h.ServeSession(ws)
	})

	mux.HandleFunc("/node", func(w http.ResponseWriter, r *http.Request) {
		if nodeToken != "" && !matchToken(bearerToken(r), nodeToken) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go h.ServeNode(ws)
	})

	mux.HandleFunc("/api/nodes", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(registry.List())
	})

	mux.HandleFunc("/api/nodes/allocate-port", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			NodeID string `json:"node_id"`
			Port   int    `json:"port"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, err := br.Call(r.Context(), req.NodeID, agent.BridgeActionPortCheck, fsops.PortCheckRequest{Port: req.Port})
		if err != nil {
			log.Printf("allocate-port node=%s port=%d: %v", req.NodeID, req.Port, err)
			http.Error(w, "Unable to verify port availability on node.", http.StatusUnprocessableEntity)
			return
		}
		var check fsops.PortCheckResult
		if err := json.Unmarshal(result, &check); err != nil {
			http.Error(w, "Unable to verify port availability on node.", http.StatusUnprocessableEntity)
			return
		}
		_ = json.NewEncoder(w).Encode(check)
	})

	mux.Handle("/", http.FileServer(http.Dir(staticDir)))
	return mux
}

func bearerToken(r *http.Request) string {
	got := r.URL.Query().Get("token")
	if got == "" {
		ah := r.Header.Get("Authorization")
		const p = "Bearer "
		if len(ah) > len(p) && ah[:len(p)] == p {
			got = ah[len(p):]
		}
	}
	return got
}

func watchConfig(path string, registry *nodes.Registry, sessions *sessionSet, binder *resourceBinder) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("watcher error: %v", err)
		return
	}
	defer w.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		log.Printf("abs path error: %v", err)
		return
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		log.Printf("watch add error: %v", err)
		return
	}
	for {
		select {
		case ev := <-w.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && filepath.Base(ev.Name) == filepath.Base(abs) {
				sc, err := config.LoadServerConfig(abs)
				if err != nil {
					log.Printf("reload config failed: %v", err)
					continue
				}
				registry.Replace(sc.Nodes)
				sessions.replace(sc.Sessions)
				binder.replace(sc.Applications, sc.Volumes)
				log.Printf("config reloaded: %s", abs)
			}
		case err := <-w.Errors:
			log.Printf("watch error: %v", err)
		}
	}
}

// setupLogging configures rotating file logs at logs/server.log and also writes to stdout.
func setupLogging(app string) {
	exe, _ := os.Executable()
	base := filepath.Dir(exe)
	dir := filepath.Join(base, "logs")
	_ = os.MkdirAll(dir, 0o755)
	file := filepath.Join(dir, app+".log")
	maxSize := getEnvInt("CTLPLANE_LOG_MAX_SIZE_MB", 20)
	maxBackups := getEnvInt("CTLPLANE_LOG_MAX_BACKUPS", 5)
	maxAge := getEnvInt("CTLPLANE_LOG_MAX_AGE_DAYS", 7)
	w := &lumberjack.Logger{Filename: file, MaxSize: maxSize, MaxBackups: maxBackups, MaxAge: maxAge, Compress: false}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetOutput(io.MultiWriter(os.Stdout, w))
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// ensureTokenHash ensures a token hash file exists under data/token.
// Returns (plainToken, hashed, firstCreated, error)
func ensureTokenHash() (string, string, bool, error) {
	exe, _ := os.Executable()
	base := filepath.Dir(exe)
	dataDir := filepath.Join(base, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", "", false, err
	}
	tokenFile := filepath.Join(dataDir, "token")
	if b, err := os.ReadFile(tokenFile); err == nil {
		return "", strings.TrimSpace(string(b)), false, nil
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", false, err
	}
	plain := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(plain))
	hashed := fmt.Sprintf("%x", sum[:])
	if err := os.WriteFile(tokenFile, []byte(hashed), 0o600); err != nil {
		return "", "", false, err
	}
	return plain, hashed, true, nil
}

// matchToken accepts either a sha256 hex at rest or a legacy plaintext value.
func matchToken(provided, stored string) bool {
	if provided == "" || stored == "" {
		return false
	}
	if len(stored) == 64 {
		sum := sha256.Sum256([]byte(provided))
		ph := fmt.Sprintf("%x", sum[:])
		return subtle.ConstantTimeCompare([]byte(ph), []byte(stored)) == 1
	}
	if len(provided) != len(stored) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(stored)) == 1
}
