package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	svc "github.com/kardianos/service"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"stackpad/controlplane/pkg/agent"
	cfgpkg "stackpad/controlplane/pkg/config"
)

var version = "0.1.0"

const reconnectBackoff = time.Second

func main() {
	setupLogging("agent")

	cc, _ := cfgpkg.LoadAgentConfig("")
	defURL := cc.ServerURL
	if defURL == "" {
		defURL = "ws://127.0.0.1:8080/node"
	}
	server := flag.String("server", defURL, "server ws url (env CTLPLANE_AGENT_SERVER_URL or config/agent.json)")
	nodeID := flag.String("node", cc.NodeID, "node id (env CTLPLANE_AGENT_NODE_ID or config)")
	token := flag.String("token", cc.Token, "auth token (env CTLPLANE_AGENT_TOKEN or config)")
	svcCmd := flag.String("service", "", "service control: install|uninstall|start|stop|run")
	svcName := flag.String("svcname", "StackpadNodeAgent", "service name")
	flag.Parse()
	if *nodeID == "" {
		hn, _ := os.Hostname()
		*nodeID = hn
	}

	cfg := agent.Config{
		ServerURL:   *server,
		Token:       *token,
		NodeID:      *nodeID,
		FilesRoot:   cc.FilesRoot,
		VolumesRoot: cc.VolumesRoot,
		ChunkSize:   cc.ChunkSize,
		Version:     version,
	}

	if *svcCmd != "" {
		if err := handleServiceCmd(*svcCmd, *svcName, cfg); err != nil {
			log.Fatalf("service %s failed: %v", *svcCmd, err)
		}
		return
	}

	reconnectCh := make(chan struct{}, 1)
	go watchAgentConfig(reconnectCh)

	serve(context.Background(), cfg, reconnectCh)
}

// serve runs connect cycles with the uniform fixed backoff, reloading config
// when the watcher flags a change.
func serve(ctx context.Context, cfg agent.Config, reconnectCh <-chan struct{}) {
	for {
		a := agent.New(cfg)
		if err := a.Run(ctx); err != nil {
			log.Printf("disconnected: %v; retry in %s", err, reconnectBackoff)
		}
		select {
		case <-reconnectCh:
			nc, _ := cfgpkg.LoadAgentConfig("")
			if nc.ServerURL != "" {
				cfg.ServerURL = nc.ServerURL
			}
			if nc.Token != "" {
				cfg.Token = nc.Token
			}
			if nc.NodeID != "" {
				cfg.NodeID = nc.NodeID
			}
		default:
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectBackoff):
		}
	}
}

// ---- Service integration ----

type program struct {
	cfg    agent.Config
	cancel context.CancelFunc
}

func (p *program) Start(s svc.Service) error {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go serve(ctx, p.cfg, nil)
	return nil
}

func (p *program) Stop(s svc.Service) error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

func handleServiceCmd(cmd, name string, cfg agent.Config) error {
	sc := &svc.Config{
		Name:        name,
		DisplayName: name,
		Description: "Stackpad node agent",
		Option:      map[string]interface{}{"Restart": "on-failure", "RunAtLoad": true, "StartType": "automatic"},
	}
	p := &program{cfg: cfg}
	s, err := svc.New(p, sc)
	if err != nil {
		return err
	}
	switch strings.ToLower(cmd) {
	case "install":
		return s.Install()
	case "uninstall":
		return s.Uninstall()
	case "start":
		return s.Start()
	case "stop":
		return s.Stop()
	case "run":
		return s.Run()
	default:
		return fmt.Errorf("unknown service command: %s", cmd)
	}
}

// watchAgentConfig watches config/agent.json and notifies reconnectCh when it changes.
func watchAgentConfig(reconnectCh chan<- struct{}) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return
	}
	defer w.Close()
	path := filepath.Join("config", "agent.json")
	abs, _ := filepath.Abs(path)
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return
	}
	last := time.Now()
	for {
		select {
		case ev := <-w.Events:
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 && filepath.Base(ev.Name) == filepath.Base(abs) {
				// debounce 500ms
				if time.Since(last) < 500*time.Millisecond {
					continue
				}
				last = time.Now()
				select {
				case reconnectCh <- struct{}{}:
				default:
				}
			}
		case <-w.Errors:
		}
	}
}

// logging setup mirrors the server
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
