// Callscribe — CLI entry point.
//
// This tool places or answers a two-party WebRTC call and keeps a merged live
// transcript of both sides. Call setup goes through a signaling store (a
// relay server or a shared SQLite file); transcript fragments then travel
// over a DataChannel. Local fragments are read line by line from stdin or
// from a file written by an external speech engine.
//
// It can be launched interactively (no -role flag) or non-interactively via
// CLI flags (-role, -call, -store, -url, -db, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/callscribe/internal/call"
	"github.com/1ureka/callscribe/internal/config"
	"github.com/1ureka/callscribe/internal/signaling"
	"github.com/1ureka/callscribe/internal/transcript"
	"github.com/1ureka/callscribe/internal/transport"
	"github.com/1ureka/callscribe/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C, which ends the call.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	role := flag.String("role", "", "Role: caller or callee")
	callID := flag.String("call", "", "Call ID to join (callee only)")
	storeKind := flag.String("store", "", "Signaling store: remote or sqlite")
	storeURL := flag.String("url", "", "Relay base URL (remote store)")
	dbPath := flag.String("db", "", "Database file shared by both peers (sqlite store)")
	source := flag.String("source", "", "Transcript source: stdin or file")
	file := flag.String("file", "", "Transcript file to tail (file source)")
	lang := flag.String("lang", "", "Capture language (BCP 47 tag)")
	once := flag.Bool("once", false, "Stop capturing after the first fragment")
	policy := flag.String("policy", "", "Join barrier: handshake or channel")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, used, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// Flags override the config file and environment only when given.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "call":
			cfg.CallID = *callID
		case "store":
			cfg.Store.Kind = *storeKind
		case "url":
			cfg.Store.URL = *storeURL
		case "db":
			cfg.Store.Path = *dbPath
		case "source":
			cfg.Capture.Source = *source
		case "file":
			cfg.Capture.File = *file
		case "lang":
			cfg.Capture.Language = *lang
		case "once":
			cfg.Capture.Continuous = !*once
		case "policy":
			cfg.JoinPolicy = *policy
		case "debug":
			cfg.Debug = *debugMode
		}
	})

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Callscribe — v%s", version))
	pterm.Println()
	if used != "" {
		util.LogDebug("loaded config %s", used)
	}

	if cfg.Role == "" {
		// No role configured → interactive mode.
		askRole(cfg)
	}

	if err := cfg.ValidatePeer(); err != nil {
		util.LogError("invalid configuration: %v", err)
		os.Exit(1)
	}

	store, closeStore, err := openStore(cfg.Store)
	if err != nil {
		util.LogError("failed to open signaling store: %v", err)
		os.Exit(1)
	}
	defer closeStore()

	if err := runCall(ctx, cfg, store); err != nil {
		util.LogError("%s", call.UserMessage(err))
		util.LogDebug("%v", err)
		closeStore()
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// askRole prompts for the role (and the call ID when joining).
func askRole(cfg *config.Config) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Start Call — Create a new call", "Join Call  — Answer an existing call"}).
		WithDefaultText("Select an action").
		Show()

	pterm.Println()

	if strings.HasPrefix(choice, "Start") {
		cfg.Role = config.RoleCaller
		return
	}
	cfg.Role = config.RoleCallee
	cfg.CallID = askCallID()
}

// runCall starts or joins the call and blocks until it ends.
func runCall(ctx context.Context, cfg *config.Config, store signaling.Store) error {
	policy, _ := call.ParseJoinPolicy(cfg.JoinPolicy)
	log := newTranscriptLog()

	coord := call.NewCoordinator(store,
		transport.Factory(transport.Config{ICEServers: cfg.ICEServers}),
		sourceFactory(cfg.Capture),
		call.Options{
			JoinPolicy: policy,
			Capture:    cfg.Capture.Options(),
			OnState: func(s *call.Session, st call.State) {
				util.LogDebug("call %s is %s", s.ID(), st)
				if st == call.StateConnected {
					util.LogSuccess("connected, waiting for both sides to join")
				}
			},
			OnEntry: func(_ *call.Session, e call.Entry) {
				log.add(e)
			},
			OnError: func(_ *call.Session, err error) {
				util.LogWarning("%s", call.UserMessage(err))
			},
		})
	defer coord.Close()

	var (
		session *call.Session
		err     error
	)
	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if cfg.Role == config.RoleCallee {
		session, err = coord.Join(setupCtx, cfg.CallID)
		if err != nil {
			return err
		}
		util.LogSuccess("joined call %s", session.ID())
	} else {
		session, err = coord.Start(setupCtx)
		if err != nil {
			return err
		}
		pterm.DefaultBox.WithTitle("Call ID").Println(session.ID())
		util.LogInfo("share the call ID with the other side, waiting for an answer…")
	}

	if cfg.Debug {
		util.StartStatsReporter(ctx, 5*time.Second)
	}

	select {
	case <-ctx.Done():
		pterm.Println()
		util.LogInfo("ending call…")
		session.End()
	case <-session.Done():
		if err := session.Err(); err != nil {
			return err
		}
		util.LogInfo("the call has ended")
	}

	log.print()
	return nil
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// openStore opens the configured signaling store.
func openStore(cfg config.StoreConfig) (signaling.Store, func(), error) {
	switch cfg.Kind {
	case config.StoreSQLite:
		s, err := signaling.OpenSQLite(cfg.Path, cfg.PollInterval)
		if err != nil {
			return nil, nil, err
		}
		var once sync.Once
		return s, func() { once.Do(func() { s.Close() }) }, nil
	default:
		s, err := signaling.NewRemote(cfg.URL)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil
	}
}

// sourceFactory returns a factory for the configured transcript source.
func sourceFactory(cfg config.CaptureConfig) call.SourceFactory {
	return func() call.TranscriptSource {
		if cfg.Source == config.SourceFile {
			return transcript.NewFile(cfg.File)
		}
		util.LogInfo("type transcript lines on stdin (Enter sends a fragment)")
		return transcript.NewReader(os.Stdin)
	}
}

// askCallID prompts for a call ID until a non-empty one is entered.
func askCallID() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Call ID").
			Show()

		if id := strings.TrimSpace(raw); id != "" {
			pterm.Println()
			return id
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter the call ID shared by the caller")
	}
}

// transcriptLog mirrors the merged transcript for display, since the session
// discards its own copy on teardown.
type transcriptLog struct {
	mu      sync.Mutex
	entries []call.Entry
}

func newTranscriptLog() *transcriptLog {
	return &transcriptLog{}
}

func (l *transcriptLog) add(e call.Entry) {
	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	pterm.Println(formatEntry(e))
}

func (l *transcriptLog) print() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return
	}
	lines := make([]string, len(l.entries))
	for i, e := range l.entries {
		lines[i] = formatEntry(e)
	}
	pterm.Println()
	pterm.DefaultBox.WithTitle("Transcript").Println(strings.Join(lines, "\n"))
}

func formatEntry(e call.Entry) string {
	if e.Source == call.SourceRemote {
		return pterm.LightMagenta("Peer: ") + e.Text
	}
	return pterm.LightCyan("You:  ") + e.Text
}
