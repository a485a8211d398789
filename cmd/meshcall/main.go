// Meshcall: CLI entry point.
//
// Signs in to a meshcall server and keeps the call, chat and file channels
// open. Incoming calls and file offers are prompted for interactively (or
// accepted automatically with -auto). A call, a meeting and a file offer can
// be started from flags.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/meshcall/internal/app"
	"github.com/1ureka/meshcall/internal/chat"
	"github.com/1ureka/meshcall/internal/config"
	"github.com/1ureka/meshcall/internal/filetransfer"
	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
	"github.com/1ureka/meshcall/internal/session"
	"github.com/1ureka/meshcall/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	configPath := flag.String("config", "", "Path to a YAML config file")
	server := flag.String("server", "", "Server base URL (e.g. wss://example.com)")
	token := flag.String("token", "", "Access token")
	identity := flag.String("identity", "", "Identity (defaults to the token's email claim)")
	callPeer := flag.String("call", "", "Call this peer after signing in")
	meetingCode := flag.String("meeting", "", "Join this meeting after signing in")
	sendPath := flag.String("send", "", "Offer this file to -to once signed in")
	sendTo := flag.String("to", "", "Recipient of -send")
	auto := flag.Bool("auto", false, "Accept every call and file without asking")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Meshcall v%s", version))
	pterm.Println()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.ServerURL = *server
	}
	if *token != "" {
		cfg.Token = *token
	}
	if *identity != "" {
		cfg.Identity = *identity
	}
	if err := cfg.Resolve(); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if *sendPath != "" && *sendTo == "" {
		util.LogError("missing -to for -send")
		os.Exit(1)
	}

	ui := newTerminal(*auto)
	client := app.New(cfg, ui, app.Options{})
	if err := client.Start(ctx); err != nil {
		util.LogError("failed to sign in: %v", err)
		os.Exit(1)
	}
	defer client.Close()
	util.StartStatsReporter(ctx)

	switch {
	case *callPeer != "":
		startCall(client, *callPeer)
	case *meetingCode != "":
		joinMeeting(ctx, client, *meetingCode)
	case *sendPath == "" && !*auto:
		// No action flag → interactive mode.
		runInteractive(ctx, client)
	}
	if *sendPath != "" {
		if err := client.SendFile(*sendTo, *sendPath); err != nil {
			util.LogError("%v", err)
		}
	}

	ui.run(ctx, client)
	util.LogInfo("signed out")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive asks what to do first when no action flag is given.
func runInteractive(ctx context.Context, client *app.Client) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Wait   — Answer incoming calls", "Call   — Call someone", "Meet   — Join a meeting"}).
		WithDefaultText("What do you want to do").
		Show()

	pterm.Println()

	switch {
	case strings.HasPrefix(choice, "Call"):
		startCall(client, ask("Who do you want to call (email)"))
	case strings.HasPrefix(choice, "Meet"):
		joinMeeting(ctx, client, ask("Meeting code"))
	default:
		util.LogInfo("waiting for calls, press Ctrl+C to quit")
	}
}

func startCall(client *app.Client, peerID string) {
	if err := client.Call(peerID, session.OriginDashboard); err != nil {
		util.LogError("%v", err)
		return
	}
	util.LogInfo("calling %s, press Ctrl+C to quit", peerID)
}

func joinMeeting(ctx context.Context, client *app.Client, code string) {
	if err := client.JoinMeeting(ctx, code); err != nil {
		util.LogError("%v", err)
		return
	}
	util.LogSuccess("joined meeting %s", code)
}

// ask prompts until a non-empty answer is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		pterm.Println()
		if v := strings.TrimSpace(raw); v != "" {
			return v
		}
		util.LogWarning("please enter a value")
	}
}

// ---------------------------------------------------------------------------
// Terminal UI
// ---------------------------------------------------------------------------

// event is a prompt the main goroutine must answer.
type event struct {
	call string
	file *fileOffer
	save string
}

type fileOffer struct {
	from string
	meta protocol.Meta
}

// terminal prints notifications as they arrive and queues prompts for the
// main goroutine, so network goroutines never wait on the user.
type terminal struct {
	auto   bool
	events chan event
}

func newTerminal(auto bool) *terminal {
	return &terminal{auto: auto, events: make(chan event, 16)}
}

func (t *terminal) post(e event) {
	select {
	case t.events <- e:
	default:
		util.LogWarning("too many pending prompts, dropping one")
	}
}

func (t *terminal) Notice(msg string) { util.LogInfo("%s", msg) }

func (t *terminal) IncomingCall(from string) { t.post(event{call: from}) }

func (t *terminal) IncomingFile(from string, m protocol.Meta) {
	t.post(event{file: &fileOffer{from: from, meta: m}})
}

func (t *terminal) FileReceived(f filetransfer.Received) { t.post(event{save: f.ID}) }

func (t *terminal) Navigate(screen string) { util.LogDebug("[ui] screen: %s", screen) }

func (t *terminal) StreamAttached(peerID string, target peer.RenderTarget, tr rtc.RemoteTrack) {
	util.LogSuccess("receiving %s from %s (%s)", tr.Kind, peerID, target)
}

func (t *terminal) StreamDetached(peerID string, target peer.RenderTarget) {
	util.LogInfo("%s left (%s)", peerID, target)
}

func (t *terminal) ChatMessage(l chat.Line) {
	pterm.Printfln("%s %s: %s", pterm.Gray(l.Conversation), pterm.Cyan(l.Sender), l.Text)
}

// run answers prompts until ctx is cancelled.
func (t *terminal) run(ctx context.Context, client *app.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-t.events:
			switch {
			case e.call != "":
				if t.confirm(fmt.Sprintf("Accept call from %s?", e.call)) {
					if err := client.Accept(ctx, session.OriginDashboard); err != nil {
						util.LogWarning("%v", err)
					}
				} else if err := client.Reject(); err != nil {
					util.LogWarning("%v", err)
				}

			case e.file != nil:
				q := fmt.Sprintf("Accept %s (%s) from %s?",
					e.file.meta.Name, util.FormatBytes(float64(e.file.meta.Size)), e.file.from)
				if err := client.RespondFile(e.file.from, t.confirm(q)); err != nil {
					util.LogWarning("%v", err)
				}

			case e.save != "":
				path, err := client.SaveFile(e.save)
				if err != nil {
					util.LogWarning("%v", err)
					continue
				}
				util.LogSuccess("saved %s", path)
			}
		}
	}
}

func (t *terminal) confirm(q string) bool {
	if t.auto {
		util.LogInfo("%s yes", q)
		return true
	}
	ok, _ := pterm.DefaultInteractiveConfirm.WithDefaultText(q).Show()
	pterm.Println()
	return ok
}
