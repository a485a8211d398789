package app

import (
	"github.com/1ureka/meshcall/internal/chat"
	"github.com/1ureka/meshcall/internal/filetransfer"
	"github.com/1ureka/meshcall/internal/peer"
	"github.com/1ureka/meshcall/internal/protocol"
	"github.com/1ureka/meshcall/internal/rtc"
)

// Screens the client navigates to, besides the call origins.
const (
	ScreenDashboard = "dashboard"
	ScreenMeeting   = "meeting"
)

// UI is the presentation layer driven by the Client. Methods are called from
// network goroutines and must not block.
type UI interface {
	Notice(msg string)
	IncomingCall(from string)
	IncomingFile(from string, m protocol.Meta)
	FileReceived(f filetransfer.Received)
	Navigate(screen string)
	StreamAttached(peerID string, target peer.RenderTarget, t rtc.RemoteTrack)
	StreamDetached(peerID string, target peer.RenderTarget)
	ChatMessage(l chat.Line)
}
