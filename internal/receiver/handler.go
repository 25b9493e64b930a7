package receiver

import (
	"context"
	"fmt"

	"irbridge/internal/dispatch"
)

// Commands names the commands the handler acts on.
type Commands struct {
	VolumeUp   string
	VolumeDown string
	Mute       string
}

// DefaultCommands returns volume_up, volume_down and mute.
func DefaultCommands() Commands {
	return Commands{VolumeUp: "volume_up", VolumeDown: "volume_down", Mute: "mute"}
}

// Volumer is the receiver surface the handler needs.
type Volumer interface {
	GetMuteState(ctx context.Context) (bool, error)
	AdjustVolume(ctx context.Context, delta int) error
	SetMute(ctx context.Context, mute bool) error
}

// Handler is a dispatch.Worker for volume commands. Wrap it in a
// dispatch.Async.
type Handler struct {
	rcv  Volumer
	cmds Commands
	step int
}

// NewHandler creates a handler that moves the volume step dB per press.
func NewHandler(rcv Volumer, cmds Commands, step int) *Handler {
	if step <= 0 {
		step = 1
	}
	return &Handler{rcv: rcv, cmds: cmds, step: step}
}

func (h *Handler) Name() string { return "receiver" }

func (h *Handler) Handles(command string) bool {
	switch command {
	case "":
		return false
	case h.cmds.VolumeUp, h.cmds.VolumeDown, h.cmds.Mute:
		return true
	}
	return false
}

// Handle performs one command. A held mute button toggles only once.
func (h *Handler) Handle(ctx context.Context, ev dispatch.Event) error {
	switch ev.Command {
	case h.cmds.VolumeUp:
		return h.rcv.AdjustVolume(ctx, h.step)
	case h.cmds.VolumeDown:
		return h.rcv.AdjustVolume(ctx, -h.step)
	case h.cmds.Mute:
		if ev.Synthesized {
			return nil
		}
		muted, err := h.rcv.GetMuteState(ctx)
		if err != nil {
			return fmt.Errorf("query mute: %w", err)
		}
		return h.rcv.SetMute(ctx, !muted)
	}
	return nil
}
