package exthost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tabscribe/bridge/internal/audio"
	"github.com/tabscribe/bridge/internal/host"
	"github.com/tabscribe/bridge/internal/ipc"
)

// pagePeer adapts a page-role peer to host.Page.
type pagePeer struct {
	p *peer
}

func (pp *pagePeer) Tab() ipc.TabDescriptor {
	return pp.p.tabInfo()
}

func (pp *pagePeer) ProbeDOM(ctx context.Context, selectors []string) (string, []bool, error) {
	env, err := pp.p.request(ctx, ipc.TypeProbe, ipc.Probe{Selectors: selectors})
	if err != nil {
		return "", nil, err
	}
	if env.Error != "" {
		return "", nil, errors.New(env.Error)
	}
	var res ipc.ProbeResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return "", nil, fmt.Errorf("probe result: %w", err)
	}
	return res.URL, res.Present, nil
}

func (pp *pagePeer) BeginCapture(ctx context.Context, spec host.CaptureSpec) (host.CaptureHandle, error) {
	env, err := pp.p.request(ctx, ipc.TypeBeginCapture, ipc.BeginCapture{
		SampleRate: spec.SampleRate,
		BufferSize: spec.BufferSize,
		// The capture picker offers tab audio only when video is part of
		// the request; the pipeline stops the video track right after.
		IncludeVideo: true,
	})
	if err != nil {
		return nil, err
	}
	if env.Error != "" {
		return nil, errors.New(env.Error)
	}
	var res ipc.CaptureResult
	if err := json.Unmarshal(env.Payload, &res); err != nil {
		return nil, fmt.Errorf("capture result: %w", err)
	}
	if !res.OK {
		switch res.ErrorKind {
		case ipc.ErrKindPermissionDenied:
			return nil, fmt.Errorf("%w: %s", audio.ErrPermissionDenied, res.Message)
		case ipc.ErrKindNoAudioTrack:
			return nil, fmt.Errorf("%w: %s", audio.ErrNoAudioTrack, res.Message)
		default:
			return nil, fmt.Errorf("capture failed: %s", res.Message)
		}
	}
	return &captureHandle{p: pp.p, audioTracks: res.AudioTracks, videoTracks: res.VideoTracks}, nil
}

// captureHandle drives the page side of a live capture.
type captureHandle struct {
	p           *peer
	audioTracks int
	videoTracks int
}

func (h *captureHandle) AudioTracks() int { return h.audioTracks }
func (h *captureHandle) VideoTracks() int { return h.videoTracks }

func (h *captureHandle) StopVideo(ctx context.Context) error {
	return h.release(ctx, ipc.TypeStopVideo)
}

func (h *captureHandle) DisconnectProcessor(ctx context.Context) error {
	return h.release(ctx, ipc.TypeReleaseNode)
}

func (h *captureHandle) CloseAudioContext(ctx context.Context) error {
	return h.release(ctx, ipc.TypeReleaseContext)
}

func (h *captureHandle) StopTracks(ctx context.Context) error {
	return h.release(ctx, ipc.TypeReleaseTracks)
}

func (h *captureHandle) release(ctx context.Context, msgType string) error {
	env, err := h.p.request(ctx, msgType, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", msgType, err)
	}
	if env.Error != "" {
		return fmt.Errorf("%s: %s", msgType, env.Error)
	}
	// A bare ack counts as success; only an explicit ok=false is a failure.
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	var rep ipc.Reply
	if json.Unmarshal(env.Payload, &rep) == nil && !rep.OK {
		msg := rep.Message
		if msg == "" {
			msg = "rejected"
		}
		return fmt.Errorf("%s: %s", msgType, msg)
	}
	return nil
}
