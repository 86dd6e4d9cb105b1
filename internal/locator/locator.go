// Package locator resolves a room id into its live status and a playable
// stream URL.
package locator

import (
	"context"
	"errors"
)

var (
	// ErrPlatform means the platform answered, but with an API error.
	ErrPlatform = errors.New("platform api error")
	// ErrNoStream means the room reports live but carries no stream URL.
	ErrNoStream = errors.New("room is live but has no stream url")
)

// RoomInfo is the platform's view of a room.
type RoomInfo struct {
	RoomID     string `json:"room_id" yaml:"room_id"`
	IsLive     bool   `json:"is_live" yaml:"is_live"`
	RoomStatus int    `json:"room_status" yaml:"room_status"`
	Owner      string `json:"owner,omitempty" yaml:"owner,omitempty"`
	Title      string `json:"title,omitempty" yaml:"title,omitempty"`
	StreamURL  string `json:"stream_url,omitempty" yaml:"stream_url,omitempty"`
}

// Locator resolves rooms. A returned error means the platform call itself
// failed; a room that is simply offline is reported with IsLive false.
type Locator interface {
	Resolve(ctx context.Context, roomID string) (*RoomInfo, error)
}

// Func adapts a plain function to the Locator interface.
type Func func(ctx context.Context, roomID string) (*RoomInfo, error)

// Resolve calls f.
func (f Func) Resolve(ctx context.Context, roomID string) (*RoomInfo, error) {
	return f(ctx, roomID)
}
