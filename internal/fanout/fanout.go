// Package fanout carries inbound frames between nodes so that a frame which
// lands on a node not holding its session reaches the node that does.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ehrlich-b/a2alive/internal/protocol"
)

// Handler receives frames published by other nodes.
type Handler func(ctx context.Context, f protocol.Frame)

// Bus is a broadcast channel between nodes. A node never receives its own
// publications.
type Bus interface {
	Publish(ctx context.Context, f protocol.Frame) error
	// Run delivers frames from other nodes to h until ctx is done.
	Run(ctx context.Context, h Handler) error
	Close() error
}

type message struct {
	Origin string         `json:"origin"`
	Frame  protocol.Frame `json:"frame"`
}

func encode(origin string, f protocol.Frame) ([]byte, error) {
	data, err := json.Marshal(message{Origin: origin, Frame: f})
	if err != nil {
		return nil, fmt.Errorf("encode fanout message: %w", err)
	}
	return data, nil
}

func decode(data []byte) (message, error) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		return message{}, fmt.Errorf("decode fanout message: %w", err)
	}
	return m, nil
}
