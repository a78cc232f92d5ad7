package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/interplaynetary/mesh/internal/graph"
	"github.com/interplaynetary/mesh/internal/transport"
	"github.com/interplaynetary/mesh/internal/wire"
)

func newID() string { return uuid.NewString() }

// dialAndRoundTrip connects to addr, sends msg, and waits up to timeout for
// a reply correlated by msg.ID via the wire protocol's "@" field. Only GET
// messages draw a reply; Put messages have no ack in this protocol.
func dialAndRoundTrip(addr string, msg wire.Message, timeout time.Duration) (*wire.Message, error) {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	c := transport.NewWSClient(log)

	replyCh := make(chan wire.Message, 1)
	c.OnMessage(func(frame transport.Frame, _ string) {
		var reply wire.Message
		if err := json.Unmarshal([]byte(frame), &reply); err != nil {
			return
		}
		if reply.ReplyTo == msg.ID {
			select {
			case replyCh <- reply:
			default:
			}
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.Connect(ctx, addr); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer c.Disconnect()

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if err := c.Send(string(raw)); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}

	select {
	case reply := <-replyCh:
		return &reply, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out waiting for reply from %s", addr)
	}
}

// sendOnly connects, writes msg, and returns once the frame has been
// written to the socket. Used for Put, which never draws a reply.
func sendOnly(addr string, msg wire.Message, timeout time.Duration) error {
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	c := transport.NewWSClient(log)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.Connect(ctx, addr); err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	defer c.Disconnect()

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.Send(string(raw))
}

func printGraph(g graph.Graph) string {
	if g == nil {
		return "null"
	}
	put, err := wire.EncodeGraph(g)
	if err != nil {
		return fmt.Sprintf("%+v", g)
	}
	raw, err := json.MarshalIndent(put, "", "  ")
	if err != nil {
		return fmt.Sprintf("%+v", g)
	}
	return string(raw)
}
