// Package ws provides the in-memory connection layer of the chat server.
//
// # Components
//
//   - Registry tracks live connections and indexes them by user
//   - Broadcaster groups connections into conversation rooms and fans frames out
//   - Handle owns the bounded outbound queue of one connection
//   - Conn adapts gorilla/websocket to the Transport interface
//
// # Delivery guarantees
//
// Publishes to the same room are serialized, so every subscriber receives frames
// in the order Publish was called for that room. Different rooms never contend.
// Membership is snapshotted when a publish starts; a connection joining during a
// publish may or may not receive it.
//
// Enqueue never blocks. A connection whose queue is full is closed with
// errors.ErrBackpressure and the publisher moves on to the next subscriber.
//
// # Basic Usage
//
//	cfg, _ := ws.NewConfig(ws.WithMessageQueueSize(256))
//	registry := ws.NewRegistry(cfg)
//	rooms := ws.NewBroadcaster(cfg)
//
//	h, err := registry.Register("", protocol.UserRef{ID: 1, Username: "alice"})
//	if err != nil {
//	    return err
//	}
//	defer registry.Unregister(h)
//
//	_ = rooms.Join(h, conversationID)
//	defer rooms.LeaveAll(h)
//
//	go ws.Pump(h, conn, cfg.PingPeriod)
//	rooms.Publish(conversationID, &protocol.TypingEvent{User: h.User, IsTyping: true})
package ws
