package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHubDeliver(t *testing.T) {
	hub := newHub()
	go hub.run()

	client := &Client{hub: hub, send: make(chan []byte, 1), userID: 42}
	hub.register <- client

	// 注册在 run 协程里异步落表
	assert.Eventually(t, func() bool {
		return hub.deliver(42, []byte("hello"))
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte("hello"), <-client.send)

	assert.False(t, hub.deliver(7, []byte("nobody home")))
}

// 同一用户重连时 run 会关闭旧连接的 send channel。
// 投递和重连并发执行不允许撞出 send on closed channel。
func TestHubDeliverDuringReregister(t *testing.T) {
	hub := newHub()
	go hub.run()

	const rounds = 5000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < rounds; i++ {
			hub.register <- &Client{hub: hub, send: make(chan []byte, 1), userID: 7}
		}
	}()

	var delivered int
	for {
		select {
		case <-done:
			assert.Greater(t, delivered, 0)
			return
		default:
			if hub.deliver(7, []byte("ping")) {
				delivered++
			}
		}
	}
}
