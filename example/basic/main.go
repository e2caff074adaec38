/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-17
 *
 * Example: Basic Room Client Usage
 *
 * 这个示例展示了连接引擎的基本使用方法：
 * 连接房间、发布一条合成视频轨道、周期发送数据包、响应重连事件。
 * 注意：这是一个独立的演示程序，不作为 C-shared 库编译。
 *
 * 构建命令: go build -o room_example example/basic/main.go
 */
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/maiguangyang/room_client/pkg/rtc"
)

func main() {
	url := os.Getenv("ROOM_URL")
	token := os.Getenv("ROOM_TOKEN")
	if url == "" || token == "" {
		fmt.Println("Usage: ROOM_URL=ws://host:7880 ROOM_TOKEN=<jwt> ./room_example")
		return
	}

	fmt.Println("=== Room Client Basic Example ===")
	fmt.Println()

	// 1. 创建引擎
	fmt.Println("1. Creating Engine...")
	engine, err := rtc.NewEngine(rtc.DefaultEngineConfig())
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	defer engine.Close()

	done := make(chan struct{})

	// 2. 注册事件回调
	engine.SetCallbacks(rtc.EngineCallbacks{
		OnConnectionStateChanged: func(state rtc.ConnectionState) {
			fmt.Printf("   → Connection state: %s\n", state)
		},
		OnDisconnected: func(reason error) {
			fmt.Printf("   → Disconnected (reason=%v)\n", reason)
			select {
			case <-done:
			default:
				close(done)
			}
		},
		OnReconnecting: func(mode rtc.ReconnectMode) {
			fmt.Printf("   → Reconnecting (mode=%s)...\n", mode)
		},
		OnReconnected: func(mode rtc.ReconnectMode) {
			fmt.Printf("   → Reconnected (mode=%s)\n", mode)
		},
		OnParticipantUpdate: func(participants []*livekit.ParticipantInfo) {
			for _, p := range participants {
				fmt.Printf("   → Participant %s: %s\n", p.GetIdentity(), p.GetState())
			}
		},
		OnDataReceived: func(payload []byte, topic string, kind livekit.DataPacket_Kind) {
			fmt.Printf("   → Data received (%d bytes, topic=%q)\n", len(payload), topic)
		},
	})

	// 3. 连接房间
	fmt.Println("\n2. Connecting...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := engine.Connect(ctx, url, token); err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	fmt.Println("   ✓ Connected")

	join := engine.JoinResponse()
	fmt.Printf("   Participant: %s (subscriberPrimary=%v)\n",
		join.GetParticipant().GetIdentity(), join.GetSubscriberPrimary())

	// 4. 发布一条合成视频轨道
	fmt.Println("\n3. Publishing synthetic video track...")
	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"synthetic-video", "example-stream",
	)
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}

	info, err := engine.PublishTrack(ctx, track, "camera", 640, 480)
	if err != nil {
		fmt.Printf("   Error: %v\n", err)
		return
	}
	fmt.Printf("   ✓ Track published: sid=%s\n", info.GetSid())

	// 合成 RTP 包写入轨道
	go writeSyntheticRTP(track, done)

	// 5. 周期发送数据包
	go func() {
		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()
		n := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				n++
				payload := []byte(fmt.Sprintf("hello #%d", n))
				sendCtx, sendCancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := engine.SendDataPacket(sendCtx, payload, "chat", livekit.DataPacket_RELIABLE); err != nil {
					fmt.Printf("   → Data send failed: %v\n", err)
				}
				sendCancel()
			}
		}
	}()

	// 6. 等待退出
	fmt.Println("\n4. Running. Press Ctrl-C to exit.")
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-done:
	}

	fmt.Println("\nDisconnecting...")
	engine.Disconnect()
	fmt.Println("Stats:", engine.Stats().JSON())
}

// writeSyntheticRTP 以 30fps 节奏写入占位 RTP 包
func writeSyntheticRTP(track *webrtc.TrackLocalStaticRTP, done chan struct{}) {
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()

	seq := uint16(0)
	ts := uint32(0)
	payload := make([]byte, 1000)

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			packet := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    96,
					SequenceNumber: seq,
					Timestamp:      ts,
					SSRC:           0x11223344,
				},
				Payload: payload,
			}
			seq++
			ts += 3000
			if err := track.WriteRTP(packet); err != nil {
				return
			}
		}
	}
}
