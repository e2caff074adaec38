/*
 * @Author: Marlon.M
 * @Email: maiguangyang@163.com
 * @Date: 2026-02-17
 */
package rtc

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/livekit/protocol/livekit"
	"github.com/pion/webrtc/v4"
)

func newTestAPI(t *testing.T) *webrtc.API {
	t.Helper()
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		t.Fatalf("RegisterDefaultCodecs: %v", err)
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
}

func newTestTransport(t *testing.T, target livekit.SignalTarget, debounceWindow time.Duration) *PCTransport {
	t.Helper()
	tr, err := newPCTransport(newTestAPI(t), webrtc.Configuration{}, target, true, debounceWindow)
	if err != nil {
		t.Fatalf("newPCTransport: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// newRemotePeer 创建一个扮演远端的裸 PeerConnection
func newRemotePeer(t *testing.T) *webrtc.PeerConnection {
	t.Helper()
	pc, err := newTestAPI(t).NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return pc
}

func testCandidate(port string) webrtc.ICECandidateInit {
	mid := "0"
	var idx uint16
	return webrtc.ICECandidateInit{
		Candidate:     "candidate:1 1 udp 2130706433 127.0.0.1 " + port + " typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

func TestTransportBuffersCandidatesBeforeRemoteDescription(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_SUBSCRIBER, 0)

	if err := tr.AddICECandidate(testCandidate("50000")); err != nil {
		t.Fatalf("AddICECandidate: %v", err)
	}
	if err := tr.AddICECandidate(testCandidate("50001")); err != nil {
		t.Fatalf("AddICECandidate: %v", err)
	}
	if got := tr.PendingCandidateCount(); got != 2 {
		t.Fatalf("PendingCandidateCount = %d, want 2", got)
	}

	// 远端 offer 到达，缓存候选被冲刷并清空
	remote := newRemotePeer(t)
	if _, err := remote.CreateDataChannel("nudge", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := remote.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}

	answer, err := tr.HandleRemoteOffer(offer)
	if err != nil {
		t.Fatalf("HandleRemoteOffer: %v", err)
	}
	if answer.SDP == "" {
		t.Fatal("HandleRemoteOffer returned empty answer")
	}
	if got := tr.PendingCandidateCount(); got != 0 {
		t.Fatalf("PendingCandidateCount after flush = %d, want 0", got)
	}

	// 远端描述就绪后新候选直接应用，不再入缓存
	if err := tr.AddICECandidate(testCandidate("50002")); err != nil {
		t.Fatalf("AddICECandidate after remote description: %v", err)
	}
	if got := tr.PendingCandidateCount(); got != 0 {
		t.Fatalf("candidate was buffered despite remote description, pending = %d", got)
	}
}

func TestTransportPrepareICERestartBuffersCandidates(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_SUBSCRIBER, 0)

	remote := newRemotePeer(t)
	if _, err := remote.CreateDataChannel("nudge", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}
	offer, err := remote.CreateOffer(nil)
	if err != nil {
		t.Fatalf("CreateOffer: %v", err)
	}
	if err := remote.SetLocalDescription(offer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	if _, err := tr.HandleRemoteOffer(offer); err != nil {
		t.Fatalf("HandleRemoteOffer: %v", err)
	}

	// 重启标记生效后，即使有远端描述候选也进缓存
	tr.PrepareICERestart()
	if !tr.IsRestartingICE() {
		t.Fatal("IsRestartingICE = false after PrepareICERestart")
	}
	if err := tr.AddICECandidate(testCandidate("50010")); err != nil {
		t.Fatalf("AddICECandidate: %v", err)
	}
	if got := tr.PendingCandidateCount(); got != 1 {
		t.Fatalf("PendingCandidateCount = %d, want 1", got)
	}
}

func TestTransportNegotiateDebounce(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_PUBLISHER, 50*time.Millisecond)
	if _, err := tr.PeerConnection().CreateDataChannel("nudge", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}

	var offers int32
	tr.OnOffer(func(sd webrtc.SessionDescription) {
		atomic.AddInt32(&offers, 1)
	})

	for i := 0; i < 5; i++ {
		tr.Negotiate()
	}
	time.Sleep(300 * time.Millisecond)

	if got := atomic.LoadInt32(&offers); got != 1 {
		t.Fatalf("offers = %d, want 1 (debounce window should coalesce)", got)
	}
}

func TestTransportDefersRenegotiationWhileOfferInFlight(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_PUBLISHER, 0)
	if _, err := tr.PeerConnection().CreateDataChannel("nudge", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}

	var offers int32
	var lastOffer webrtc.SessionDescription
	tr.OnOffer(func(sd webrtc.SessionDescription) {
		atomic.AddInt32(&offers, 1)
		lastOffer = sd
	})

	if err := tr.CreateAndSendOffer(nil); err != nil {
		t.Fatalf("CreateAndSendOffer: %v", err)
	}
	if got := atomic.LoadInt32(&offers); got != 1 {
		t.Fatalf("offers = %d, want 1", got)
	}

	// offer 在途：第二次请求不得重复出 offer，只能挂起
	if err := tr.CreateAndSendOffer(nil); err != nil {
		t.Fatalf("CreateAndSendOffer while in flight: %v", err)
	}
	if got := atomic.LoadInt32(&offers); got != 1 {
		t.Fatalf("offers = %d, want still 1 during in-flight offer", got)
	}

	// 远端 answer 到位后，挂起的重协商补发
	remote := newRemotePeer(t)
	if err := remote.SetRemoteDescription(lastOffer); err != nil {
		t.Fatalf("remote SetRemoteDescription: %v", err)
	}
	answer, err := remote.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("remote CreateAnswer: %v", err)
	}
	if err := remote.SetLocalDescription(answer); err != nil {
		t.Fatalf("remote SetLocalDescription: %v", err)
	}
	if err := tr.SetRemoteDescription(answer); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}

	if got := atomic.LoadInt32(&offers); got != 2 {
		t.Fatalf("offers = %d, want 2 (deferred renegotiation must fire)", got)
	}
}

func TestTransportICERestartWithoutRemoteDescription(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_PUBLISHER, 0)

	var offers int32
	tr.OnOffer(func(sd webrtc.SessionDescription) {
		atomic.AddInt32(&offers, 1)
	})

	// 还没有远端描述，ICE 重启只做标记、不出 offer
	if err := tr.CreateAndSendOffer(&webrtc.OfferOptions{ICERestart: true}); err != nil {
		t.Fatalf("CreateAndSendOffer: %v", err)
	}
	if got := atomic.LoadInt32(&offers); got != 0 {
		t.Fatalf("offers = %d, want 0", got)
	}
	if !tr.IsRestartingICE() {
		t.Fatal("IsRestartingICE = false, want true")
	}
}

func TestTransportCloseCancelsPendingNegotiation(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_PUBLISHER, 50*time.Millisecond)
	if _, err := tr.PeerConnection().CreateDataChannel("nudge", nil); err != nil {
		t.Fatalf("CreateDataChannel: %v", err)
	}

	var offers int32
	tr.OnOffer(func(sd webrtc.SessionDescription) {
		atomic.AddInt32(&offers, 1)
	})

	// 去抖窗口结束前关闭，挂起的协商必须作废
	tr.Negotiate()
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	if got := atomic.LoadInt32(&offers); got != 0 {
		t.Fatalf("offers = %d, want 0 after close", got)
	}
}

func TestTransportCloseIdempotent(t *testing.T) {
	tr := newTestTransport(t, livekit.SignalTarget_SUBSCRIBER, 0)

	if err := tr.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := tr.AddICECandidate(testCandidate("50020")); err != ErrTransportClosed {
		t.Fatalf("AddICECandidate after close = %v, want ErrTransportClosed", err)
	}
	if err := tr.CreateAndSendOffer(nil); err != ErrTransportClosed {
		t.Fatalf("CreateAndSendOffer after close = %v, want ErrTransportClosed", err)
	}
}
