package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/require"
)

// TestOffer_PionSenderReceivesREMB connects a pion sender to the server over
// loopback and waits for a REMB on the sender's RTCP path.
func TestOffer_PionSenderReceivesREMB(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback test in short mode")
	}

	cfg := DefaultConfig()
	cfg.IncludeLoopback = true
	srv, addr := startServer(t, cfg)

	m := &webrtc.MediaEngine{}
	require.NoError(t, m.RegisterDefaultCodecs())
	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer pc.Close()

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "rbe")
	require.NoError(t, err)
	sender, err := pc.AddTrack(track)
	require.NoError(t, err)

	connected := make(chan struct{})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateConnected {
			close(connected)
		}
	})

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gatherComplete

	body, err := json.Marshal(pc.LocalDescription())
	require.NoError(t, err)
	resp, err := http.Post("http://"+addr+"/offer", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var answer webrtc.SessionDescription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&answer))
	resp.Body.Close()
	require.NoError(t, pc.SetRemoteDescription(answer))

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Skip("no ICE connectivity over loopback")
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(33 * time.Millisecond)
		defer ticker.Stop()
		frame := make([]byte, 1000)
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: frame, Duration: 33 * time.Millisecond}); err != nil {
					return
				}
			}
		}
	}()

	remb := make(chan *rtcp.ReceiverEstimatedMaximumBitrate, 1)
	go func() {
		for {
			pkts, _, err := sender.ReadRTCP()
			if err != nil {
				return
			}
			for _, p := range pkts {
				if r, ok := p.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
					select {
					case remb <- r:
					default:
					}
				}
			}
		}
	}()

	select {
	case r := <-remb:
		require.Positive(t, r.Bitrate)
		require.NotEmpty(t, r.SSRCs)
	case <-time.After(10 * time.Second):
		t.Fatal("no REMB received")
	}

	families, err := srv.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}
