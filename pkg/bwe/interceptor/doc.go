// Package interceptor provides a Pion WebRTC interceptor for receiver-side
// bandwidth estimation with the bwe RemoteBitrateEstimator.
//
// The interceptor observes incoming RTP packets and RTCP sender reports,
// runs the estimator every 100 ms and sends the target back to the sender as
// REMB (Receiver Estimated Maximum Bitrate) RTCP feedback.
//
// # Quick Start
//
// Register the interceptor factory with your Pion WebRTC API:
//
//	import (
//	    "github.com/pion/interceptor"
//	    "github.com/pion/webrtc/v4"
//	    bweint "github.com/thesyncim/rbe/pkg/bwe/interceptor"
//	)
//
//	func setupPeerConnection() (*webrtc.PeerConnection, error) {
//	    m := &webrtc.MediaEngine{}
//	    if err := m.RegisterDefaultCodecs(); err != nil {
//	        return nil, err
//	    }
//
//	    i := &interceptor.Registry{}
//	    bweFactory, err := bweint.NewBWEInterceptorFactory()
//	    if err != nil {
//	        return nil, err
//	    }
//	    i.Add(bweFactory)
//
//	    api := webrtc.NewAPI(
//	        webrtc.WithMediaEngine(m),
//	        webrtc.WithInterceptorRegistry(i),
//	    )
//	    return api.NewPeerConnection(webrtc.Configuration{})
//	}
//
// # Configuration
//
// The factory accepts options to customize behavior:
//
//	factory, err := bweint.NewBWEInterceptorFactory(
//	    bweint.WithMode(bwe.MultiStream),                     // align streams on RTCP SR
//	    bweint.WithMinBitrate(50000),                         // never decrease below 50 kbps
//	    bweint.WithMaxBitrate(10000000),                      // cap at 10 Mbps
//	    bweint.WithFactoryREMBInterval(500*time.Millisecond), // REMB twice per second
//	    bweint.WithFactoryMetrics(metrics),                   // Prometheus collectors
//	)
//
// # How It Works
//
// 1. BindRemoteStream registers the stream and its RTP clock rate from the
// negotiated codec.
//
// 2. Each RTP packet is timestamped on arrival with a monotonic millisecond
// clock and handed to the estimator with its payload size and RTP
// timestamp. No header extension is required.
//
// 3. BindRTCPReader passes sender reports to the estimator. In multi-stream
// mode they map each stream's RTP time onto the sender's NTP clock.
//
// 4. A background loop updates the estimate. A REMB is written when the
// interval elapses or immediately when the target drops by 3% or more.
//
// 5. Streams silent for 2 seconds leave the REMB SSRC list.
package interceptor
