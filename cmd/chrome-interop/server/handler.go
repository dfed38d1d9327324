package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	bweinterceptor "github.com/thesyncim/rbe/pkg/bwe/interceptor"
)

// newAPI builds a pion API whose only bandwidth feedback is REMB from the
// BWE interceptor. The default codecs already offer goog-remb and NACK. No
// TWCC interceptor or transport-wide sequence extension is registered, so
// Chrome cannot fall back to its sender-side estimate.
func (s *Server) newAPI(connID string) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := webrtc.ConfigureSimulcastExtensionHeaders(m); err != nil {
		return nil, fmt.Errorf("failed to configure simulcast headers: %w", err)
	}

	log := s.log.With(zap.String("connection", connID))
	bweFactory, err := bweinterceptor.NewBWEInterceptorFactory(
		bweinterceptor.WithConfig(s.config.Estimator),
		bweinterceptor.WithFactoryREMBInterval(s.config.REMBInterval),
		bweinterceptor.WithFactoryMetrics(s.metrics),
		bweinterceptor.WithFactoryLoggerFactory(s.lf),
		bweinterceptor.WithConnectionID(connID),
		bweinterceptor.WithFactoryOnREMB(func(bitrate float32, ssrcs []uint32) {
			log.Debug("REMB sent", zap.Float32("bitrateBps", bitrate), zap.Uint32s("ssrcs", ssrcs))
			s.feed.publish(EstimateUpdate{
				Connection: connID,
				BitrateBps: uint32(bitrate),
				SSRCs:      ssrcs,
				Timestamp:  time.Now().UnixMilli(),
			})
		}),
	)
	if err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	i.Add(bweFactory)
	if err := webrtc.ConfigureRTCPReports(i); err != nil {
		return nil, fmt.Errorf("failed to configure RTCP reports: %w", err)
	}
	if err := webrtc.ConfigureStatsInterceptor(i); err != nil {
		return nil, fmt.Errorf("failed to configure stats interceptor: %w", err)
	}

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create NACK generator: %w", err)
	}
	i.Add(generator)
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return nil, fmt.Errorf("failed to create NACK responder: %w", err)
	}
	i.Add(responder)

	se := webrtc.SettingEngine{LoggerFactory: s.lf}
	se.SetIncludeLoopbackCandidate(s.config.IncludeLoopback)

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	), nil
}

// handleOffer answers a browser offer with a receive-only peer connection.
func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		s.log.Info("invalid offer", zap.Error(err))
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}

	connID := fmt.Sprintf("pc-%d", s.nextID.Add(1))
	log := s.log.With(zap.String("connection", connID))

	api, err := s.newAPI(connID)
	if err != nil {
		log.Error("failed to build webrtc api", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		log.Error("failed to create peer connection", zap.Error(err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	if _, err = pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeVideo,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	); err != nil {
		log.Error("failed to add transceiver", zap.Error(err))
		_ = pc.Close()
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info("track started",
			zap.String("codec", track.Codec().MimeType),
			zap.Uint32("ssrc", uint32(track.SSRC())),
		)
		// Reading drives the interceptor chain.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := track.Read(buf); err != nil {
					log.Debug("track ended", zap.Uint32("ssrc", uint32(track.SSRC())), zap.Error(err))
					return
				}
			}
		}()
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("connection state", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateDisconnected {
			_ = pc.Close()
		}
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		log.Info("failed to set remote description", zap.Error(err))
		_ = pc.Close()
		http.Error(w, "Invalid offer", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		log.Error("failed to create answer", zap.Error(err))
		_ = pc.Close()
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		log.Error("failed to set local description", zap.Error(err))
		_ = pc.Close()
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	<-gatherComplete

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(pc.LocalDescription()); err != nil {
		log.Warn("failed to write answer", zap.Error(err))
	}
}
