package testutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// BrowserConfig configures Chrome launch options.
type BrowserConfig struct {
	Headless bool          // Run in headless mode (default: true)
	Timeout  time.Duration // Default operation timeout (default: 30s)
}

// DefaultBrowserConfig returns sensible defaults for E2E testing.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless: true,
		Timeout:  30 * time.Second,
	}
}

// BrowserClient drives a headless Chrome that sends fake camera video to the
// interop server and reads back what its congestion controller concluded.
type BrowserClient struct {
	browser *rod.Browser
	page    *rod.Page
	timeout time.Duration
}

// NewBrowserClient launches Chrome with a fake camera, auto-granted media
// permissions and no sandbox.
func NewBrowserClient(cfg BrowserConfig) (*BrowserClient, error) {
	l := launcher.New().
		Headless(cfg.Headless).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("use-fake-device-for-media-stream").
		Set("use-fake-ui-for-media-stream").
		Set("autoplay-policy", "no-user-gesture-required")

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch Chrome: %w", err)
	}

	browser := rod.New().ControlURL(url)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to Chrome: %w", err)
	}

	return &BrowserClient{
		browser: browser,
		timeout: cfg.Timeout,
	}, nil
}

// Navigate opens url in a new page and waits for it to settle.
func (c *BrowserClient) Navigate(url string) (*rod.Page, error) {
	page, err := c.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	c.page = page

	p := page.Timeout(c.timeout)
	err = p.Navigate(url)
	p.CancelTimeout()
	if err != nil {
		return nil, fmt.Errorf("failed to navigate to %s: %w", url, err)
	}
	if err := page.WaitStable(c.timeout); err != nil {
		return nil, fmt.Errorf("page %s not stable: %w", url, err)
	}
	return page, nil
}

// Page returns the current page, or nil if none open.
func (c *BrowserClient) Page() *rod.Page {
	return c.page
}

// eval runs js on the current page and awaits a returned promise.
func (c *BrowserClient) eval(js string) (*proto.RuntimeRemoteObject, error) {
	if c.page == nil {
		return nil, errors.New("no page open, call Navigate first")
	}
	p := c.page.Timeout(c.timeout)
	defer p.CancelTimeout()
	return p.Eval(js)
}

// startCallJS creates window.testPC, sends the offer to /offer and applies
// the answer. transport-cc is stripped from both descriptions so Chrome has
// REMB as its only feedback.
const startCallJS = `() => new Promise(async (resolve, reject) => {
	try {
		const stream = await navigator.mediaDevices.getUserMedia({
			video: { width: 640, height: 480, frameRate: 30 },
			audio: false
		});
		window.testPC = new RTCPeerConnection({ iceServers: [] });
		stream.getTracks().forEach(track => window.testPC.addTrack(track, stream));

		const strip = (sdp) => sdp
			.replace(/a=rtcp-fb:\d+ transport-cc\r?\n/g, '')
			.replace(/a=extmap:\d+ http:\/\/www\.ietf\.org\/id\/draft-holmer-rmcat-transport-wide-cc-extensions-01\r?\n/g, '');

		const offer = await window.testPC.createOffer();
		offer.sdp = strip(offer.sdp);
		await window.testPC.setLocalDescription(offer);
		await new Promise((done) => {
			if (window.testPC.iceGatheringState === 'complete') {
				done();
				return;
			}
			window.testPC.onicecandidate = (e) => { if (e.candidate === null) done(); };
		});

		const response = await fetch('/offer', {
			method: 'POST',
			headers: { 'Content-Type': 'application/json' },
			body: JSON.stringify(window.testPC.localDescription)
		});
		if (!response.ok) {
			reject('server returned ' + response.status);
			return;
		}
		const answer = await response.json();
		answer.sdp = strip(answer.sdp);
		await window.testPC.setRemoteDescription(answer);
		resolve('offered');
	} catch (err) {
		reject(err.message || String(err));
	}
})`

// StartCall sends fake camera video to the server the page was loaded from.
func (c *BrowserClient) StartCall() error {
	if _, err := c.eval(startCallJS); err != nil {
		return fmt.Errorf("failed to start call: %w", err)
	}
	return nil
}

// WaitConnected polls the call's connection state until it is connected,
// has failed, or timeout passes.
func (c *BrowserClient) WaitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		res, err := c.eval(`() => window.testPC ? window.testPC.connectionState : 'no-pc'`)
		if err != nil {
			return fmt.Errorf("failed to read connection state: %w", err)
		}
		switch state := res.Value.String(); state {
		case "connected":
			return nil
		case "failed", "closed":
			return fmt.Errorf("connection %s", state)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for connection after %v", timeout)
}

// OutgoingBitrate returns availableOutgoingBitrate of the nominated
// candidate pair, which follows the REMB value when TWCC is off.
func (c *BrowserClient) OutgoingBitrate() (float64, error) {
	res, err := c.eval(`() => new Promise((resolve, reject) => {
		if (!window.testPC) {
			reject('no peer connection');
			return;
		}
		window.testPC.getStats().then(stats => {
			let bitrate = null;
			stats.forEach(report => {
				if (report.type === 'candidate-pair' && report.nominated && report.availableOutgoingBitrate !== undefined) {
					bitrate = report.availableOutgoingBitrate;
				}
			});
			resolve(bitrate);
		}).catch(err => reject(err.message));
	})`)
	if err != nil {
		return 0, fmt.Errorf("getStats failed: %w", err)
	}
	if res.Value.Nil() {
		return 0, errors.New("availableOutgoingBitrate not in stats")
	}
	bitrate := res.Value.Num()
	if bitrate <= 0 {
		return 0, fmt.Errorf("invalid bitrate %f", bitrate)
	}
	return bitrate, nil
}

// FeedEstimate returns the last estimate the page received over the
// server's WebSocket feed.
func (c *BrowserClient) FeedEstimate() (uint32, bool, error) {
	res, err := c.eval(`() => lastEstimate ? lastEstimate.bitrateBps : null`)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read feed estimate: %w", err)
	}
	if res.Value.Nil() {
		return 0, false, nil
	}
	return uint32(res.Value.Int()), true, nil
}

// Close cleans up browser resources.
// Always call this (via defer) to prevent orphaned Chrome processes.
func (c *BrowserClient) Close() error {
	if c.browser != nil {
		return c.browser.Close()
	}
	return nil
}
