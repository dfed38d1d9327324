package server

// HTMLPage is the browser UI. It starts and stops a call and shows the
// estimates the server sends back over /ws.
const HTMLPage = `<!DOCTYPE html>
<html>
<head>
    <title>RBE Chrome Interop</title>
    <style>
        body { font-family: system-ui, sans-serif; max-width: 760px; margin: 40px auto; color: #222; }
        header { display: flex; align-items: baseline; gap: 16px; }
        header p { color: #777; margin: 0; }
        button { padding: 10px 20px; font-size: 15px; border: 0; border-radius: 4px; color: #fff; background: #1a73e8; cursor: pointer; }
        button:disabled { background: #bbb; cursor: default; }
        button#stopBtn { background: #c5221f; }
        button#stopBtn:disabled { background: #bbb; }
        #status, #estimate { margin: 16px 0; padding: 10px 14px; border-radius: 4px; }
        #estimate { font-family: monospace; font-size: 18px; background: #f1f3f4; }
        .status-waiting { background: #fef7e0; }
        .status-connecting { background: #e8f0fe; }
        .status-connected { background: #e6f4ea; }
        .status-error { background: #fce8e6; }
        .status-closed { background: #f1f3f4; }
        video { width: 100%; max-width: 640px; background: #000; }
        code { background: #f1f3f4; padding: 1px 4px; }
    </style>
</head>
<body>
    <header>
        <h1>RBE Chrome Interop</h1>
        <p>Receiver estimate sent to Chrome as REMB</p>
    </header>

    <button id="startBtn" onclick="startCall()">Start Call</button>
    <button id="stopBtn" onclick="stopCall()" disabled>Stop Call</button>

    <div id="status" class="status-waiting">Status: Waiting to start</div>
    <div id="estimate">Estimate: -</div>

    <video id="video" autoplay muted playsinline></video>

    <p>
        Open <code>chrome://webrtc-internals</code> before starting the call.
        The <code>availableOutgoingBitrate</code> of the nominated candidate pair
        should follow the estimate above.
    </p>

    <script>
        let pc = null;
        let localStream = null;
        let lastEstimate = null;

        (function connectFeed() {
            const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
            const ws = new WebSocket(proto + location.host + '/ws');
            ws.onmessage = (event) => {
                lastEstimate = JSON.parse(event.data);
                document.getElementById('estimate').textContent =
                    'Estimate: ' + (lastEstimate.bitrateBps / 1000).toFixed(0) + ' kbps (' + lastEstimate.connection + ')';
            };
            ws.onclose = () => setTimeout(connectFeed, 1000);
        })();

        function setStatus(message, type) {
            const el = document.getElementById('status');
            el.textContent = 'Status: ' + message;
            el.className = 'status-' + type;
        }

        function waitForGathering(conn) {
            return new Promise((resolve) => {
                if (conn.iceGatheringState === 'complete') {
                    resolve();
                    return;
                }
                conn.onicecandidate = (e) => { if (e.candidate === null) resolve(); };
            });
        }

        async function startCall() {
            document.getElementById('startBtn').disabled = true;
            document.getElementById('stopBtn').disabled = false;
            try {
                setStatus('Opening camera', 'connecting');
                localStream = await navigator.mediaDevices.getUserMedia({
                    video: { width: 640, height: 480, frameRate: 30 },
                    audio: false
                });
                document.getElementById('video').srcObject = localStream;

                pc = new RTCPeerConnection({ iceServers: [] });
                localStream.getTracks().forEach(track => pc.addTrack(track, localStream));
                pc.onconnectionstatechange = () => {
                    const state = pc ? pc.connectionState : 'closed';
                    if (state === 'connected') setStatus('Connected, watch webrtc-internals', 'connected');
                    if (state === 'failed') setStatus('Connection failed', 'error');
                    if (state === 'disconnected') setStatus('Disconnected', 'closed');
                };

                await pc.setLocalDescription(await pc.createOffer());
                await waitForGathering(pc);

                setStatus('Sending offer', 'connecting');
                const response = await fetch('/offer', {
                    method: 'POST',
                    headers: { 'Content-Type': 'application/json' },
                    body: JSON.stringify(pc.localDescription)
                });
                if (!response.ok) {
                    throw new Error('server returned ' + response.status);
                }
                await pc.setRemoteDescription(await response.json());
            } catch (err) {
                console.error(err);
                stopCall();
                setStatus('Error: ' + err.message, 'error');
            }
        }

        function stopCall() {
            if (pc) {
                pc.close();
                pc = null;
            }
            if (localStream) {
                localStream.getTracks().forEach(track => track.stop());
                localStream = null;
            }
            document.getElementById('video').srcObject = null;
            document.getElementById('startBtn').disabled = false;
            document.getElementById('stopBtn').disabled = true;
            setStatus('Call ended', 'closed');
        }
    </script>
</body>
</html>`
