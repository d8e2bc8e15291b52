package server

// indexPage is the bundled web client. It keeps the highest message id and
// the session id in localStorage, retries unacknowledged submissions with
// the same idempotency key, and shows presence, typing and private messages.
const indexPage = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>chatfanout</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            list-style: none;
            border: 1px solid #ccc;
            height: 320px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        #messages li.private { color: #7a3e9d; }
        #messages li.system { color: gray; font-style: italic; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
        #typing { height: 1.2em; color: gray; }
    </style>
</head>
<body>
    <h1>chatfanout</h1>

    <div id="status" class="status disconnected">Disconnected</div>
    <div>
        <input type="text" id="userName" placeholder="Your name">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div id="online"></div>

    <ul id="messages"></ul>
    <div id="typing"></div>

    <form id="form">
        <input type="text" id="input" autocomplete="off" placeholder="Message, or @name text for a private message" disabled>
        <button id="sendButton" disabled>Send</button>
    </form>

    <script>
        const messages = document.getElementById('messages');
        const input = document.getElementById('input');
        const form = document.getElementById('form');
        const statusDiv = document.getElementById('status');
        const onlineDiv = document.getElementById('online');
        const typingDiv = document.getElementById('typing');
        const userNameInput = document.getElementById('userName');
        const sendButton = document.getElementById('sendButton');
        const connectButton = document.getElementById('connectButton');

        let ws = null;
        let ackCounter = 0;
        let keyCounter = 0;
        let typingTimer = null;
        const pending = new Map();
        const seen = new Set();

        userNameInput.value = localStorage.getItem('userName') || '';

        function lastKnown() {
            return parseInt(localStorage.getItem('lastKnownMessageId') || '0', 10);
        }

        function addLine(text, cls) {
            const item = document.createElement('li');
            item.textContent = text;
            if (cls) item.className = cls;
            messages.appendChild(item);
            messages.scrollTop = messages.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            input.disabled = !connected;
            sendButton.disabled = !connected;
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function send(type, data) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify({ type: type, data: data }));
            }
        }

        function submit(entry) {
            send('submit-message', { content: entry.content, idempotencyKey: entry.key, ackId: entry.ackId });
            entry.timer = setTimeout(function () { submit(entry); }, 3000);
        }

        function connect() {
            const userName = userNameInput.value.trim();
            if (!userName) return;
            localStorage.setItem('userName', userName);

            const params = new URLSearchParams({ userName: userName, lastKnownMessageId: String(lastKnown()) });
            const sessionId = sessionStorage.getItem('sessionId');
            if (sessionId) params.set('sessionId', sessionId);

            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws?' + params.toString());

            ws.onopen = function () { updateStatus(true); };
            ws.onclose = function () {
                updateStatus(false);
                addLine('connection closed', 'system');
                ws = null;
            };
            ws.onmessage = function (event) {
                const frame = JSON.parse(event.data);
                const data = frame.data || {};
                switch (frame.type) {
                case 'session':
                    sessionStorage.setItem('sessionId', data.sessionId);
                    pending.forEach(function (entry) { clearTimeout(entry.timer); submit(entry); });
                    break;
                case 'ack': {
                    const entry = pending.get(data.ackId);
                    if (entry) {
                        clearTimeout(entry.timer);
                        pending.delete(data.ackId);
                        addLine('me: ' + entry.content);
                    }
                    break;
                }
                case 'chat-message':
                    if (seen.has(data.id)) break;
                    seen.add(data.id);
                    addLine((data.senderUserName || 'anonymous') + ': ' + data.content);
                    if (data.id > lastKnown()) localStorage.setItem('lastKnownMessageId', String(data.id));
                    break;
                case 'user-connected':
                    addLine(data.userName + ' joined', 'system');
                    onlineDiv.textContent = 'Online: ' + data.onlineUserNames.join(', ');
                    break;
                case 'user-disconnected':
                    addLine(data.userName + ' left', 'system');
                    onlineDiv.textContent = 'Online: ' + data.onlineUserNames.join(', ');
                    break;
                case 'user-typing':
                    typingDiv.textContent = data.isTyping ? data.userName + ' is typing...' : '';
                    break;
                case 'private-message':
                    addLine('(private) ' + data.fromUserName + ': ' + data.content, 'private');
                    break;
                }
            };
        }

        function toggleConnection() {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.close();
            } else {
                connect();
            }
        }

        input.addEventListener('input', function () {
            send('user-typing', { isTyping: true });
            clearTimeout(typingTimer);
            typingTimer = setTimeout(function () { send('user-typing', { isTyping: false }); }, 1500);
        });

        form.addEventListener('submit', function (e) {
            e.preventDefault();
            const text = input.value.trim();
            if (!text) return;
            input.value = '';

            const direct = text.match(/^@(\S+)\s+(.+)$/);
            if (direct) {
                send('private-message', { toUserName: direct[1], content: direct[2] });
                addLine('(private to ' + direct[1] + ') ' + direct[2], 'private');
                return;
            }

            const entry = {
                content: text,
                key: (sessionStorage.getItem('sessionId') || 'offline') + '-' + Date.now() + '-' + (keyCounter++),
                ackId: ++ackCounter
            };
            pending.set(entry.ackId, entry);
            submit(entry);
        });
    </script>
</body>
</html>`
