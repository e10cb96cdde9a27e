package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>relayjournal</title>
  <style>
    :root {
      --bg: #f4f1ea;
      --ink: #102223;
      --muted: #4f6364;
      --line: #d4cab8;
      --card: #fffdf8;
      --accent: #1f9d88;
      --err: #c2412d;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "IBM Plex Sans", "Segoe UI", sans-serif;
      background: var(--bg);
      color: var(--ink);
    }

    header {
      padding: 16px 20px;
      border-bottom: 1px solid var(--line);
      display: flex;
      gap: 12px;
      align-items: center;
      flex-wrap: wrap;
    }

    h1 { margin: 0; font-size: 1.2rem; letter-spacing: 0.02em; }

    input {
      border-radius: 10px;
      border: 1px solid var(--line);
      padding: 8px 10px;
      font-size: 0.9rem;
      min-width: 260px;
    }

    button {
      border: 0;
      border-radius: 10px;
      padding: 8px 12px;
      font-weight: 700;
      cursor: pointer;
      background: var(--accent);
      color: #ffffff;
    }

    #status { color: var(--muted); font-size: 0.85rem; }
    #status.err { color: var(--err); }

    main {
      display: grid;
      gap: 12px;
      grid-template-columns: 220px 1fr 320px;
      padding: 12px 20px;
    }

    .panel {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 16px;
      padding: 12px;
      min-height: 320px;
    }

    .panel h2 {
      margin: 0 0 10px;
      font-size: 0.82rem;
      letter-spacing: 0.06em;
      text-transform: uppercase;
    }

    ul { list-style: none; margin: 0; padding: 0; display: grid; gap: 6px; }
    li button { width: 100%; text-align: left; background: #f2ede2; color: var(--ink); font-weight: 500; }
    pre { white-space: pre-wrap; word-break: break-word; margin: 0; font-size: 0.88rem; }
    .feed li { border-left: 4px solid var(--accent); padding: 6px 8px; background: #fffcf7; font-size: 0.82rem; }
  </style>
</head>
<body>
  <header>
    <h1>relayjournal</h1>
    <input id="token" type="password" placeholder="bearer token" />
    <button id="connect" type="button">Connect</button>
    <span id="status">enter token to start</span>
  </header>
  <main>
    <section class="panel"><h2>Months</h2><ul id="months"></ul></section>
    <section class="panel"><h2 id="docTitle">Document</h2><pre id="doc"></pre></section>
    <section class="panel"><h2>Live</h2><ul id="feed" class="feed"></ul></section>
  </main>
  <script>
    (function () {
      const dom = {
        token: document.getElementById("token"),
        connect: document.getElementById("connect"),
        status: document.getElementById("status"),
        months: document.getElementById("months"),
        docTitle: document.getElementById("docTitle"),
        doc: document.getElementById("doc"),
        feed: document.getElementById("feed"),
      };
      let socket = null;

      function setStatus(text, isErr) {
        dom.status.textContent = text;
        dom.status.className = isErr ? "err" : "";
      }

      async function request(path) {
        const res = await fetch(path, { headers: { Authorization: "Bearer " + dom.token.value.trim() } });
        const body = await res.json();
        if (!res.ok) {
          throw new Error(body.message || ("HTTP " + res.status));
        }
        return body;
      }

      async function openDocument(path) {
        const match = /^(\d{4})\/(\d{2})\.md$/.exec(path);
        if (!match) {
          return;
        }
        try {
          const doc = await request("/v1/journal/" + match[1] + "/" + match[2]);
          dom.docTitle.textContent = doc.path + " @ " + doc.version;
          dom.doc.textContent = doc.markdown;
        } catch (err) {
          setStatus(String(err.message || err), true);
        }
      }

      async function loadMonths() {
        const list = await request("/v1/journal");
        dom.months.textContent = "";
        list.items.slice().reverse().forEach(function (path) {
          const li = document.createElement("li");
          const btn = document.createElement("button");
          btn.type = "button";
          btn.textContent = path;
          btn.addEventListener("click", function () { openDocument(path); });
          li.appendChild(btn);
          dom.months.appendChild(li);
        });
        if (list.items.length > 0) {
          await openDocument(list.items[list.items.length - 1]);
        }
      }

      function listen() {
        if (socket) {
          socket.close();
        }
        const scheme = window.location.protocol === "https:" ? "wss://" : "ws://";
        socket = new WebSocket(scheme + window.location.host + "/v1/events?access_token=" + encodeURIComponent(dom.token.value.trim()));
        socket.onmessage = function (msg) {
          const event = JSON.parse(msg.data);
          const li = document.createElement("li");
          li.textContent = event.path + " " + event.line;
          dom.feed.prepend(li);
          if (dom.docTitle.textContent.indexOf(event.path) === 0) {
            openDocument(event.path);
          }
        };
        socket.onclose = function () { setStatus("feed disconnected", true); };
      }

      async function connect() {
        setStatus("loading...", false);
        try {
          const stats = await request("/v1/status");
          await loadMonths();
          listen();
          window.sessionStorage.setItem("relayjournal_token", dom.token.value.trim());
          setStatus("published " + stats.published + ", queued " + stats.queueDepth, false);
        } catch (err) {
          setStatus(String(err.message || err), true);
        }
      }

      dom.connect.addEventListener("click", connect);
      const saved = window.sessionStorage.getItem("relayjournal_token") || "";
      if (saved) {
        dom.token.value = saved;
        connect();
      }
    })();
  </script>
</body>
</html>`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = fmt.Fprint(w, dashboardHTML)
}
