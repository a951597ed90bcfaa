package dashboard

import "net/http"

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Sandbox Dashboard</title>
<style>
  :root {
    --bg: #0d1117;
    --surface: #161b22;
    --surface-hover: #1c2129;
    --border: #30363d;
    --text: #e6edf3;
    --text-dim: #8b949e;
    --accent: #58a6ff;
    --green: #3fb950;
    --yellow: #d29922;
    --red: #f85149;
  }
  * { box-sizing: border-box; margin: 0; padding: 0; }
  body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Helvetica, Arial, sans-serif;
    background: var(--bg);
    color: var(--text);
    font-size: 14px;
    line-height: 1.5;
    padding: 16px;
  }
  header {
    display: flex;
    align-items: center;
    justify-content: space-between;
    margin-bottom: 16px;
    padding-bottom: 12px;
    border-bottom: 1px solid var(--border);
  }
  header h1 { font-size: 20px; font-weight: 600; }
  header h1 span { color: var(--accent); }
  .meta { font-size: 12px; color: var(--text-dim); }
  .meta .live { color: var(--green); }

  .grid { display: grid; grid-template-columns: 1fr 1fr; gap: 16px; }
  @media (max-width: 900px) { .grid { grid-template-columns: 1fr; } }
  .card {
    background: var(--surface);
    border: 1px solid var(--border);
    border-radius: 8px;
    overflow: hidden;
  }
  .card-header {
    padding: 10px 14px;
    border-bottom: 1px solid var(--border);
    font-weight: 600;
    font-size: 13px;
    text-transform: uppercase;
    letter-spacing: 0.5px;
    color: var(--text-dim);
    display: flex;
    align-items: center;
    gap: 6px;
  }
  .card-header .count {
    font-size: 11px;
    background: var(--border);
    color: var(--text-dim);
    padding: 1px 6px;
    border-radius: 10px;
    margin-left: auto;
  }
  .full-width { grid-column: 1 / -1; }

  table { width: 100%; border-collapse: collapse; }
  th {
    text-align: left;
    padding: 8px 14px;
    font-size: 11px;
    font-weight: 600;
    color: var(--text-dim);
    text-transform: uppercase;
    letter-spacing: 0.5px;
    border-bottom: 1px solid var(--border);
  }
  td {
    padding: 8px 14px;
    border-bottom: 1px solid var(--border);
    font-size: 13px;
    vertical-align: top;
  }
  tr:last-child td { border-bottom: none; }
  tr:hover { background: var(--surface-hover); }

  .badge {
    display: inline-block;
    padding: 2px 8px;
    border-radius: 12px;
    font-size: 11px;
    font-weight: 600;
    text-transform: uppercase;
    letter-spacing: 0.3px;
  }
  .badge.busy { background: #2a1f0d; color: var(--yellow); }
  .badge.idle { background: #0d2818; color: var(--green); }
  .badge.ok { background: #0d2818; color: var(--green); }
  .badge.error { background: #2d1a1a; color: var(--red); }
  .badge.timeout { background: #2a1f0d; color: var(--yellow); }

  .empty { padding: 24px 14px; text-align: center; color: var(--text-dim); font-size: 13px; }
  code { font-family: monospace; color: var(--accent); }
</style>
</head>
<body>
<header>
  <h1>sandbox<span>-mcp</span> dashboard</h1>
  <div class="meta">auto-refreshing every 3s <span class="live" id="live-dot">&#9679;</span></div>
</header>

<div class="grid">
  <div class="card">
    <div class="card-header">Active Sessions <span class="count" id="session-count">0</span></div>
    <div class="card-body" id="sessions-body">
      <div class="empty">No active sessions.</div>
    </div>
  </div>

  <div class="card">
    <div class="card-header">Recent Executions <span class="count" id="recent-count">0</span></div>
    <div class="card-body" id="recent-body">
      <div class="empty">No execution history (audit log disabled).</div>
    </div>
  </div>
</div>

<script>
function esc(s) {
  const d = document.createElement('div');
  d.innerText = s == null ? '' : String(s);
  return d.innerHTML;
}

async function refresh() {
  try {
    const resp = await fetch('/dashboard/api/pool');
    const snap = await resp.json();
    renderSessions(snap.active_sessions || []);
    renderRecent(snap.recent_executions || []);
    document.getElementById('live-dot').style.color = '#3fb950';
  } catch (e) {
    document.getElementById('live-dot').style.color = '#f85149';
  }
}

function renderSessions(sessions) {
  document.getElementById('session-count').textContent = sessions.length;
  const body = document.getElementById('sessions-body');
  if (!sessions.length) {
    body.innerHTML = '<div class="empty">No active sessions.</div>';
    return;
  }
  let html = '<table><tr><th>Session</th><th>State</th><th>Execs</th><th>Last Activity</th></tr>';
  for (const s of sessions) {
    html += '<tr><td><code>' + esc(s.session_id) + '</code></td>' +
      '<td><span class="badge ' + (s.busy ? 'busy">busy' : 'idle">idle') + '</span></td>' +
      '<td>' + esc(s.exec_count) + '</td>' +
      '<td>' + esc(s.last_activity) + '</td></tr>';
  }
  html += '</table>';
  body.innerHTML = html;
}

function renderRecent(recs) {
  document.getElementById('recent-count').textContent = recs.length;
  const body = document.getElementById('recent-body');
  if (!recs.length) {
    body.innerHTML = '<div class="empty">No execution history (audit log disabled).</div>';
    return;
  }
  let html = '<table><tr><th>Session</th><th>Code</th><th>Outcome</th><th>Duration</th></tr>';
  for (const r of recs) {
    html += '<tr><td><code>' + esc(r.session_id) + '</code></td>' +
      '<td><code>' + esc(r.code_hash) + '</code></td>' +
      '<td><span class="badge ' + esc(r.outcome) + '">' + esc(r.outcome) + '</span></td>' +
      '<td>' + esc(r.duration_ms) + 'ms</td></tr>';
  }
  html += '</table>';
  body.innerHTML = html;
}

refresh();
setInterval(refresh, 3000);
</script>
</body>
</html>
`
