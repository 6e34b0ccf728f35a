package dashboard

import "net/http"

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(dashboardHTML))
}

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Flagsweep Orchestrator</title>
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
    --orange: #db6d28;
    --purple: #bc8cff;
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
  .stats-bar {
    display: flex;
    gap: 10px;
    flex-wrap: wrap;
    margin-bottom: 16px;
  }
  .stat {
    background: var(--surface);
    border: 1px solid var(--border);
    border-radius: 6px;
    padding: 8px 14px;
    font-size: 12px;
    color: var(--text-dim);
  }
  .stat b { color: var(--text); font-size: 16px; margin-right: 4px; }
  .stat.capacity b { color: var(--accent); }
  .grid {
    display: grid;
    grid-template-columns: 2fr 1fr;
    gap: 16px;
    align-items: start;
  }
  @media (max-width: 1000px) { .grid { grid-template-columns: 1fr; } }
  .card {
    background: var(--surface);
    border: 1px solid var(--border);
    border-radius: 6px;
    overflow: hidden;
  }
  .card h2 {
    font-size: 13px;
    font-weight: 600;
    padding: 10px 14px;
    border-bottom: 1px solid var(--border);
    display: flex;
    justify-content: space-between;
    align-items: center;
  }
  .card h2 .count { color: var(--text-dim); font-weight: 400; }
  .card-body { padding: 10px 14px; }
  table { width: 100%; border-collapse: collapse; font-size: 13px; }
  th {
    text-align: left;
    padding: 6px 14px;
    font-size: 11px;
    text-transform: uppercase;
    color: var(--text-dim);
    border-bottom: 1px solid var(--border);
  }
  td { padding: 7px 14px; border-bottom: 1px solid var(--border); vertical-align: top; }
  tr:last-child td { border-bottom: none; }
  tr.sel { background: var(--surface-hover); }
  tr.row { cursor: pointer; }
  tr.row:hover { background: var(--surface-hover); }
  .badge {
    display: inline-block;
    padding: 1px 8px;
    border-radius: 10px;
    font-size: 11px;
    font-weight: 600;
    border: 1px solid var(--border);
    color: var(--text-dim);
  }
  .badge.queued, .badge.pending { color: var(--text-dim); }
  .badge.in_progress, .badge.working, .badge.claimed { color: var(--yellow); border-color: var(--yellow); }
  .badge.blocked { color: var(--orange); border-color: var(--orange); }
  .badge.completed, .badge.finished { color: var(--green); border-color: var(--green); }
  .badge.failed, .badge.expired { color: var(--red); border-color: var(--red); }
  .empty { color: var(--text-dim); padding: 14px; text-align: center; font-size: 13px; }
  button {
    background: var(--surface);
    color: var(--text);
    border: 1px solid var(--border);
    border-radius: 6px;
    padding: 4px 12px;
    font-size: 12px;
    cursor: pointer;
  }
  button:hover { background: var(--surface-hover); border-color: var(--text-dim); }
  button.primary { background: #238636; border-color: #2ea043; }
  button.primary:hover { background: #2ea043; }
  button.danger { color: var(--red); }
  input[type=text], textarea {
    width: 100%;
    background: var(--bg);
    color: var(--text);
    border: 1px solid var(--border);
    border-radius: 6px;
    padding: 6px 10px;
    font-size: 13px;
    font-family: inherit;
  }
  label { display: block; font-size: 12px; color: var(--text-dim); margin: 10px 0 4px; }
  .session-line { font-size: 12px; padding: 4px 0; border-bottom: 1px dashed var(--border); }
  .session-line:last-child { border-bottom: none; }
  .session-line a { color: var(--accent); text-decoration: none; }
  .repo { color: var(--text-dim); word-break: break-all; }
  .log-line { font-size: 11px; font-family: ui-monospace, SFMono-Regular, Menlo, monospace; padding: 2px 0; }
  .log-line .lvl-error { color: var(--red); }
  .log-line .lvl-warning { color: var(--yellow); }
  .log-line .ts { color: var(--text-dim); }
  .search-results { font-size: 12px; }
  .search-results .hit { padding: 6px 0; border-bottom: 1px dashed var(--border); }
  .search-results .hit:last-child { border-bottom: none; }
  .search-results .loc { color: var(--text-dim); font-size: 11px; }
  .search-results mark { background: transparent; color: var(--yellow); font-weight: 600; }
  .modal {
    display: none;
    position: fixed;
    inset: 0;
    background: rgba(0,0,0,0.6);
    align-items: center;
    justify-content: center;
    z-index: 10;
  }
  .modal.open { display: flex; }
  .modal-box {
    background: var(--surface);
    border: 1px solid var(--border);
    border-radius: 6px;
    padding: 20px;
    width: 440px;
    max-width: 90vw;
  }
  .modal-box h3 { font-size: 15px; margin-bottom: 6px; }
  .modal-box .hint { font-size: 12px; color: var(--text-dim); }
  .modal-actions { display: flex; justify-content: flex-end; gap: 8px; margin-top: 16px; }
</style>
</head>
<body>
<header>
  <h1>flagsweep <span>orchestrator</span></h1>
  <div class="meta"><span class="live">&#9679;</span> updated <span id="updated">-</span></div>
</header>

<div class="stats-bar" id="stats-bar"></div>

<div class="grid">
  <div class="card">
    <h2>Removal Requests <span>
      <span class="count" id="requests-count">0</span>
      <button class="primary" onclick="showCreateModal()">New Removal</button>
    </span></h2>
    <div id="requests"></div>
  </div>

  <div>
    <div class="card" id="detail-card" style="display:none">
      <h2 id="detail-title">Request</h2>
      <div class="card-body" id="detail-body"></div>
    </div>
    <div class="card" style="margin-top:16px">
      <h2>Flag Search</h2>
      <div class="card-body">
        <input type="text" id="search-input" placeholder="flag key or code fragment...">
        <div class="search-results" id="search-results"></div>
      </div>
    </div>
  </div>
</div>

<div class="modal" id="create-modal">
  <div class="modal-box">
    <h3>New Removal Request</h3>
    <div class="hint">One agent session is dispatched per repository.</div>
    <label>Flag key</label>
    <input type="text" id="create-flag-key" placeholder="checkout-v2">
    <label>Repositories (one URL per line, max 5)</label>
    <textarea id="create-repos" rows="4" placeholder="https://github.com/acme/web"></textarea>
    <label><input type="checkbox" id="create-dry-run"> Dry run (analysis only, no PR)</label>
    <div class="modal-actions">
      <button onclick="hideCreateModal()">Cancel</button>
      <button class="primary" id="create-btn" onclick="submitRemoval()">Create</button>
    </div>
  </div>
</div>

<script>
var refreshMs = 5000;
var selectedID = 0;
var stream = null;

function esc(s) {
  if (!s) return '';
  var d = document.createElement('div');
  d.textContent = s;
  return d.innerHTML;
}

function relTime(iso) {
  if (!iso) return '';
  var d = (Date.now() - new Date(iso).getTime()) / 1000;
  if (d < 60) return Math.floor(d) + 's ago';
  if (d < 3600) return Math.floor(d / 60) + 'm ago';
  if (d < 86400) return Math.floor(d / 3600) + 'h ago';
  return new Date(iso).toLocaleDateString();
}

function renderStats(s) {
  var html = '<div class="stat capacity"><b>' + s.active_sessions + '/' + s.max_sessions + '</b> active sessions</div>';
  var reqs = s.requests || {};
  var order = ['queued', 'in_progress', 'completed', 'failed'];
  order.forEach(function(k) {
    html += '<div class="stat"><b>' + (reqs[k] || 0) + '</b> ' + esc(k.replace('_', ' ')) + '</div>';
  });
  document.getElementById('stats-bar').innerHTML = html;
}

function renderRequests(list) {
  var el = document.getElementById('requests');
  document.getElementById('requests-count').textContent = list ? list.length : 0;
  if (!list || list.length === 0) {
    el.innerHTML = '<div class="empty">No removal requests yet</div>';
    return;
  }
  var html = '<table><thead><tr><th>ID</th><th>Flag</th><th>Status</th><th>Sessions</th><th>ACU</th><th>Age</th><th></th></tr></thead><tbody>';
  list.forEach(function(r) {
    var sel = r.id === selectedID ? ' sel' : '';
    html += '<tr class="row' + sel + '" onclick="selectRequest(' + r.id + ')">' +
      '<td>#' + r.id + '</td>' +
      '<td>' + esc(r.flag_key) + (r.mode === 'dry-run' ? ' <span class="badge">dry-run</span>' : '') + '</td>' +
      '<td><span class="badge ' + r.status + '">' + esc(r.status) + '</span></td>' +
      '<td>' + r.completed_sessions + '/' + r.session_count + '</td>' +
      '<td>' + (r.total_acu_consumed || 0) + '</td>' +
      '<td style="white-space:nowrap;color:var(--text-dim)">' + esc(relTime(r.created_at)) + '</td>' +
      '<td><button class="danger" onclick="deleteRequest(event,' + r.id + ')">&#10005;</button></td>' +
    '</tr>';
  });
  html += '</tbody></table>';
  el.innerHTML = html;
}

function renderDetail(data, logs) {
  var card = document.getElementById('detail-card');
  card.style.display = '';
  var r = data.request;
  document.getElementById('detail-title').innerHTML =
    '#' + r.id + ' ' + esc(r.flag_key) + ' <span class="badge ' + r.status + '">' + esc(r.status) + '</span>';

  var html = '';
  (data.sessions || []).forEach(function(s) {
    html += '<div class="session-line">' +
      '<span class="badge ' + s.status + '">' + esc(s.status) + '</span> ' +
      '<span class="repo">' + esc(s.repository) + '</span>' +
      (s.pr_url ? ' &#8594; <a href="' + esc(s.pr_url) + '" target="_blank">PR</a>' : '') +
      (s.error_message ? '<div style="color:var(--red);font-size:11px">' + esc(s.error_message) + '</div>' : '') +
    '</div>';
  });
  if (logs && logs.length > 0) {
    html += '<div style="margin-top:10px;font-size:11px;text-transform:uppercase;color:var(--text-dim)">Activity</div>';
    logs.slice(-30).forEach(function(l) {
      html += '<div class="log-line"><span class="ts">' + esc(relTime(l.timestamp)) + '</span> ' +
        '<span class="lvl-' + l.log_level + '">' + esc(l.message) + '</span></div>';
    });
  }
  document.getElementById('detail-body').innerHTML = html || '<div class="empty">No sessions</div>';
}

async function selectRequest(id) {
  selectedID = id;
  if (stream) { stream.close(); stream = null; }
  await loadDetail(id);
  // Live updates while the request is still moving.
  stream = new EventSource('/api/removals/' + id + '/stream');
  stream.addEventListener('status_update', function(e) {
    var data = JSON.parse(e.data);
    renderDetail(data, null);
    fetchAll();
  });
  stream.addEventListener('complete', function() {
    stream.close();
    stream = null;
    loadDetail(id);
    fetchAll();
  });
  fetchAll();
}

async function loadDetail(id) {
  try {
    var dResp = await fetch('/api/removals/' + id);
    if (!dResp.ok) return;
    var data = await dResp.json();
    var lResp = await fetch('/api/removals/' + id + '/logs');
    var logs = lResp.ok ? (await lResp.json()).logs : [];
    renderDetail(data, logs);
  } catch (e) { /* transient; next poll retries */ }
}

async function deleteRequest(ev, id) {
  ev.stopPropagation();
  if (!confirm('Delete removal request #' + id + ' and all its sessions?')) return;
  try {
    var resp = await fetch('/api/removals/' + id, { method: 'DELETE' });
    if (!resp.ok) {
      var data = await resp.json();
      alert('Delete failed: ' + (data.error || resp.statusText));
      return;
    }
    if (selectedID === id) {
      selectedID = 0;
      document.getElementById('detail-card').style.display = 'none';
      if (stream) { stream.close(); stream = null; }
    }
    fetchAll();
  } catch (e) {
    alert('Delete failed: ' + e.message);
  }
}

function showCreateModal() {
  document.getElementById('create-modal').classList.add('open');
  document.getElementById('create-flag-key').focus();
}
function hideCreateModal() {
  document.getElementById('create-modal').classList.remove('open');
}

async function submitRemoval() {
  var btn = document.getElementById('create-btn');
  var flagKey = document.getElementById('create-flag-key').value.trim();
  var repos = document.getElementById('create-repos').value.split('\n')
    .map(function(s) { return s.trim(); })
    .filter(function(s) { return s.length > 0; });
  var body = {
    flag_key: flagKey,
    repositories: repos,
    created_by: 'dashboard'
  };
  if (document.getElementById('create-dry-run').checked) body.mode = 'dry-run';
  btn.textContent = 'Creating...';
  btn.disabled = true;
  try {
    var resp = await fetch('/api/removals', {
      method: 'POST',
      headers: { 'Content-Type': 'application/json' },
      body: JSON.stringify(body)
    });
    var data = await resp.json();
    if (!resp.ok) {
      alert('Create failed: ' + (data.error || resp.statusText));
      return;
    }
    hideCreateModal();
    document.getElementById('create-flag-key').value = '';
    document.getElementById('create-repos').value = '';
    selectRequest(data.request.id);
  } catch (e) {
    alert('Create failed: ' + e.message);
  } finally {
    btn.textContent = 'Create';
    btn.disabled = false;
  }
}

var searchTimer = null;
document.getElementById('search-input').addEventListener('input', function() {
  clearTimeout(searchTimer);
  var q = this.value.trim();
  if (!q) {
    document.getElementById('search-results').innerHTML = '';
    return;
  }
  searchTimer = setTimeout(function() { searchFlags(q); }, 300);
});

async function searchFlags(q) {
  try {
    var resp = await fetch('/api/flags/search?q=' + encodeURIComponent(q) + '&limit=10');
    if (!resp.ok) return;
    var data = await resp.json();
    var el = document.getElementById('search-results');
    if (!data.results || data.results.length === 0) {
      el.innerHTML = '<div class="empty">No references found</div>';
      return;
    }
    el.innerHTML = data.results.map(function(hit) {
      var snippet = esc(hit.snippet).split('&gt;&gt;&gt;').join('<mark>').split('&lt;&lt;&lt;').join('</mark>');
      return '<div class="hit">' +
        '<div>' + esc(hit.flag_key) + ' <span class="loc">' + esc(hit.file) + ':' + hit.line + '</span></div>' +
        '<div class="loc">' + snippet + '</div>' +
      '</div>';
    }).join('');
  } catch (e) { /* ignore, user keeps typing */ }
}

document.getElementById('create-modal').addEventListener('click', function(e) {
  if (e.target === this) hideCreateModal();
});
document.getElementById('create-flag-key').addEventListener('keydown', function(e) {
  if (e.key === 'Enter') submitRemoval();
  if (e.key === 'Escape') hideCreateModal();
});

async function fetchAll() {
  try {
    var sResp = await fetch('/api/stats');
    if (sResp.ok) renderStats(await sResp.json());
    var rResp = await fetch('/api/removals?limit=50');
    if (rResp.ok) renderRequests((await rResp.json()).requests);
    document.getElementById('updated').textContent = new Date().toLocaleTimeString();
  } catch (e) {
    document.getElementById('updated').textContent = 'error';
  }
}

fetchAll();
setInterval(fetchAll, refreshMs);
</script>
</body>
</html>`
