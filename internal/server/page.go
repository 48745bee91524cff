package server

const indexPage = `<!DOCTYPE html>
<html>
<head>
	<meta charset="utf-8">
	<title>Video frame descriptions</title>
	<style>
		body { font-family: Arial, sans-serif; margin: 40px; max-width: 960px; }
		fieldset { margin-bottom: 16px; }
		.status { padding: 12px; background-color: #e0f7fa; border-radius: 5px; }
		.frame { display: flex; gap: 16px; margin: 12px 0; }
		.frame img { width: 240px; border-radius: 4px; }
		.error { color: #b00020; }
	</style>
</head>
<body>
	<h1>Video frame descriptions</h1>
	<form id="analyze">
		<fieldset>
			<legend>Video</legend>
			<input type="file" name="video" accept="video/*">
			or URL <input type="text" name="url" size="50" placeholder="https://... or s3://bucket/key">
		</fieldset>
		<fieldset>
			<legend>Sampling</legend>
			every <input type="number" name="stride" min="1" placeholder="30"> frames
			or <input type="number" name="count" min="1"> frames in total
			or only frame <input type="number" name="frame" min="0" step="50">
			<label><input type="checkbox" name="batch"> describe all frames together</label>
			<label><input type="checkbox" name="summarize"> summarize</label>
		</fieldset>
		<button type="submit">Analyze</button>
	</form>
	<p class="status" id="status">Waiting for a video.</p>
	<div id="summary"></div>
	<div id="results"></div>
<script>
const form = document.getElementById('analyze');
const status = document.getElementById('status');
const results = document.getElementById('results');

form.addEventListener('submit', async (ev) => {
	ev.preventDefault();
	results.innerHTML = '';
	document.getElementById('summary').textContent = '';
	status.textContent = 'Uploading...';

	const resp = await fetch('/api/analyze', { method: 'POST', body: new FormData(form) });
	const body = await resp.json();
	if (!resp.ok) {
		status.textContent = body.error;
		return;
	}

	const proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
	const ws = new WebSocket(proto + '//' + location.host + '/api/runs/' + body.run_id + '/events');
	let seen = 0, total = 0, sampled = 0, described = 0, state = '';
	ws.onmessage = (msg) => {
		const e = JSON.parse(msg.data);
		switch (e.kind) {
		case 'frames_seen': seen = e.count; total = e.total || total; break;
		case 'frames_sampled': sampled = e.count; break;
		case 'frames_described': described = e.count; break;
		case 'state': state = e.state; break;
		case 'result': addResult(body.run_id, e.result); break;
		case 'report':
			status.textContent = e.error ? 'Failed: ' + e.error : 'Done: ' + e.report.status;
			if (e.report) {
				status.textContent += ' (' + e.report.total_frames + ' frames in video)';
			}
			if (e.report && e.report.summary) {
				document.getElementById('summary').textContent = e.report.summary;
			}
			return;
		}
		status.textContent = state + ': ' + seen + (total ? ' of ' + total : '') + ' frames read, ' + sampled + ' sampled, ' + described + ' described';
	};
});

function addResult(runID, r) {
	const div = document.createElement('div');
	div.className = 'frame';
	const img = document.createElement('img');
	img.src = '/api/runs/' + runID + '/frames/' + r.frame_index;
	const text = document.createElement('p');
	if (r.error) {
		text.className = 'error';
		text.textContent = 'Frame ' + r.frame_index + ': ' + r.error + ' ' + (r.message || '');
	} else {
		text.textContent = 'Frame ' + r.frame_index + ': ' + r.text;
	}
	div.append(img, text);
	results.append(div);
}
</script>
</body>
</html>
`
