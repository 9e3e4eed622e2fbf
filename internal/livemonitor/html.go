package livemonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>SkyEye Survey Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { margin: 0; font-family: sans-serif; background: #111; color: #eee; }
        .app { display: grid; grid-template-columns: 2fr 1fr; gap: 12px; padding: 12px; }
        .panel { background: #1c1c1c; border-radius: 6px; padding: 10px; }
        h2 { margin: 0 0 8px; font-size: 16px; }
        #stream { width: 100%; height: auto; background: #000; }
        table { width: 100%; border-collapse: collapse; font-size: 13px; }
        td, th { padding: 3px 6px; border-bottom: 1px solid #333; text-align: left; }
        .badge { font-size: 12px; padding: 2px 8px; border-radius: 8px; background: #333; }
        .badge.done { background: #185; }
    </style>
</head>
<body>
    <div class="app">
        <div class="panel">
            <h2>Live Feed <span class="badge" id="mission-badge">mission: waiting</span></h2>
            <img id="stream" src="/stream" alt="Annotated live frames">
        </div>
        <div class="panel">
            <h2>Run <span id="run-name">-</span></h2>
            <table id="counters"></table>
            <h2 style="margin-top:12px;">Detections</h2>
            <table>
                <thead><tr><th>frame</th><th>label</th><th>conf</th><th>lat</th><th>lon</th></tr></thead>
                <tbody id="detections"></tbody>
            </table>
        </div>
    </div>
    <script>
        const counterKeys = ["frames_read", "frames_retained", "detections_recorded",
            "images_written", "store_errors", "detector_errors", "inference_latency_ms"];

        function renderStatus(s) {
            document.getElementById("run-name").textContent = s.run || "-";
            const m = s.mission;
            const badge = document.getElementById("mission-badge");
            badge.textContent = "mission: " + m.current + "/" + m.total + (m.complete ? " complete" : "");
            badge.classList.toggle("done", m.complete);
            const rows = counterKeys.map(k => "<tr><td>" + k + "</td><td>" + s.counters[k] + "</td></tr>");
            document.getElementById("counters").innerHTML = rows.join("");
        }

        function addDetections(ev) {
            const body = document.getElementById("detections");
            for (const d of ev.detections) {
                const tr = document.createElement("tr");
                tr.innerHTML = "<td>" + ev.frame_index + "</td><td>" + d.label + "</td><td>" +
                    d.confidence.toFixed(2) + "</td><td>" + d.latitude.toFixed(6) + "</td><td>" +
                    d.longitude.toFixed(6) + "</td>";
                body.prepend(tr);
            }
            while (body.children.length > 50) {
                body.removeChild(body.lastChild);
            }
        }

        new EventSource("/api/status/stream").onmessage = e => renderStatus(JSON.parse(e.data));
        new EventSource("/api/detections/stream").onmessage = e => addDetections(JSON.parse(e.data));
    </script>
</body>
</html>
`
