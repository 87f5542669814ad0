package share

// landingPage is the static page served to every visitor. It fetches the
// catalog over /api/files; downloads themselves stay behind the gate, so
// an unconfirmed visitor sees the list render but gets a 403 on click.
const landingPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Shared files</title>
<style>
  body { max-width: 640px; margin: 0 auto; padding: 24px 16px;
         font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Arial, sans-serif; }
  h1 { font-size: 1.4rem; margin-bottom: 4px; }
  p.hint { color: #666; margin-bottom: 16px; }
  ul { list-style: none; padding: 0; }
  li { display: flex; align-items: center; gap: 12px; padding: 10px 8px;
       border-bottom: 1px solid #eee; }
  li img { width: 40px; height: 40px; object-fit: cover; border-radius: 6px; }
  .name { flex: 1; word-break: break-all; }
  .size { color: #888; font-size: 0.85rem; white-space: nowrap; }
  a.dl { text-decoration: none; padding: 6px 14px; border-radius: 6px;
         background: #2563eb; color: #fff; font-size: 0.9rem; }
  .empty { color: #888; text-align: center; padding: 32px 0; }
</style>
</head>
<body>
<h1>Shared files</h1>
<p class="hint">Waiting for the host to approve this device? Downloads unlock once approved.</p>
<ul id="files"></ul>
<div id="empty" class="empty" hidden>Nothing is being shared right now.</div>
<script>
fetch('/api/files')
  .then(function (res) { return res.json(); })
  .then(function (data) {
    var list = document.getElementById('files');
    if (!data.files || data.files.length === 0) {
      document.getElementById('empty').hidden = false;
      return;
    }
    data.files.forEach(function (file) {
      var item = document.createElement('li');
      if (file.thumbnail_url) {
        var img = document.createElement('img');
        img.src = file.thumbnail_url;
        item.appendChild(img);
      }
      var name = document.createElement('span');
      name.className = 'name';
      name.textContent = file.name;
      item.appendChild(name);
      var size = document.createElement('span');
      size.className = 'size';
      size.textContent = file.size_human;
      item.appendChild(size);
      var link = document.createElement('a');
      link.className = 'dl';
      link.href = file.download_url;
      link.textContent = 'Download';
      item.appendChild(link);
      list.appendChild(item);
    });
  });
</script>
</body>
</html>
`
