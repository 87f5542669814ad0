package receive

// uploadPage is the browser surface for sending files to this device. The
// form posts a plain multipart body; the fetch-based progress path uses
// the same /upload endpoint.
const uploadPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Send files</title>
<style>
  body { max-width: 600px; margin: 0 auto; padding: 24px 16px;
         font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Arial, sans-serif; }
  h1 { font-size: 1.4rem; margin-bottom: 16px; }
  .drop { padding: 32px 16px; border: 2px dashed #ccc; border-radius: 8px; text-align: center; }
  button { margin-top: 16px; padding: 10px 24px; border: 0; border-radius: 6px;
           background: #2563eb; color: #fff; font-size: 1rem; }
  progress { width: 100%; margin-top: 16px; display: none; }
  #status { margin-top: 12px; color: #666; }
</style>
</head>
<body>
<h1>Send files to this device</h1>
<div class="drop">
  <input type="file" id="picker" multiple>
  <br>
  <button id="send">Send</button>
  <progress id="bar" max="100" value="0"></progress>
  <div id="status"></div>
</div>
<script>
document.getElementById('send').addEventListener('click', function () {
  var picker = document.getElementById('picker');
  if (picker.files.length === 0) { return; }
  var form = new FormData();
  for (var i = 0; i < picker.files.length; i++) {
    form.append('files', picker.files[i], picker.files[i].name);
  }
  var bar = document.getElementById('bar');
  var status = document.getElementById('status');
  var xhr = new XMLHttpRequest();
  xhr.open('POST', '/upload');
  xhr.upload.onprogress = function (e) {
    if (e.lengthComputable) {
      bar.style.display = 'block';
      bar.value = Math.round(e.loaded / e.total * 100);
    }
  };
  xhr.onload = function () {
    if (xhr.status === 200) {
      var result = JSON.parse(xhr.responseText);
      status.textContent = 'Sent ' + result.count + ' file(s). Waiting for the host to accept.';
    } else {
      status.textContent = 'Upload failed (' + xhr.status + ').';
    }
  };
  xhr.onerror = function () { status.textContent = 'Upload failed.'; };
  xhr.send(form);
});
</script>
</body>
</html>
`
