package surface

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"
	"net/url"
)

// HostScript drives the preview page; it mirrors Monitor.
//
//go:embed host.js
var HostScript string

// SandboxPolicy is the capability set of the execution frame. It never
// includes allow-same-origin.
const SandboxPolicy = "allow-scripts allow-popups allow-forms"

// HostInput parameterises the preview host page.
type HostInput struct {
	InstanceID string
	// BasePath prefixes the bundle, events and errors URLs ("" for root).
	BasePath string
}

var hostPage = template.Must(template.New("host").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Preview {{.InstanceID}}</title>
<style>
html,body{margin:0;height:100%}
#live-frame{border:0;width:100%;height:100%}
#live-error{position:fixed;inset:auto 0 0 0;max-height:50%;overflow:auto;background:#2b0d0d;color:#fdd;font:13px/1.4 monospace;padding:12px}
#live-error pre{white-space:pre-wrap}
</style>
</head>
<body>
<iframe id="live-frame" title="live preview" sandbox="{{.Sandbox}}"></iframe>
<div id="live-error" hidden>
<strong>The application failed to run.</strong>
<p data-live-message></p>
<pre data-live-stack></pre>
<button type="button" data-live-retry>Retry</button>
</div>
<script data-instance-id="{{.InstanceID}}" data-frame-id="live-frame" data-panel-id="live-error"
 data-bundle-url="{{.BundleURL}}" data-events-url="{{.EventsURL}}" data-errors-url="{{.ErrorsURL}}">{{.Script}}</script>
</body>
</html>
`))

// HostPage renders the preview page for in.InstanceID. The caller validates
// the instance id.
func HostPage(in HostInput) ([]byte, error) {
	id := url.PathEscape(in.InstanceID)
	data := struct {
		InstanceID                      string
		Sandbox                         string
		BundleURL, EventsURL, ErrorsURL string
		Script                          template.JS
	}{
		InstanceID: in.InstanceID,
		Sandbox:    SandboxPolicy,
		BundleURL:  in.BasePath + "/bundle/" + id,
		EventsURL:  in.BasePath + "/events/" + id,
		ErrorsURL:  in.BasePath + "/api/sessions/" + id + "/errors",
		Script:     template.JS(HostScript),
	}
	var buf bytes.Buffer
	if err := hostPage.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("surface: host page: %w", err)
	}
	return buf.Bytes(), nil
}
