// Package pages renders the HTML views served while the upstream is loading or down.
package pages

import (
	_ "embed"
	"html/template"
	"io"
)

//go:embed pages.css
var pagesCSS string

//go:embed gate.js
var gateJS string

// Unreachable holds data for the diagnostic page.
type Unreachable struct {
	TargetURL string
	Port      int
}

// Gate holds data for the loading page that embeds the upstream UI.
type Gate struct {
	Unreachable
	HealthURL       string
	FrameURL        string
	MaxRetries      int
	BackoffMS       int
	RevealTimeoutMS int
}

type pageData struct {
	Gate
	CSS    template.CSS
	Script template.JS
}

const checklist = `{{define "checklist"}}
            <h1 class="error">⚠️ Cannot Connect to Open Dynamic Export</h1>
            <p>Unable to connect to ODE at:</p>
            <p><code>{{.TargetURL}}</code></p>
            <p><strong>Please check:</strong></p>
            <ul>
                <li>✓ "Open Dynamic Export" add-on is installed</li>
                <li>✓ The add-on is started and running</li>
                <li>✓ No errors in the ODE add-on logs</li>
                <li>✓ Port {{.Port}} is accessible</li>
            </ul>
            <button id="retry" type="button" onclick="location.reload()">🔄 Retry Connection</button>
{{end}}`

var unreachableTmpl = template.Must(template.New("unreachable").Parse(checklist + `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>ODE Connection Error</title>
    <style>
{{.CSS}}
    </style>
</head>
<body>
    <div class="center">
        <div class="box">
{{template "checklist" .}}
        </div>
    </div>
</body>
</html>
`))

var gateTmpl = template.Must(template.New("gate").Parse(checklist + `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Open Dynamic Export</title>
    <style>
{{.CSS}}
    </style>
</head>
<body>
    <div id="gate" data-health="{{.HealthURL}}" data-frame="{{.FrameURL}}" data-max-retries="{{.MaxRetries}}" data-backoff-ms="{{.BackoffMS}}" data-reveal-ms="{{.RevealTimeoutMS}}">
        <div id="loading" class="center">
            <div class="box">
                <div class="spinner"></div>
                <h1>Open Dynamic Export</h1>
                <p id="status">Connecting…</p>
                <p class="muted"><code>{{.TargetURL}}</code></p>
            </div>
        </div>
        <div id="failed" class="center hidden">
            <div class="box">
{{template "checklist" .}}
            </div>
        </div>
        <iframe id="frame" class="app hidden" title="Open Dynamic Export"></iframe>
    </div>
    <script>
{{.Script}}
    </script>
</body>
</html>
`))

// RenderUnreachable writes the diagnostic page. It shows the target and a
// retry control, never the underlying error.
func RenderUnreachable(w io.Writer, d Unreachable) error {
	return unreachableTmpl.Execute(w, pageData{
		Gate: Gate{Unreachable: d},
		CSS:  template.CSS(pagesCSS),
	})
}

// RenderGate writes the loading page that polls HealthURL and reveals FrameURL.
func RenderGate(w io.Writer, d Gate) error {
	return gateTmpl.Execute(w, pageData{
		Gate:   d,
		CSS:    template.CSS(pagesCSS),
		Script: template.JS(gateJS),
	})
}
