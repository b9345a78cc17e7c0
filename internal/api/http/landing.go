package http

import "html/template"

var landingTemplate = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>FrameProxy</title>
<style>
body{font-family:system-ui,sans-serif;max-width:40rem;margin:4rem auto;padding:0 1rem;color:#222}
form{display:flex;gap:.5rem}
input{flex:1;padding:.5rem;font-size:1rem}
button{padding:.5rem 1rem;font-size:1rem}
.error{color:#b00020}
code{background:#f3f3f3;padding:0 .25rem}
</style>
</head>
<body>
<h1>FrameProxy</h1>
<p>Load any page so it can be embedded in an iframe.</p>
<form method="get" action="/">
<input type="text" name="url" placeholder="https://example.com" value="{{.Value}}" autofocus>
<button type="submit">Go</button>
</form>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<p>Or link directly: <code>{{.Prefix}}https%3A%2F%2Fexample.com%2F</code></p>
</body>
</html>
`))
