package web

import (
	"encoding/json"
	"html/template"
	"net/http"

	"github.com/federalis/idp/internal/engine"
)

var loginTmpl = template.Must(template.New("login").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Sign In - Federalis</title>
    <style>
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            padding: 20px;
        }
        .container {
            background: rgba(255, 255, 255, 0.95);
            border-radius: 16px;
            padding: 40px;
            max-width: 420px;
            width: 100%;
            box-shadow: 0 25px 50px -12px rgba(0, 0, 0, 0.4);
        }
        h1 { color: #1a1a2e; margin-bottom: 8px; font-size: 24px; }
        .subtitle { color: #666; margin-bottom: 24px; font-size: 14px; }
        .sp-info {
            background: #f0f4ff;
            border-radius: 8px;
            padding: 16px;
            margin-bottom: 24px;
            border-left: 4px solid #3b82f6;
        }
        .sp-info h3 { color: #1e40af; font-size: 14px; margin-bottom: 4px; }
        .sp-info p { color: #3b82f6; font-size: 12px; word-break: break-all; }
        .error {
            background: #fef2f2;
            border-left: 4px solid #ef4444;
            color: #b91c1c;
            border-radius: 8px;
            padding: 12px 16px;
            margin-bottom: 20px;
            font-size: 14px;
        }
        .form-group { margin-bottom: 16px; }
        .form-group label { display: block; color: #374151; font-size: 14px; margin-bottom: 6px; }
        .form-group input {
            width: 100%;
            padding: 12px;
            border: 2px solid #e5e7eb;
            border-radius: 8px;
            font-size: 14px;
        }
        .form-group input:focus { outline: none; border-color: #3b82f6; }
        .submit-btn {
            width: 100%;
            padding: 14px;
            background: linear-gradient(135deg, #3b82f6, #2563eb);
            color: white;
            border: none;
            border-radius: 8px;
            font-size: 16px;
            font-weight: 600;
            cursor: pointer;
        }
        .submit-btn:hover { box-shadow: 0 4px 12px rgba(59, 130, 246, 0.4); }
    </style>
</head>
<body>
    <div class="container">
        <h1>Sign In</h1>
        <p class="subtitle">Federalis Identity Provider</p>

        <div class="sp-info">
            <h3>Signing in to</h3>
            <p>{{.PartnerID}}</p>
        </div>

        {{if .Error}}<div class="error">{{.Error}}</div>{{end}}

        <form method="POST" action="/login">
            <input type="hidden" name="challenge" value="{{.ChallengeID}}">
            <div class="form-group">
                <label>Username</label>
                <input type="text" name="username" autocomplete="username" required>
            </div>
            <div class="form-group">
                <label>Password</label>
                <input type="password" name="password" autocomplete="current-password" required>
            </div>
            <button type="submit" class="submit-btn">Sign In</button>
        </form>
    </div>
</body>
</html>`))

var errorTmpl = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Error - Federalis</title>
    <style>
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: linear-gradient(135deg, #1a1a2e 0%, #16213e 100%);
            min-height: 100vh;
            display: flex;
            align-items: center;
            justify-content: center;
            padding: 20px;
        }
        .container {
            background: rgba(255, 255, 255, 0.95);
            border-radius: 16px;
            padding: 40px;
            max-width: 420px;
            width: 100%;
            box-shadow: 0 25px 50px -12px rgba(0, 0, 0, 0.4);
        }
        h1 { color: #b91c1c; margin-bottom: 12px; font-size: 22px; }
        p { color: #374151; font-size: 14px; line-height: 1.5; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Sign-in Error</h1>
        <p>{{.Message}}</p>
    </div>
</body>
</html>`))

func (h *Handler) renderLoginPage(w http.ResponseWriter, ch *engine.Challenge, partnerID string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	loginTmpl.Execute(w, struct {
		ChallengeID string
		PartnerID   string
		Error       string
	}{
		ChallengeID: ch.ID,
		PartnerID:   partnerID,
		Error:       ch.LastError,
	})
}

func (h *Handler) renderErrorPage(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	errorTmpl.Execute(w, struct{ Message string }{Message: message})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
