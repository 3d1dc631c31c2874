package api

import (
	"encoding/json"
	"net/http"
	"os"
	"time"

	"hookrelay/internal/buildinfo"
)

func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"PORT":                     os.Getenv("PORT"),
			"AUTH_MODE":                os.Getenv("AUTH_MODE"),
			"WEBHOOK_MAX_CONCURRENT":   os.Getenv("WEBHOOK_MAX_CONCURRENT"),
			"WEBHOOK_TENANT_RPS":       os.Getenv("WEBHOOK_TENANT_RPS"),
			"WEBHOOK_POLL_INTERVAL_MS": os.Getenv("WEBHOOK_POLL_INTERVAL_MS"),
			"HAS_DATABASE_URL":         os.Getenv("DATABASE_URL") != "",
			"HAS_REDIS_URL":            os.Getenv("REDIS_URL") != "",
		},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
