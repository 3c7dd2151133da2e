package app

import (
	"strings"

	"github.com/petervdpas/lovelink/internal/config"
)

// NormalizeLocalViewer keeps the viewer bound to localhost and returns the
// listen addr and browser URL.
func NormalizeLocalViewer(cfgAddr string) (listenAddr string, url string) {
	a := strings.TrimSpace(cfgAddr)

	if strings.HasPrefix(a, ":") {
		a = "127.0.0.1" + a
	}
	if strings.HasPrefix(a, "0.0.0.0:") {
		a = "127.0.0.1:" + strings.TrimPrefix(a, "0.0.0.0:")
	}

	return a, "http://" + a
}

func logBanner(nodeDir, cfgPath string, cfg config.Config) {
	log.Info("────────────────────────────────────────")
	log.Info("lovelink node")
	log.Infof(" Node folder : %s", nodeDir)
	log.Infof(" Config file : %s", cfgPath)
	log.Infof(" User        : %s", cfg.Identity.UserID)
	log.Infof(" Store       : %s", cfg.Store.Backend)
	log.Info("")
	log.Info(" This process represents ONE user.")
	log.Info(" Partners on different machines need the redis store.")
	log.Info("────────────────────────────────────────")
}
