package app

import (
	"context"
	"fmt"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	"github.com/petervdpas/lovelink/internal/call"
	"github.com/petervdpas/lovelink/internal/callflow"
	"github.com/petervdpas/lovelink/internal/capture"
	"github.com/petervdpas/lovelink/internal/config"
	"github.com/petervdpas/lovelink/internal/couple"
	"github.com/petervdpas/lovelink/internal/docstore"
	"github.com/petervdpas/lovelink/internal/signal"
	"github.com/petervdpas/lovelink/internal/streak"
	"github.com/petervdpas/lovelink/internal/util"
	"github.com/petervdpas/lovelink/internal/viewer"
)

var log = logging.Logger("app")

type Options struct {
	NodeDir string
	CfgPath string
	Cfg     config.Config
}

// Run wires one user's node and blocks until ctx is done.
func Run(ctx context.Context, opt Options) (err error) {
	cfg := opt.Cfg

	logBuf := viewer.NewLogBuffer(800)
	stopCapture := logBuf.Capture()
	defer stopCapture()
	applyLogLevel(cfg.Log.Level)

	logBanner(opt.NodeDir, opt.CfgPath, cfg)

	// ── Document store
	store, err := openStore(ctx, opt.NodeDir, cfg.Store)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, store.Close()) }()

	// ── Signaling
	sig := signal.New(store)
	go sig.RunJanitor(ctx,
		time.Duration(cfg.Call.JanitorIntervalMin)*time.Minute,
		time.Duration(cfg.Call.CandidateRetentionHours)*time.Hour)

	// ── Capture + media
	devices, err := capture.New(capture.Options{
		VideoBitRate: cfg.Capture.VideoBitRate,
		MaxWidth:     cfg.Capture.MaxWidth,
		MaxHeight:    cfg.Capture.MaxHeight,
	})
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	media := call.New(devices, callOptions(cfg.Call))

	// ── Couple features
	zone, err := cfg.Streak.Location()
	if err != nil {
		return err
	}
	couples := couple.New(store)
	locations := couple.NewLocations(store, couples)
	streaks := streak.New(store, zone)

	// ── Call state machine
	events := viewer.NewEventHub(cfg.Viewer.EventBacklog)
	defer events.Close()

	calls := callflow.New(cfg.Identity.UserID, sig, media, events, couples)
	calls.OnChange(events.StateChanged)
	if err := calls.Start(ctx); err != nil {
		return fmt.Errorf("listen for calls: %w", err)
	}
	defer func() { err = multierr.Append(err, calls.Close()) }()

	// ── Live config
	if opt.CfgPath != "" {
		if err := config.Watch(ctx, opt.CfgPath, func(c config.Config) {
			media.SetOptions(callOptions(c.Call))
			applyLogLevel(c.Log.Level)
		}); err != nil {
			log.Warnf("APP: config watch disabled: %v", err)
		}
	}

	// ── Viewer
	if cfg.Viewer.HTTPAddr != "" {
		addr, url := NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		go func() {
			err := viewer.Start(ctx, addr, viewer.Viewer{
				SelfID:    cfg.Identity.UserID,
				Calls:     calls,
				Events:    events,
				Couples:   couples,
				Locations: locations,
				Streaks:   streaks,
				Logs:      logBuf,
			})
			if err != nil {
				log.Errorf("APP: viewer stopped: %v", err)
			}
		}()
		log.Infof("APP: viewer %s", url)
	}

	<-ctx.Done()
	log.Infof("APP: shutting down")
	return nil
}

// openStore opens the configured document store backend.
func openStore(ctx context.Context, nodeDir string, c config.Store) (docstore.Store, error) {
	switch c.Backend {
	case "memory":
		log.Warnf("APP: memory store; signaling only reaches this process")
		return docstore.NewMemory(), nil
	case "redis":
		s, err := docstore.DialRedis(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB, c.RedisPrefix)
		if err != nil {
			return nil, err
		}
		log.Infof("APP: redis store %s/%d", c.RedisAddr, c.RedisDB)
		return s, nil
	default:
		dir := util.ResolvePath(nodeDir, c.SQLiteDir)
		s, err := docstore.OpenSQLite(dir)
		if err != nil {
			return nil, err
		}
		log.Infof("APP: sqlite store in %s", dir)
		return s, nil
	}
}

// callOptions maps the call section onto peer connection options. A nil
// server list keeps the built-in STUN default.
func callOptions(c config.Call) call.Options {
	o := call.Options{
		DisconnectedTimeout: time.Duration(c.DisconnectedTimeoutSec) * time.Second,
		FailedTimeout:       time.Duration(c.FailedTimeoutSec) * time.Second,
		IncludeLoopback:     c.IncludeLoopback,
	}
	if c.ICEServers != nil {
		o.ICEServers = make([]webrtc.ICEServer, 0, len(c.ICEServers))
		for _, s := range c.ICEServers {
			srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
			if s.Credential != "" {
				srv.Credential = s.Credential
				srv.CredentialType = webrtc.ICECredentialTypePassword
			}
			o.ICEServers = append(o.ICEServers, srv)
		}
	}
	return o
}

func applyLogLevel(level string) {
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		log.Warnf("APP: log level %q: %v", level, err)
		return
	}
	logging.SetAllLoggers(lvl)
}
