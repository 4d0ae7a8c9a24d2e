package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	_ "gbrestreamer/gateway/backend/api/handlers"
	"gbrestreamer/gateway/backend/config"
	"gbrestreamer/gateway/backend/logging"
	"gbrestreamer/gateway/backend/metrics"
	"gbrestreamer/gateway/backend/router"
	authsvc "gbrestreamer/gateway/backend/service/auth"
	ffsvc "gbrestreamer/gateway/backend/service/ffmpeg"
	"gbrestreamer/gateway/backend/service/gateway"
	"gbrestreamer/gateway/backend/service/inventory"
	"gbrestreamer/gateway/backend/service/journal"
	"gbrestreamer/gateway/backend/service/media"
	"gbrestreamer/gateway/backend/service/recording"
	"gbrestreamer/gateway/backend/service/sip"
	"gbrestreamer/gateway/backend/store"
)

// Version is stamped at build time with -ldflags.
var Version = "dev"

type App struct {
	cfg         config.Config
	cfgManager  *config.Manager
	store       *store.Store
	ffmpeg      *ffsvc.Service
	engine      *media.Engine
	gateway     *gateway.Gateway
	journal     *journal.Journal
	metrics     *metrics.Metrics
	recordings  *recording.Indexer
	server      *http.Server
	apiHandler  http.Handler
	routes      []router.Route
	openapiJSON []byte
	logger      *logging.Manager

	reloadMu sync.Mutex
}

func New(cfgManager *config.Manager) (*App, error) {
	if cfgManager == nil {
		return nil, fmt.Errorf("config manager is required")
	}
	cfg := cfgManager.Current()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfg.ConfigFile, err)
	}
	loggerMgr, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("[config] using config file: %s", cfg.ConfigFile)
	log.Printf("[config] ffmpeg path: %s", cfg.FFmpegPath)
	log.Printf("[config] device=%s platform=%s:%d/%s", cfg.Device.DeviceID, cfg.SIP.ServerIP, cfg.SIP.ServerPort, cfg.SIP.Transport)
	if err := os.MkdirAll(cfg.MediaDir, 0o755); err != nil {
		_ = loggerMgr.Close()
		return nil, err
	}
	storeDB, err := store.Open(cfg.DBPath)
	if err != nil {
		_ = loggerMgr.Close()
		return nil, err
	}

	ffmpegSvc := ffsvc.New(cfg.FFmpegPath, cfg.FFprobePath)
	engine := media.New(media.OptionsFromConfig(cfg, ffmpegSvc.BinaryPath), media.RTSPProber{
		Timeout:   cfg.Session.StartTimeout.D(),
		UserAgent: cfg.SIP.UserAgent,
	})
	indexer := NewRecordingIndexer(cfg, storeDB, ffmpegSvc)
	eventJournal := journal.New(storeDB, journal.Options{})
	metricSet := metrics.New()
	gw, err := gateway.New(gateway.OptionsFromConfig(cfg), gateway.DeviceFromConfig(cfg),
		gatewayComponents(cfg, engine, indexer, eventJournal, metricSet))
	if err != nil {
		storeDB.Close()
		_ = loggerMgr.Close()
		return nil, err
	}
	authService := authsvc.New(storeDB, func() string { return cfgManager.Current().APIKeyHash })

	deps := &router.Dependencies{
		Config:     cfg,
		ConfigMgr:  cfgManager,
		Store:      storeDB,
		Auth:       authService,
		FFmpeg:     ffmpegSvc,
		Gateway:    gw,
		Media:      engine,
		Journal:    eventJournal,
		Metrics:    metricSet,
		Recordings: indexer,
	}
	apiHandler, routes := router.Build(deps)
	openapi, err := buildOpenAPISpec(routes)
	if err != nil {
		_ = loggerMgr.Close()
		storeDB.Close()
		return nil, err
	}

	app := &App{
		cfg:         cfg,
		cfgManager:  cfgManager,
		store:       storeDB,
		ffmpeg:      ffmpegSvc,
		engine:      engine,
		gateway:     gw,
		journal:     eventJournal,
		metrics:     metricSet,
		recordings:  indexer,
		apiHandler:  apiHandler,
		routes:      routes,
		openapiJSON: openapi,
		logger:      loggerMgr,
	}
	cfgManager.AddListener(app.applyConfig)
	app.server = &http.Server{
		Addr:              cfg.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
		Handler:           app.mainMux(),
	}
	return app, nil
}

// NewRecordingIndexer builds the recording index over cfg.RecordDir.
func NewRecordingIndexer(cfg config.Config, db *store.Store, ffmpegSvc *ffsvc.Service) *recording.Indexer {
	indexer := recording.New(cfg.RecordDir, db, ffmpegSvc)
	indexer.SetAddress(cfg.Device.Address)
	return indexer
}

func gatewayComponents(cfg config.Config, engine *media.Engine, records *recording.Indexer, j *journal.Journal, m *metrics.Metrics) gateway.Components {
	return gateway.Components{
		Codec:     sip.New(sip.OptionsFromConfig(cfg)),
		Engine:    engine,
		Inventory: inventory.FromConfig(cfg),
		Records:   records,
		Sizer:     sip.CatalogBodySize,
		Journal:   j,
		Metrics:   m,
	}
}

// applyConfig restarts the gateway when orchestrator settings changed.
func (a *App) applyConfig(old, newCfg config.Config) {
	a.reloadMu.Lock()
	defer a.reloadMu.Unlock()

	log.Printf("[config] hot reload applied from %s", newCfg.ConfigFile)
	a.ffmpeg.UpdatePaths(newCfg.FFmpegPath, newCfg.FFprobePath)
	if err := a.logger.Update(newCfg); err != nil {
		log.Printf("[config][warn] update logger failed: %v", err)
	}
	a.cfg = newCfg
	if !gatewayConfigChanged(old, newCfg) {
		return
	}
	if old.Media.PortStart != newCfg.Media.PortStart || old.Media.PortEnd != newCfg.Media.PortEnd {
		log.Printf("[config][warn] media port range changes apply after a process restart")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	wasRunning := a.gateway.Running()
	if err := a.gateway.Stop(ctx); err != nil {
		log.Printf("[gateway][warn] stop on config update failed: %v", err)
	}
	a.recordings.SetAddress(newCfg.Device.Address)
	comp := gatewayComponents(newCfg, a.engine, a.recordings, a.journal, a.metrics)
	if err := a.gateway.Reconfigure(gateway.OptionsFromConfig(newCfg), gateway.DeviceFromConfig(newCfg), comp); err != nil {
		log.Printf("[gateway][warn] reconfigure failed: %v", err)
		return
	}
	if wasRunning || newCfg.AutoStart {
		if err := a.gateway.Start(ctx); err != nil {
			log.Printf("[gateway][warn] restart on config update failed: %v", err)
		}
	}
}

func gatewayConfigChanged(old config.Config, next config.Config) bool {
	return !reflect.DeepEqual(old.Device, next.Device) ||
		!reflect.DeepEqual(old.SIP, next.SIP) ||
		!reflect.DeepEqual(old.Registration, next.Registration) ||
		!reflect.DeepEqual(old.Catalog, next.Catalog) ||
		!reflect.DeepEqual(old.Session, next.Session) ||
		!reflect.DeepEqual(old.Media, next.Media) ||
		!reflect.DeepEqual(old.RTSPSources, next.RTSPSources) ||
		old.MediaDir != next.MediaDir
}

func (a *App) mainMux() http.Handler {
	apiBase := a.cfg.APIBase
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clean := path.Clean(r.URL.Path)
		if strings.HasPrefix(clean, apiBase+"/") || clean == apiBase {
			a.apiHandler.ServeHTTP(w, r)
			return
		}
		if clean == "/openapi.json" {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(a.openapiJSON)
			return
		}
		http.NotFound(w, r)
	})
}

// Run starts the background services and serves HTTP until Shutdown.
func (a *App) Run() error {
	a.cfgManager.StartWatching()
	a.journal.Start()
	cfg := a.cfgManager.Current()
	go func() {
		if _, err := a.recordings.Scan(context.Background()); err != nil {
			log.Printf("[recording][warn] initial scan failed: %v", err)
		}
	}()
	a.recordings.Start(cfg.Catalog.ScanInterval.D())
	if cfg.AutoStart {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := a.gateway.Start(ctx); err != nil {
			log.Printf("[gateway][warn] startup skipped: %v", err)
		}
		cancel()
	} else {
		log.Printf("[gateway] auto start disabled by config (autoStart=false)")
	}
	log.Printf("gateway %s listening on %s", Version, cfg.ListenAddr)
	return a.server.ListenAndServe()
}

// Shutdown stops sessions, unregisters, then closes the HTTP server and store.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.cfgManager.StopWatching()
	var errs []error
	if err := a.gateway.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	a.recordings.Stop()
	a.journal.Stop()
	if err := a.server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
	return errors.Join(errs...)
}

func buildOpenAPISpec(routes []router.Route) ([]byte, error) {
	paths := map[string]map[string]any{}
	for _, rt := range routes {
		method := strings.ToLower(rt.Method)
		if method != "get" && method != "post" {
			continue
		}
		if _, ok := paths[rt.Pattern]; !ok {
			paths[rt.Pattern] = map[string]any{}
		}
		operation := map[string]any{
			"summary":     rt.Summary,
			"description": rt.Description,
			"operationId": buildOperationID(method, rt.Pattern),
			"tags":        []string{deriveRouteTag(rt.Pattern)},
			"responses": map[string]any{
				"200": map[string]any{
					"description": "Success",
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{
								"$ref": "#/components/schemas/ResultEnvelope",
							},
						},
					},
				},
				"default": map[string]any{
					"description": "Error payload",
					"content": map[string]any{
						"application/json": map[string]any{
							"schema": map[string]any{
								"$ref": "#/components/schemas/ResultEnvelope",
							},
						},
					},
				},
			},
		}
		if method == "post" {
			operation["requestBody"] = map[string]any{
				"required": false,
				"content": map[string]any{
					"application/json": map[string]any{
						"schema": map[string]any{
							"type": "object",
						},
					},
				},
			}
		}
		if example := routeExample(method, rt.Pattern); example != nil {
			if requestExample, ok := example["request"]; ok && method == "post" {
				requestBody := operation["requestBody"].(map[string]any)
				content := requestBody["content"].(map[string]any)
				jsonContent := content["application/json"].(map[string]any)
				jsonContent["example"] = requestExample
			}
			if responseExample, ok := example["response"]; ok {
				responses := operation["responses"].(map[string]any)
				okResponse := responses["200"].(map[string]any)
				content := okResponse["content"].(map[string]any)
				jsonContent := content["application/json"].(map[string]any)
				jsonContent["example"] = responseExample
			}
		}
		paths[rt.Pattern][method] = operation
	}
	spec := map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":       "GB28181 Gateway API",
			"version":     Version,
			"description": "Admin API for registration, catalog, stream sessions, recordings and lifecycle events.",
		},
		"servers": []map[string]any{{"url": "/"}},
		"paths":   paths,
		"components": map[string]any{
			"schemas": map[string]any{
				"ResultEnvelope": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"code": map[string]any{
							"type":    "integer",
							"example": 0,
						},
						"message": map[string]any{
							"type":    "string",
							"example": "Success",
						},
						"data": map[string]any{
							"nullable": true,
						},
					},
				},
			},
		},
	}
	return json.MarshalIndent(spec, "", "  ")
}

func buildOperationID(method string, pattern string) string {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	parts := make([]string, 0, len(segments)+1)
	parts = append(parts, strings.ToLower(method))
	for _, segment := range segments {
		if segment == "" {
			continue
		}
		segment = strings.Trim(segment, "{}")
		segment = strings.ReplaceAll(segment, "-", "_")
		parts = append(parts, segment)
	}
	return strings.Join(parts, "_")
}

func deriveRouteTag(pattern string) string {
	segments := strings.Split(strings.Trim(pattern, "/"), "/")
	if len(segments) == 0 {
		return "general"
	}
	for idx, segment := range segments {
		if strings.HasPrefix(segment, "v") && idx+1 < len(segments) {
			return strings.ReplaceAll(segments[idx+1], "-", "_")
		}
	}
	if len(segments) >= 2 {
		return strings.ReplaceAll(segments[1], "-", "_")
	}
	return strings.ReplaceAll(segments[0], "-", "_")
}

func routeExample(method string, pattern string) map[string]any {
	key := strings.ToUpper(method) + " " + pattern
	switch key {
	case "POST /api/v1/gateway/sessions":
		return map[string]any{
			"request": map[string]any{
				"sessionId": "",
				"channelId": "34020000001310000001",
				"ip":        "192.168.1.100",
				"port":      30000,
				"transport": "udp",
				"ssrc":      "",
			},
		}
	case "POST /api/v1/auth/keys":
		return map[string]any{
			"request": map[string]any{
				"name":        "ops",
				"description": "monitoring",
			},
		}
	default:
		return nil
	}
}

func (a *App) RouteList() []router.Route {
	items := make([]router.Route, len(a.routes))
	copy(items, a.routes)
	return items
}
